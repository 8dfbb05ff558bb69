package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port        string
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	Timezone    string

	DefaultServiceTime time.Duration
	SampleWindow       int
	SampleMaxAge       time.Duration
	MinSamples         int
	PollInterval       time.Duration

	NoShowGrace         time.Duration
	NoShowInterval      time.Duration
	NoShowBatchSize     int
	NoShowReturnToQueue bool
	MaxCallAttempts     int
	DayCloseSchedule    string

	RateLimitPerMinute     int
	RateLimitBurst         int
	RoomRateLimitPerMinute int
	RoomRateLimitBurst     int

	StaffToken string
	LogLevel   string
	LogFormat  string
}

// LoadEnvFile exports the variables of a dotenv file without overriding the
// environment. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func Load() Config {
	return load(os.Getenv)
}

func load(getenv func(string) string) Config {
	port := getenv("PORT")
	if port == "" {
		port = "8080"
	}
	databaseURL := getenv("DB_DSN")
	driver := strings.ToLower(strings.TrimSpace(getenv("STORE_DRIVER")))
	if driver == "" {
		driver = DriverSQLite
		if databaseURL != "" {
			driver = DriverPostgres
		}
	}

	return Config{
		Port:        port,
		StoreDriver: driver,
		DatabaseURL: databaseURL,
		SQLitePath:  readString(getenv, "SQLITE_PATH", "queue.db"),
		Timezone:    readString(getenv, "TIMEZONE", "Local"),

		DefaultServiceTime: time.Duration(readInt(getenv, "DEFAULT_SERVICE_MINUTES", 5)) * time.Minute,
		SampleWindow:       readInt(getenv, "SAMPLE_WINDOW", 20),
		SampleMaxAge:       readDurationSeconds(getenv, "SAMPLE_MAX_AGE_SECONDS", 0),
		MinSamples:         readInt(getenv, "MIN_SAMPLES", 1),
		PollInterval:       readDurationSeconds(getenv, "DISPLAY_POLL_SECONDS", 4),

		NoShowGrace:         readDurationSeconds(getenv, "NO_SHOW_GRACE_SECONDS", 300),
		NoShowInterval:      readDurationSeconds(getenv, "NO_SHOW_SCAN_INTERVAL_SECONDS", 30),
		NoShowBatchSize:     readInt(getenv, "NO_SHOW_BATCH_SIZE", 100),
		NoShowReturnToQueue: readBool(getenv, "NO_SHOW_RETURN_TO_QUEUE", false),
		MaxCallAttempts:     readInt(getenv, "MAX_CALL_ATTEMPTS", 0),
		DayCloseSchedule:    readString(getenv, "DAY_CLOSE_SCHEDULE", "5 0 * * *"),

		RateLimitPerMinute:     readInt(getenv, "RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:         readInt(getenv, "RATE_LIMIT_BURST", 30),
		RoomRateLimitPerMinute: readInt(getenv, "ROOM_RATE_LIMIT_PER_MIN", 600),
		RoomRateLimitBurst:     readInt(getenv, "ROOM_RATE_LIMIT_BURST", 120),

		StaffToken: getenv("STAFF_API_TOKEN"),
		LogLevel:   readString(getenv, "LOG_LEVEL", "info"),
		LogFormat:  readString(getenv, "LOG_FORMAT", "json"),
	}
}

// ApplyFlags overrides cfg with command-line flags. Flags default to the
// values already loaded from the environment.
func ApplyFlags(cfg Config, name string, args []string) (Config, error) {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flagSet.StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "ticket store driver: postgres or sqlite")
	flagSet.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "PostgreSQL connection string")
	flagSet.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database file")
	flagSet.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "IANA zone that decides the queue date")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or console")
	flagSet.IntVar(&cfg.MaxCallAttempts, "max-call-attempts", cfg.MaxCallAttempts, "calls before a skip becomes a no-show (0 disables)")
	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DB_DSN is required for the postgres store")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.MaxCallAttempts < 0 {
		return errors.New("MAX_CALL_ATTEMPTS must not be negative")
	}
	return nil
}

// Location is the zone whose calendar day is the queue date.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func readString(getenv func(string) string, key, fallback string) string {
	value := strings.TrimSpace(getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func readDurationSeconds(getenv func(string) string, key string, fallback int) time.Duration {
	value := readInt(getenv, key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(getenv func(string) string, key string, fallback int) int {
	raw := getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(getenv func(string) string, key string, fallback bool) bool {
	raw := getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
