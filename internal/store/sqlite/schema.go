package sqlite

const schema = `
	CREATE TABLE IF NOT EXISTS queue_partitions (
		queue_date       TEXT NOT NULL,
		room_id          TEXT NOT NULL,
		queue_type       TEXT NOT NULL,
		next_number      INTEGER NOT NULL DEFAULT 0,
		active_ticket_id TEXT NOT NULL DEFAULT '',
		updated_at       TEXT NOT NULL,
		PRIMARY KEY (queue_date, room_id, queue_type)
	);

	CREATE TABLE IF NOT EXISTS tickets (
		ticket_id          TEXT PRIMARY KEY,
		request_id         TEXT,
		ticket_code        TEXT NOT NULL,
		queue_number       INTEGER NOT NULL,
		priority           INTEGER NOT NULL,
		status             TEXT NOT NULL,
		room_id            TEXT NOT NULL,
		queue_type         TEXT NOT NULL,
		queue_date         TEXT NOT NULL,
		called_count       INTEGER NOT NULL DEFAULT 0,
		created_at         TEXT NOT NULL,
		called_at          TEXT,
		serving_started_at TEXT,
		completed_at       TEXT,
		UNIQUE (queue_date, room_id, queue_type, queue_number)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_request ON tickets(request_id) WHERE request_id IS NOT NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_single_active ON tickets(queue_date, room_id, queue_type)
		WHERE status IN ('called', 'serving');
	CREATE INDEX IF NOT EXISTS idx_tickets_partition_status ON tickets(queue_date, room_id, queue_type, status);
	CREATE INDEX IF NOT EXISTS idx_tickets_called_at ON tickets(status, called_at);

	CREATE TABLE IF NOT EXISTS service_time_samples (
		sample_id        INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id        TEXT NOT NULL,
		room_id          TEXT NOT NULL,
		queue_type       TEXT NOT NULL,
		duration_seconds REAL NOT NULL,
		recorded_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_samples_partition ON service_time_samples(room_id, queue_type, recorded_at);

	CREATE TABLE IF NOT EXISTS ticket_events (
		ticket_id  TEXT NOT NULL,
		ticket_seq INTEGER NOT NULL,
		type       TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		prev_hash  TEXT NOT NULL,
		hash       TEXT NOT NULL,
		PRIMARY KEY (ticket_id, ticket_seq)
	);
`
