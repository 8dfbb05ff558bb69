package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/queue-dispatch/internal/calling"
	"qms/queue-dispatch/internal/models"
	"qms/queue-dispatch/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Lifecycle interface {
	IssueTicket(ctx context.Context, req calling.IssueRequest) (models.Ticket, bool, error)
	Call(ctx context.Context, roomID string, queueType models.QueueType) (models.Ticket, error)
	Recall(ctx context.Context, ticketID string) (models.Ticket, error)
	BeginService(ctx context.Context, ticketID string) (models.Ticket, error)
	Complete(ctx context.Context, ticketID string) (models.Ticket, error)
	Skip(ctx context.Context, ticketID string) (models.Ticket, error)
	NoShow(ctx context.Context, ticketID string) (models.Ticket, error)
}

type Dispatcher interface {
	Today() string
	NextToCall(ctx context.Context, roomID string, queueType models.QueueType) (models.Ticket, bool, error)
}

type Estimator interface {
	AverageServiceTime(ctx context.Context, roomID string, queueType models.QueueType) (time.Duration, error)
	EstimateWait(ctx context.Context, roomID string, queueType models.QueueType, position int) (float64, error)
}

type SnapshotBuilder interface {
	BuildSnapshot(ctx context.Context, roomIDs []string, queueType models.QueueType) (models.DisplaySnapshot, error)
}

type Services struct {
	Store      store.TicketStore
	Lifecycle  Lifecycle
	Dispatcher Dispatcher
	Estimator  Estimator
	Display    SnapshotBuilder
}

type Options struct {
	// Realtime serves /realtime/ when set.
	Realtime http.Handler
}

type Handler struct {
	store      store.TicketStore
	lifecycle  Lifecycle
	dispatcher Dispatcher
	estimator  Estimator
	display    SnapshotBuilder
	realtime   http.Handler
}

type issueTicketRequest struct {
	RequestID string `json:"request_id"`
	RoomID    string `json:"room_id"`
	QueueType string `json:"queue_type"`
	Priority  string `json:"priority"`
	QueueDate string `json:"queue_date"`
}

type callNextRequest struct {
	RequestID string `json:"request_id"`
	RoomID    string `json:"room_id"`
	QueueType string `json:"queue_type"`
}

type ticketActionRequest struct {
	RequestID string `json:"request_id"`
}

type ticketEventsResponse struct {
	TicketID    string              `json:"ticket_id"`
	Events      []store.TicketEvent `json:"events"`
	Verified    bool                `json:"verified"`
	VerifyError string              `json:"verify_error,omitempty"`
}

type estimateResponse struct {
	RoomID                string           `json:"room_id"`
	QueueType             models.QueueType `json:"queue_type"`
	Position              int              `json:"position"`
	EstimatedWaitMinutes  float64          `json:"estimated_wait_minutes"`
	AverageServiceMinutes float64          `json:"average_service_minutes"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(services Services, options Options) *Handler {
	return &Handler{
		store:      services.Store,
		lifecycle:  services.Lifecycle,
		dispatcher: services.Dispatcher,
		estimator:  services.Estimator,
		display:    services.Display,
		realtime:   options.Realtime,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/", h.handleTicketPaths)
	mux.HandleFunc("/api/queues/next", h.handleNextToCall)
	mux.HandleFunc("/api/queues/estimate", h.handleEstimate)
	mux.HandleFunc("/api/display", h.handleDisplay)
	mux.HandleFunc("/api/samples", h.handleSamples)
	if h.realtime != nil {
		mux.Handle("/realtime/", h.realtime)
	}
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleIssueTicket(w, r)
	case http.MethodGet:
		h.handleListTickets(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	var req issueTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.QueueDate = strings.TrimSpace(req.QueueDate)
	if req.RoomID == "" || strings.TrimSpace(req.QueueType) == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "room_id and queue_type are required")
		return
	}
	queueType, err := models.ParseQueueType(req.QueueType)
	if err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ticket, created, err := h.lifecycle.IssueTicket(r.Context(), calling.IssueRequest{
		RequestID: req.RequestID,
		RoomID:    req.RoomID,
		QueueType: queueType,
		Priority:  priority,
		QueueDate: req.QueueDate,
	})
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ticket)
}

func (h *Handler) handleListTickets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID := strings.TrimSpace(query.Get("room_id"))
	if roomID == "" || strings.TrimSpace(query.Get("queue_type")) == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "room_id and queue_type are required")
		return
	}
	queueType, err := models.ParseQueueType(query.Get("queue_type"))
	if err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	queueDate := strings.TrimSpace(query.Get("date"))
	if queueDate == "" {
		queueDate = h.dispatcher.Today()
	}

	var statuses []models.Status
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, err := models.ParseStatus(part)
			if err != nil {
				writeError(w, "", http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			statuses = append(statuses, status)
		}
	}

	partition := models.Partition{QueueDate: queueDate, RoomID: roomID, QueueType: queueType}
	if err := partition.Validate(); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_partition", err.Error())
		return
	}
	tickets, err := h.store.ListByPartition(r.Context(), partition, statuses...)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.RoomID = strings.TrimSpace(req.RoomID)
	if req.RoomID == "" || strings.TrimSpace(req.QueueType) == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "room_id and queue_type are required")
		return
	}
	queueType, err := models.ParseQueueType(req.QueueType)
	if err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ticket, err := h.lifecycle.Call(r.Context(), req.RoomID, queueType)
	if err != nil {
		h.fail(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketPaths(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleTicketEvents(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTicketAction(w, r, ticketID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	events, err := h.store.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}

	resp := ticketEventsResponse{TicketID: ticketID, Events: events, Verified: true}
	if resp.Events == nil {
		resp.Events = []store.TicketEvent{}
	}
	if err := store.VerifyTicketEvents(events, ticket); err != nil {
		resp.Verified = false
		resp.VerifyError = err.Error()
		log.Warn().Err(err).Str("ticket_id", ticketID).Msg("ticket event chain failed verification")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTicketAction(w http.ResponseWriter, r *http.Request, ticketID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var act func(ctx context.Context, ticketID string) (models.Ticket, error)
	switch action {
	case "begin-service":
		act = h.lifecycle.BeginService
	case "complete":
		act = h.lifecycle.Complete
	case "skip":
		act = h.lifecycle.Skip
	case "no-show":
		act = h.lifecycle.NoShow
	case "recall":
		act = h.lifecycle.Recall
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var req ticketActionRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	requestID := strings.TrimSpace(req.RequestID)
	if requestID == "" {
		requestID = requestIDFromRequest(r)
	}

	ticket, err := act(r.Context(), ticketID)
	if err != nil {
		h.fail(w, r, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleNextToCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	roomID, queueType, ok := partitionQuery(w, r)
	if !ok {
		return
	}

	ticket, found, err := h.dispatcher.NextToCall(r.Context(), roomID, queueType)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleEstimate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	roomID, queueType, ok := partitionQuery(w, r)
	if !ok {
		return
	}

	position := 1
	if raw := strings.TrimSpace(r.URL.Query().Get("position")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "position must be a positive integer")
			return
		}
		position = parsed
	}

	avg, err := h.estimator.AverageServiceTime(r.Context(), roomID, queueType)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	minutes, err := h.estimator.EstimateWait(r.Context(), roomID, queueType, position)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, estimateResponse{
		RoomID:                roomID,
		QueueType:             queueType,
		Position:              position,
		EstimatedWaitMinutes:  minutes,
		AverageServiceMinutes: avg.Minutes(),
	})
}

func (h *Handler) handleDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	var roomIDs []string
	for _, value := range query["room_ids"] {
		roomIDs = append(roomIDs, strings.Split(value, ",")...)
	}
	roomIDs = append(roomIDs, query["room_id"]...)

	var queueType models.QueueType
	if raw := strings.TrimSpace(query.Get("queue_type")); raw != "" {
		parsed, err := models.ParseQueueType(raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		queueType = parsed
	}

	snapshot, err := h.display.BuildSnapshot(r.Context(), roomIDs, queueType)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	sampleQuery := store.SampleQuery{RoomID: strings.TrimSpace(query.Get("room_id")), Limit: 100}
	if raw := strings.TrimSpace(query.Get("queue_type")); raw != "" {
		queueType, err := models.ParseQueueType(raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		sampleQuery.QueueType = queueType
	}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "since must be RFC3339 timestamp")
			return
		}
		sampleQuery.Since = since
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be between 1 and 1000")
			return
		}
		sampleQuery.Limit = limit
	}

	samples, err := h.store.ListSamples(r.Context(), sampleQuery)
	if err != nil {
		h.fail(w, r, "", err)
		return
	}
	if samples == nil {
		samples = []models.ServiceTimeSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func partitionQuery(w http.ResponseWriter, r *http.Request) (string, models.QueueType, bool) {
	roomID := strings.TrimSpace(r.URL.Query().Get("room_id"))
	rawType := strings.TrimSpace(r.URL.Query().Get("queue_type"))
	if roomID == "" || rawType == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "room_id and queue_type are required")
		return "", "", false
	}
	queueType, err := models.ParseQueueType(rawType)
	if err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", err.Error())
		return "", "", false
	}
	return roomID, queueType, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Str("request_id", requestID).Msg("request failed")
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, store.ErrRoomBusy):
		return http.StatusConflict, "room_busy", "room already has an active ticket"
	case errors.Is(err, store.ErrEmptyQueue):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	case errors.Is(err, store.ErrInvalidPartition):
		return http.StatusBadRequest, "invalid_partition", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
