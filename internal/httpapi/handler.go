package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"strings"
	"time"

	"qms/patient-queue/internal/hub"
	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/queue"
	"qms/patient-queue/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// QueueService is the queue behaviour the HTTP layer needs.
type QueueService interface {
	Enqueue(ctx context.Context, in queue.EnqueueInput) (models.QueueEntry, error)
	Transition(ctx context.Context, id string, target models.Status, notes string) (models.QueueEntry, error)
	Remove(ctx context.Context, id string) (models.QueueEntry, error)
	Get(ctx context.Context, id string) (models.QueueEntry, error)
	List(ctx context.Context, filter store.Filter) ([]models.QueueEntry, error)
	Stats(ctx context.Context, filter store.Filter) (queue.Stats, error)
	Reorder(ctx context.Context, ids []string) ([]models.QueueEntry, error)
	Edit(ctx context.Context, id string, in queue.EditInput) (models.QueueEntry, error)
	Events(ctx context.Context, id string) ([]store.EntryEvent, error)
	Today() string
}

type Handler struct {
	service         QueueService
	hub             *hub.Hub
	refreshInterval time.Duration
}

type Options struct {
	// DashboardRefresh is the snapshot cadence for realtime subscribers.
	DashboardRefresh time.Duration
}

type enqueueRequest struct {
	RequestID     string `json:"request_id"`
	PatientID     string `json:"patient_id"`
	DoctorID      string `json:"doctor_id"`
	BranchID      string `json:"branch_id"`
	Source        string `json:"source"`
	AppointmentID string `json:"appointment_id"`
	Notes         string `json:"notes"`
}

type transitionRequest struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Notes     string `json:"notes"`
}

type reorderRequest struct {
	RequestID string   `json:"request_id"`
	QueueIDs  []string `json:"queue_ids"`
}

type editRequest struct {
	RequestID string  `json:"request_id"`
	Notes     *string `json:"notes"`
	Priority  *int    `json:"priority"`
	DoctorID  *string `json:"doctor_id"`
	BranchID  *string `json:"branch_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Field           string `json:"field,omitempty"`
	CurrentStatus   string `json:"current_status,omitempty"`
	RequestedStatus string `json:"requested_status,omitempty"`
}

func NewHandler(service QueueService, h *hub.Hub, options Options) *Handler {
	interval := options.DashboardRefresh
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if h == nil {
		h = hub.New()
	}
	return &Handler{
		service:         service,
		hub:             h,
		refreshInterval: interval,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/stats", h.handleStats)
	mux.HandleFunc("/api/queue/reorder", h.handleReorder)
	mux.HandleFunc("/api/queue/", h.handleEntry)
	mux.Handle("/realtime/", h.realtimeHandler())
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"realtime_clients": h.hub.Count(),
	})
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleEnqueue(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}

	entry, err := h.service.Enqueue(r.Context(), queue.EnqueueInput{
		RequestID:      strings.TrimSpace(req.RequestID),
		PatientRef:     req.PatientID,
		DoctorRef:      req.DoctorID,
		BranchRef:      req.BranchID,
		Source:         models.Source(strings.TrimSpace(req.Source)),
		AppointmentRef: req.AppointmentID,
		Notes:          req.Notes,
	})
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	entries, err := h.service.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, requestIDFrom(r, ""), err)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter, ok := parseFilter(w, r)
	if !ok {
		return
	}
	stats, err := h.service.Stats(r.Context(), filter)
	if err != nil {
		writeServiceError(w, requestIDFrom(r, ""), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req reorderRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)
	for _, id := range req.QueueIDs {
		if !isValidUUID(strings.TrimSpace(id)) {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "queue_ids must be UUIDs")
			return
		}
	}

	entries, err := h.service.Reorder(r.Context(), req.QueueIDs)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleEntry serves /api/queue/{id}, /api/queue/{id}/transitions and
// /api/queue/{id}/events.
func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || len(parts) > 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	entryID := parts[0]
	if !isValidUUID(entryID) {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_request", "queue id must be a UUID")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "transitions":
			h.handleTransition(w, r, entryID)
		case "events":
			h.handleEvents(w, r, entryID)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, entryID)
	case http.MethodPatch:
		h.handleEdit(w, r, entryID)
	case http.MethodDelete:
		h.handleRemove(w, r, entryID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, entryID string) {
	entry, err := h.service.Get(r.Context(), entryID)
	if err != nil {
		writeServiceError(w, requestIDFrom(r, ""), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEdit(w http.ResponseWriter, r *http.Request, entryID string) {
	var req editRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	entry, err := h.service.Edit(r.Context(), entryID, queue.EditInput{
		Notes:     req.Notes,
		Priority:  req.Priority,
		DoctorRef: req.DoctorID,
		BranchRef: req.BranchID,
	})
	if err != nil {
		writeServiceError(w, requestIDFrom(r, req.RequestID), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request, entryID string) {
	entry, err := h.service.Remove(r.Context(), entryID)
	if err != nil {
		writeServiceError(w, requestIDFrom(r, ""), err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req transitionRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	requestID := requestIDFrom(r, req.RequestID)
	target, err := models.ParseStatus(strings.TrimSpace(req.Status))
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "status must be one of waiting, called, in_consultation, completed, no_show")
		return
	}

	entry, err := h.service.Transition(r.Context(), entryID, target, req.Notes)
	if err != nil {
		writeServiceError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, entryID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	events, err := h.service.Events(r.Context(), entryID)
	if err != nil {
		writeServiceError(w, requestIDFrom(r, ""), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// parseFilter reads doctor_id, branch_id, status, source, date and q.
// status and source may repeat or carry comma separated values.
func parseFilter(w http.ResponseWriter, r *http.Request) (store.Filter, bool) {
	query := r.URL.Query()
	filter := store.Filter{
		DoctorRef:  strings.TrimSpace(query.Get("doctor_id")),
		BranchRef:  strings.TrimSpace(query.Get("branch_id")),
		SearchTerm: strings.TrimSpace(query.Get("q")),
	}

	for _, raw := range splitValues(query["status"]) {
		status, err := models.ParseStatus(raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "unknown status "+raw)
			return store.Filter{}, false
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, raw := range splitValues(query["source"]) {
		source, err := models.ParseSource(raw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "unknown source "+raw)
			return store.Filter{}, false
		}
		filter.Sources = append(filter.Sources, source)
	}
	if date := strings.TrimSpace(query.Get("date")); date != "" {
		if _, err := time.Parse(store.DayLayout, date); err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return store.Filter{}, false
		}
		filter.Date = date
	}
	return filter, true
}

func splitValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func requestIDFrom(r *http.Request, fromBody string) string {
	if fromBody = strings.TrimSpace(fromBody); fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFrom(r, ""), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func mapError(err error) (int, responseError) {
	var validation *store.ValidationError
	var transition *store.TransitionError
	var state *store.StateError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, responseError{Code: "invalid_request", Message: validation.Error(), Field: validation.Field}
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, responseError{Code: "invalid_request", Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, responseError{Code: "entry_not_found", Message: "queue entry not found"}
	case errors.As(err, &transition):
		return http.StatusConflict, responseError{
			Code:            "illegal_transition",
			Message:         transition.Error(),
			CurrentStatus:   string(transition.From),
			RequestedStatus: string(transition.To),
		}
	case errors.As(err, &state):
		return http.StatusConflict, responseError{Code: "invalid_state", Message: state.Error(), CurrentStatus: string(state.Status)}
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, responseError{Code: "conflict", Message: "entry was modified concurrently, retry the request"}
	case errors.Is(err, store.ErrDuplicateToken):
		return http.StatusConflict, responseError{Code: "duplicate_token", Message: "token already issued for this day"}
	case errors.Is(err, store.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, responseError{Code: "upstream_unavailable", Message: "a dependency is unavailable, retry later"}
	default:
		return http.StatusInternalServerError, responseError{Code: "internal_error", Message: "internal server error"}
	}
}

func writeServiceError(w http.ResponseWriter, requestID string, err error) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestID).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{RequestID: requestID, Error: body})
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
