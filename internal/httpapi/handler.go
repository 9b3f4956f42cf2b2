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

	"qms/clinic-queue/internal/clock"
	"qms/clinic-queue/internal/engine"
	"qms/clinic-queue/internal/hub"
	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"

	"github.com/google/uuid"
)

// QueueService is the lifecycle engine as the HTTP layer sees it.
type QueueService interface {
	CheckIn(ctx context.Context, bookingCode string) (engine.CheckInResult, error)
	CallNext(ctx context.Context, clinicID int64) (engine.CallResult, error)
	Recall(ctx context.Context, queueID string) (engine.CallResult, error)
	Serve(ctx context.Context, queueID string) (engine.ServeResult, error)
	Snapshot(ctx context.Context, clinicID int64, date string) (models.Snapshot, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, clinicID int64) (*hub.Subscription, error)
	Unsubscribe(sub *hub.Subscription)
}

type Handler struct {
	queues    QueueService
	hub       Subscriber
	auth      *Authenticator
	heartbeat time.Duration
}

type checkInRequest struct {
	BookingCode string `json:"booking_code"`
}

type callRequest struct {
	ClinicID int64 `json:"clinic_id"`
}

type queueActionRequest struct {
	QueueID string `json:"queue_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type Options struct {
	Auth      *Authenticator
	Heartbeat time.Duration
}

func NewHandler(queues QueueService, subscriber Subscriber, options Options) *Handler {
	if options.Auth == nil {
		options.Auth = NewAuthenticator("")
	}
	heartbeat := options.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &Handler{
		queues:    queues,
		hub:       subscriber,
		auth:      options.Auth,
		heartbeat: heartbeat,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/api/checkin", h.handleCheckIn)
	mux.HandleFunc("/api/queues/today", h.handleToday)
	mux.HandleFunc("/api/queues/stream", h.handleStream)
	mux.HandleFunc("/api/queues/call", h.auth.RequireRole(RoleAdmin, h.handleCall))
	mux.HandleFunc("/api/queues/recall", h.auth.RequireRole(RoleAdmin, h.handleRecall))
	mux.HandleFunc("/api/queues/serve", h.auth.RequireRole(RoleAdmin, h.handleServe))
	mux.Handle("/realtime/", h.realtimeHandler())
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)

	var req checkInRequest
	if !decodeJSON(w, r, requestID, &req) {
		return
	}
	req.BookingCode = strings.TrimSpace(req.BookingCode)
	if req.BookingCode == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "booking_code is required")
		return
	}

	result, err := h.queues.CheckIn(r.Context(), req.BookingCode)
	if err != nil {
		h.fail(w, r, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)

	var req callRequest
	if !decodeJSON(w, r, requestID, &req) {
		return
	}
	if req.ClinicID <= 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}

	result, err := h.queues.CallNext(r.Context(), req.ClinicID)
	if err != nil {
		h.fail(w, r, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRecall(w http.ResponseWriter, r *http.Request) {
	queueID, requestID, ok := h.queueAction(w, r)
	if !ok {
		return
	}
	result, err := h.queues.Recall(r.Context(), queueID)
	if err != nil {
		h.fail(w, r, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleServe(w http.ResponseWriter, r *http.Request) {
	queueID, requestID, ok := h.queueAction(w, r)
	if !ok {
		return
	}
	result, err := h.queues.Serve(r.Context(), queueID)
	if err != nil {
		h.fail(w, r, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) queueAction(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return "", "", false
	}
	requestID := requestIDFromRequest(r)

	var req queueActionRequest
	if !decodeJSON(w, r, requestID, &req) {
		return "", "", false
	}
	req.QueueID = strings.TrimSpace(req.QueueID)
	if req.QueueID == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "queue_id is required")
		return "", "", false
	}
	if !isValidUUID(req.QueueID) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return "", "", false
	}
	return req.QueueID, requestID, true
}

func (h *Handler) handleToday(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	requestID := requestIDFromRequest(r)

	clinicID, ok := clinicIDFromQuery(w, r, requestID)
	if !ok {
		return
	}
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date != "" {
		normalized, err := clock.ParseDate(date)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
			return
		}
		date = normalized
	}

	snapshot, err := h.queues.Snapshot(r.Context(), clinicID, date)
	if err != nil {
		h.fail(w, r, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot.Queues)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, code, msg := mapError(err)
	event := logging.FromContext(r.Context()).Warn()
	if status >= http.StatusInternalServerError {
		event = logging.FromContext(r.Context()).Error()
	}
	if claims, ok := claimsFromContext(r.Context()); ok {
		event = event.Int64("actor_id", claims.UserID)
	}
	event.Err(err).Str("path", r.URL.Path).Str("code", code).Msg("request failed")

	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:      code,
			Message:   msg,
			Retryable: status == http.StatusServiceUnavailable,
		},
	})
}

func clinicIDFromQuery(w http.ResponseWriter, r *http.Request, requestID string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	if raw == "" {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", "clinic_id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, requestID string, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	var outside *engine.OutsideWindowError
	switch {
	case errors.As(err, &outside):
		return http.StatusConflict, "outside_window", outside.Error()
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound, "not_found", "booking or queue entry not found"
	case errors.Is(err, engine.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "booking is already checked in or not scheduled for today"
	case errors.Is(err, engine.ErrAlreadyCheckedIn):
		return http.StatusConflict, "already_checked_in", "patient already has a queue number for this clinic today"
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "queue entry status does not allow this action"
	case errors.Is(err, engine.ErrNoWaitingEntries):
		return http.StatusNotFound, "no_waiting_entries", "no waiting queue entries"
	case errors.Is(err, engine.ErrTransient):
		return http.StatusServiceUnavailable, "transient", "queue is busy, retry shortly"
	case errors.Is(err, context.Canceled):
		return 499, "canceled", "request canceled"
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
