package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotguard/libs/httpx"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/retry"
)

// Engine is the booking surface the handlers drive.
type Engine interface {
	Book(ctx context.Context, req booking.BookRequest) (model.Appointment, error)
	Reschedule(ctx context.Context, appointmentID string, slot booking.Slot) (model.Appointment, error)
	UpdateStatus(ctx context.Context, appointmentID string, to model.Status) (model.Appointment, error)
	ListDay(ctx context.Context, businessID, date string) ([]model.Appointment, error)
	Validate(ctx context.Context, c conflict.Candidate, excludeID string) conflict.Result
	BlockedTimeSlots(ctx context.Context, businessID, date string) ([]string, error)
}

// Observer records per-operation outcomes. *metrics.Collector satisfies it.
type Observer interface {
	ObserveOperation(operation, code string, elapsed time.Duration)
	ObserveRetry(operation string)
}

type BookingHandler struct {
	engine  Engine
	retry   retry.Policy
	metrics Observer
	logger  *slog.Logger
}

func NewBookingHandler(engine Engine, policy retry.Policy, metrics Observer, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		engine:  engine,
		retry:   policy,
		metrics: metrics,
		logger:  logger,
	}
}

// Register mounts the booking routes on mux.
func (h *BookingHandler) Register(mux *http.ServeMux, writes httpx.Middleware) {
	if writes == nil {
		writes = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /api/v1/appointments", writes(http.HandlerFunc(h.Create)))
	mux.Handle("POST /api/v1/appointments/reschedule", writes(http.HandlerFunc(h.Reschedule)))
	mux.Handle("POST /api/v1/appointments/status", writes(http.HandlerFunc(h.UpdateStatus)))
	mux.HandleFunc("GET /api/v1/appointments", h.List)
	mux.HandleFunc("GET /api/v1/availability/validate", h.Validate)
	mux.HandleFunc("GET /api/v1/availability/blocked", h.Blocked)
}

type createBookingRequest struct {
	BusinessID      string `json:"business_id"`
	UserID          string `json:"user_id"`
	ServiceID       string `json:"service_id"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes int    `json:"duration_minutes"`
}

type rescheduleRequest struct {
	AppointmentID string `json:"appointment_id"`
	Date          string `json:"date"`
	Time          string `json:"time"`
}

type statusRequest struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
}

type appointmentResponse struct {
	ID              string `json:"id"`
	BusinessID      string `json:"business_id"`
	UserID          string `json:"user_id"`
	ServiceID       string `json:"service_id"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	EndTime         string `json:"end_time"`
	DurationMinutes int    `json:"duration_minutes"`
	Status          string `json:"status"`
	Version         int    `json:"version"`
	BusinessName    string `json:"business_name,omitempty"`
	ServiceName     string `json:"service_name,omitempty"`
	CustomerName    string `json:"customer_name,omitempty"`
	StatusUpdatedAt string `json:"status_updated_at"`
	LastModified    string `json:"last_modified"`
	CreatedAt       string `json:"created_at"`
}

type conflictItem struct {
	Type          string `json:"type"`
	AppointmentID string `json:"appointment_id,omitempty"`
	StartTime     string `json:"start_time,omitempty"`
	EndTime       string `json:"end_time,omitempty"`
	ServiceName   string `json:"service_name,omitempty"`
	Message       string `json:"message"`
}

type errorResponse struct {
	Code             string         `json:"code"`
	Message          string         `json:"message"`
	Conflicts        []conflictItem `json:"conflicts,omitempty"`
	AlternativeSlots []string       `json:"alternative_slots,omitempty"`
	Allowed          []string       `json:"allowed,omitempty"`
}

type validateResponse struct {
	Valid            bool           `json:"valid"`
	Conflicts        []conflictItem `json:"conflicts"`
	BlockedSlots     []string       `json:"blocked_slots"`
	AlternativeSlots []string       `json:"alternative_slots"`
}

type blockedResponse struct {
	BusinessID   string   `json:"business_id"`
	Date         string   `json:"date"`
	BlockedSlots []string `json:"blocked_slots"`
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	appt, err := h.run(r.Context(), "book", func(ctx context.Context) (model.Appointment, error) {
		return h.engine.Book(ctx, booking.BookRequest{
			BusinessID:      req.BusinessID,
			UserID:          req.UserID,
			ServiceID:       req.ServiceID,
			Date:            req.Date,
			Time:            req.Time,
			DurationMinutes: req.DurationMinutes,
		})
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(appt))
}

func (h *BookingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	appt, err := h.run(r.Context(), "reschedule", func(ctx context.Context) (model.Appointment, error) {
		return h.engine.Reschedule(ctx, req.AppointmentID, booking.Slot{Date: req.Date, Time: req.Time})
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *BookingHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	appt, err := h.run(r.Context(), "update_status", func(ctx context.Context) (model.Appointment, error) {
		return h.engine.UpdateStatus(ctx, req.AppointmentID, model.Status(req.Status))
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(appt))
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	businessID, date := dayParams(r)
	appts, err := h.engine.ListDay(r.Context(), businessID, date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toResponse(appt))
	}
	writeJSON(w, http.StatusOK, items)
}

// Validate previews a placement without writing. Query: business_id, date,
// time, duration and optionally exclude_appointment_id.
func (h *BookingHandler) Validate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	businessID, date := dayParams(r)
	duration, err := strconv.Atoi(strings.TrimSpace(q.Get("duration")))
	if err != nil {
		http.Error(w, "duration must be an integer number of minutes", http.StatusBadRequest)
		return
	}

	res := h.engine.Validate(r.Context(), conflict.Candidate{
		BusinessID:      businessID,
		Date:            date,
		Time:            strings.TrimSpace(q.Get("time")),
		DurationMinutes: duration,
	}, strings.TrimSpace(q.Get("exclude_appointment_id")))
	if res.Err != nil {
		h.logger.WarnContext(r.Context(), "availability check failed", "err", res.Err)
		http.Error(w, "failed to load appointments", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		Valid:            res.Valid,
		Conflicts:        toConflictItems(res.Conflicts),
		BlockedSlots:     nonNil(res.BlockedSlots),
		AlternativeSlots: nonNil(res.AlternativeSlots),
	})
}

func (h *BookingHandler) Blocked(w http.ResponseWriter, r *http.Request) {
	businessID, date := dayParams(r)
	slots, err := h.engine.BlockedTimeSlots(r.Context(), businessID, date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, blockedResponse{BusinessID: businessID, Date: date, BlockedSlots: nonNil(slots)})
}

// run wraps one write in the retry policy and records its outcome.
func (h *BookingHandler) run(ctx context.Context, op string, fn func(context.Context) (model.Appointment, error)) (model.Appointment, error) {
	policy := h.retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		if h.metrics != nil {
			h.metrics.ObserveRetry(op)
		}
		h.logger.WarnContext(ctx, "retrying booking operation",
			"op", op,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"err", err,
		)
	}

	start := time.Now()
	appt, err := retry.Do(ctx, policy, fn)
	if h.metrics != nil {
		code := "OK"
		if err != nil {
			code = booking.KindOf(err).Code()
		}
		h.metrics.ObserveOperation(op, code, time.Since(start))
	}
	return appt, err
}

func (h *BookingHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := booking.KindOf(err)
	resp := errorResponse{Code: kind.Code(), Message: err.Error()}

	if be, ok := asBookingError(err); ok {
		resp.Message = be.Message
		resp.Conflicts = toConflictItems(be.Conflicts)
		resp.AlternativeSlots = be.Alternatives
		for _, s := range be.Allowed {
			resp.Allowed = append(resp.Allowed, string(s))
		}
	}
	if !kind.Terminal() {
		// Infrastructure detail stays in the logs.
		h.logger.ErrorContext(r.Context(), "booking request failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"err", err,
		)
		resp.Message = "internal error"
	}
	writeJSON(w, statusFor(kind), resp)
}

// statusFor maps every error kind to its HTTP status.
func statusFor(kind booking.Kind) int {
	switch kind {
	case booking.KindValidation, booking.KindInvalidTransition:
		return http.StatusBadRequest
	case booking.KindTimeConflict, booking.KindDurationOverlap, booking.KindRaceCondition,
		booking.KindDuplicateBooking, booking.KindVersionConflict:
		return http.StatusConflict
	case booking.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func asBookingError(err error) (*booking.Error, bool) {
	var be *booking.Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

func dayParams(r *http.Request) (businessID, date string) {
	q := r.URL.Query()
	businessID = strings.TrimSpace(r.Header.Get("X-Business-Id"))
	if businessID == "" {
		businessID = strings.TrimSpace(q.Get("business_id"))
	}
	return businessID, strings.TrimSpace(q.Get("date"))
}

func toResponse(a model.Appointment) appointmentResponse {
	end, _ := conflict.CalculateEndTime(a.Time, a.DurationMinutes)
	return appointmentResponse{
		ID:              a.ID,
		BusinessID:      a.BusinessID,
		UserID:          a.UserID,
		ServiceID:       a.ServiceID,
		Date:            a.Date,
		Time:            a.Time,
		EndTime:         end,
		DurationMinutes: a.DurationMinutes,
		Status:          string(a.Status),
		Version:         a.Version,
		BusinessName:    a.BusinessName,
		ServiceName:     a.ServiceName,
		CustomerName:    a.CustomerName,
		StatusUpdatedAt: formatTime(a.StatusUpdatedAt),
		LastModified:    formatTime(a.LastModified),
		CreatedAt:       formatTime(a.CreatedAt),
	}
}

func toConflictItems(conflicts []conflict.Conflict) []conflictItem {
	items := make([]conflictItem, 0, len(conflicts))
	for _, c := range conflicts {
		items = append(items, conflictItem{
			Type:          string(c.Type),
			AppointmentID: c.AppointmentID,
			StartTime:     c.StartTime,
			EndTime:       c.EndTime,
			ServiceName:   c.ServiceName,
			Message:       c.Message,
		})
	}
	return items
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
