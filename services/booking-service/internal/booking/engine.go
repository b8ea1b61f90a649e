package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

// Repository is the persistence port. Implementations own the two write
// guarantees: InsertUnique fails with model.ErrDuplicate when the
// (business, date, time) already holds a non-canceled appointment, and
// ConditionalUpdate applies the patch and advances the version only when the
// stored version equals expectedVersion, returning ok=false otherwise.
// The events passed to a write are recorded if and only if the write is
// applied, and must not be lost once it has been.
type Repository interface {
	conflict.Reader
	FindActiveAt(ctx context.Context, businessID, date, clock string) (model.Appointment, bool, error)
	GetByID(ctx context.Context, id string) (model.Appointment, error)
	InsertUnique(ctx context.Context, appt model.Appointment, events ...model.Event) (model.Appointment, error)
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int, patch model.SlotPatch, events ...model.Event) (model.Appointment, bool, error)
}

// Events builds the event for each kind of write. The engine hands the result
// to the repository together with the write.
type Events interface {
	Booked(appt model.Appointment) (model.Event, error)
	Rescheduled(prev, appt model.Appointment) (model.Event, error)
	StatusChanged(prev, appt model.Appointment) (model.Event, error)
}

type BookRequest struct {
	BusinessID      string
	UserID          string
	ServiceID       string
	Date            string
	Time            string
	DurationMinutes int
}

// Slot is a new placement for an existing appointment.
type Slot struct {
	Date string
	Time string
}

type Config struct {
	// Buffer is the idle gap, in minutes, required around every appointment.
	Buffer int
}

type Engine struct {
	repo     Repository
	detector *conflict.Detector
	events   Events
	logger   *slog.Logger
	buffer   int
	now      func() time.Time
	tracer   trace.Tracer
}

func NewEngine(repo Repository, detector *conflict.Detector, events Events, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Buffer < 0 {
		cfg.Buffer = conflict.DefaultBuffer
	}
	return &Engine{
		repo:     repo,
		detector: detector,
		events:   events,
		logger:   logger,
		buffer:   cfg.Buffer,
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("booking"),
	}
}

// Book creates a booked appointment at version 0. The detector pass and the
// two re-checks only shape the error returned to the caller; the repository's
// uniqueness guarantee in InsertUnique decides the race.
func (e *Engine) Book(ctx context.Context, req BookRequest) (appt model.Appointment, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.Book", trace.WithAttributes(
		attribute.String("business_id", req.BusinessID),
		attribute.String("date", req.Date),
		attribute.String("time", req.Time),
	))
	defer func() { e.finish(span, "book", err) }()

	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if req.UserID == "" || req.ServiceID == "" {
		return model.Appointment{}, invalid("user id and service id are required")
	}

	cand := conflict.Candidate{
		BusinessID:      req.BusinessID,
		Date:            req.Date,
		Time:            req.Time,
		DurationMinutes: req.DurationMinutes,
	}
	res := e.detector.ValidateBooking(ctx, cand, e.buffer)
	if err := resultError(res); err != nil {
		return model.Appointment{}, err
	}

	start, end := mustRange(cand)

	existing, found, err := e.repo.FindActiveAt(ctx, req.BusinessID, req.Date, req.Time)
	if err != nil {
		return model.Appointment{}, transient("checking slot", err)
	}
	if found {
		snapshot := make([]model.Appointment, 0, len(res.Snapshot)+1)
		snapshot = append(snapshot, res.Snapshot...)
		snapshot = append(snapshot, existing)
		return model.Appointment{}, &Error{
			Kind:         KindRaceCondition,
			Message:      "slot was taken by a concurrent booking",
			Conflicts:    conflict.Overlapping(start, end, conflict.ToOccupied([]model.Appointment{existing}, ""), 0),
			Alternatives: e.alternatives(snapshot, req.DurationMinutes),
		}
	}

	if err := e.durationOverlap(start, end, res.Snapshot, req.DurationMinutes); err != nil {
		return model.Appointment{}, err
	}

	now := e.now()
	draft := model.Appointment{
		ID:              uuid.NewString(),
		BusinessID:      req.BusinessID,
		UserID:          req.UserID,
		ServiceID:       req.ServiceID,
		Date:            req.Date,
		Time:            req.Time,
		DurationMinutes: req.DurationMinutes,
		Status:          model.StatusBooked,
		Version:         0,
		StatusUpdatedAt: now,
		LastModified:    now,
		CreatedAt:       now,
	}
	events, err := e.stage(func() (model.Event, error) { return e.events.Booked(draft) })
	if err != nil {
		return model.Appointment{}, err
	}
	saved, err := e.repo.InsertUnique(ctx, draft, events...)
	if err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return model.Appointment{}, &Error{
				Kind:         KindDuplicateBooking,
				Message:      fmt.Sprintf("%s %s is already booked", req.Date, req.Time),
				Alternatives: e.alternatives(res.Snapshot, req.DurationMinutes),
				Err:          err,
			}
		}
		return model.Appointment{}, transient("inserting appointment", err)
	}

	e.logger.Info("appointment booked",
		"appointment_id", saved.ID,
		"business_id", saved.BusinessID,
		"date", saved.Date,
		"time", saved.Time,
	)
	return saved, nil
}

// ListDay returns the non-canceled appointments of a business day.
func (e *Engine) ListDay(ctx context.Context, businessID, date string) ([]model.Appointment, error) {
	if err := conflict.ValidateDay(businessID, date); err != nil {
		return nil, invalid(err.Error())
	}
	appts, err := e.repo.FindActive(ctx, businessID, date)
	if err != nil {
		return nil, transient("listing appointments", err)
	}
	return appts, nil
}

// Validate exposes the detector for availability previews. A non-empty
// excludeID previews a reschedule of that appointment.
func (e *Engine) Validate(ctx context.Context, c conflict.Candidate, excludeID string) conflict.Result {
	if excludeID != "" {
		return e.detector.ValidateReschedule(ctx, excludeID, c, e.buffer)
	}
	return e.detector.ValidateBooking(ctx, c, e.buffer)
}

func (e *Engine) BlockedTimeSlots(ctx context.Context, businessID, date string) ([]string, error) {
	if err := conflict.ValidateDay(businessID, date); err != nil {
		return nil, invalid(err.Error())
	}
	slots, err := e.detector.BlockedTimeSlots(ctx, businessID, date)
	if err != nil {
		return nil, transient("loading blocked slots", err)
	}
	return slots, nil
}

// resultError turns a failed detector result into the error the caller sees.
func resultError(res conflict.Result) error {
	if res.Valid {
		return nil
	}
	if res.Err != nil {
		return transient("loading appointments", res.Err)
	}
	for _, c := range res.Conflicts {
		if c.Type == conflict.TypeValidationError {
			return &Error{Kind: KindValidation, Message: c.Message, Conflicts: res.Conflicts}
		}
	}
	return &Error{
		Kind:         KindTimeConflict,
		Message:      "requested time conflicts with existing appointments",
		Conflicts:    res.Conflicts,
		Alternatives: res.AlternativeSlots,
	}
}

func (e *Engine) alternatives(snapshot []model.Appointment, duration int) []string {
	occupied := conflict.ToOccupied(snapshot, "")
	cfg := e.detector.Config()
	blocked := conflict.BlockedSlots(occupied, e.buffer, cfg.Step)
	return conflict.GenerateAlternativeSlots(cfg, duration, occupied, blocked, e.buffer)
}

// durationOverlap checks the full span of the request against snapshot with
// no buffer. The detector has already cleared the same snapshot with the
// buffer applied, so this only fires if snapshot differs from what the
// detector saw.
func (e *Engine) durationOverlap(start, end int, snapshot []model.Appointment, duration int) error {
	overlaps := conflict.Overlapping(start, end, conflict.ToOccupied(snapshot, ""), 0)
	if len(overlaps) == 0 {
		return nil
	}
	return &Error{
		Kind:         KindDurationOverlap,
		Message:      "requested duration overlaps an existing appointment",
		Conflicts:    overlaps,
		Alternatives: e.alternatives(snapshot, duration),
	}
}

// stage builds the event that travels with a write, or returns nil when no
// events are configured. build runs only when they are, so it may call
// e.events directly.
func (e *Engine) stage(build func() (model.Event, error)) ([]model.Event, error) {
	if e.events == nil {
		return nil, nil
	}
	evt, err := build()
	if err != nil {
		return nil, transient("building event", err)
	}
	return []model.Event{evt}, nil
}

func (e *Engine) finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	kind := KindOf(err)
	span.SetAttributes(attribute.String("booking.error_code", kind.Code()))
	if kind.Terminal() {
		e.logger.Info("booking request rejected", "op", op, "code", kind.Code(), "err", err)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Warn("booking request failed", "op", op, "err", err)
}

// mustRange is only called on candidates the detector has already accepted.
func mustRange(c conflict.Candidate) (int, int) {
	start, end, _ := conflict.CandidateRange(c)
	return start, end
}
