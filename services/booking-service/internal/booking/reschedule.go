package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

// Reschedule moves a booked appointment to a new slot. The stored duration is
// kept. The write is gated on the version read at the start of the call, so a
// concurrent edit surfaces as KindVersionConflict and leaves the stored row
// untouched.
func (e *Engine) Reschedule(ctx context.Context, appointmentID string, slot Slot) (appt model.Appointment, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.Reschedule", trace.WithAttributes(
		attribute.String("appointment_id", appointmentID),
		attribute.String("date", slot.Date),
		attribute.String("time", slot.Time),
	))
	defer func() { e.finish(span, "reschedule", err) }()

	cur, err := e.load(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if cur.Status != model.StatusBooked {
		return model.Appointment{}, invalid(fmt.Sprintf("only booked appointments can be rescheduled (status %s)", cur.Status))
	}

	res := e.detector.ValidateReschedule(ctx, cur.ID, conflict.Candidate{
		BusinessID:      cur.BusinessID,
		Date:            slot.Date,
		Time:            slot.Time,
		DurationMinutes: cur.DurationMinutes,
	}, e.buffer)
	if err := resultError(res); err != nil {
		return model.Appointment{}, err
	}

	updated, err := e.update(ctx, cur, model.SlotPatch{Date: &slot.Date, Time: &slot.Time}, res.Snapshot,
		func(next model.Appointment) (model.Event, error) { return e.events.Rescheduled(cur, next) })
	if err != nil {
		return model.Appointment{}, err
	}

	e.logger.Info("appointment rescheduled",
		"appointment_id", updated.ID,
		"from", cur.Date+" "+cur.Time,
		"to", updated.Date+" "+updated.Time,
		"version", updated.Version,
	)
	return updated, nil
}

// UpdateStatus moves an appointment along the status state machine. Setting
// the current status again returns the stored appointment unchanged.
// Reactivating a canceled appointment re-validates its slot first, since the
// slot may have been taken while it was canceled.
func (e *Engine) UpdateStatus(ctx context.Context, appointmentID string, to model.Status) (appt model.Appointment, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.UpdateStatus", trace.WithAttributes(
		attribute.String("appointment_id", appointmentID),
		attribute.String("status", string(to)),
	))
	defer func() { e.finish(span, "update_status", err) }()

	to = model.Status(strings.ToLower(strings.TrimSpace(string(to))))
	if !to.Valid() {
		return model.Appointment{}, invalid(fmt.Sprintf("unknown status %q", to))
	}

	cur, err := e.load(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := model.ValidateStatusTransition(cur.Status, to); err != nil {
		var te *model.InvalidTransitionError
		if errors.As(err, &te) {
			return model.Appointment{}, &Error{Kind: KindInvalidTransition, Message: te.Error(), Allowed: te.Allowed}
		}
		return model.Appointment{}, invalid(err.Error())
	}
	if cur.Status == to {
		return cur, nil
	}

	var snapshot []model.Appointment
	if cur.Status == model.StatusCanceled {
		res := e.detector.ValidateReschedule(ctx, cur.ID, conflict.Candidate{
			BusinessID:      cur.BusinessID,
			Date:            cur.Date,
			Time:            cur.Time,
			DurationMinutes: cur.DurationMinutes,
		}, e.buffer)
		if err := resultError(res); err != nil {
			return model.Appointment{}, err
		}
		snapshot = res.Snapshot
	}

	updated, err := e.update(ctx, cur, model.SlotPatch{Status: &to}, snapshot,
		func(next model.Appointment) (model.Event, error) { return e.events.StatusChanged(cur, next) })
	if err != nil {
		return model.Appointment{}, err
	}

	e.logger.Info("appointment status changed",
		"appointment_id", updated.ID,
		"from", string(cur.Status),
		"to", string(updated.Status),
		"version", updated.Version,
	)
	return updated, nil
}

func (e *Engine) load(ctx context.Context, appointmentID string) (model.Appointment, error) {
	appointmentID = strings.TrimSpace(appointmentID)
	if appointmentID == "" {
		return model.Appointment{}, invalid("appointment id is required")
	}
	cur, err := e.repo.GetByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Appointment{}, &Error{Kind: KindNotFound, Message: fmt.Sprintf("appointment %s not found", appointmentID)}
		}
		return model.Appointment{}, transient("loading appointment", err)
	}
	return cur, nil
}

// update applies patch gated on cur.Version. snapshot feeds the alternatives
// offered when the new slot collides on its exact start. event builds the
// event for the patched appointment; it is stored only if the update applies.
func (e *Engine) update(ctx context.Context, cur model.Appointment, patch model.SlotPatch, snapshot []model.Appointment,
	event func(next model.Appointment) (model.Event, error)) (model.Appointment, error) {
	next := patch.Apply(cur, e.now())
	events, err := e.stage(func() (model.Event, error) { return event(next) })
	if err != nil {
		return model.Appointment{}, err
	}
	updated, ok, err := e.repo.ConditionalUpdate(ctx, cur.ID, cur.Version, patch, events...)
	if err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return model.Appointment{}, &Error{
				Kind:         KindDuplicateBooking,
				Message:      "the requested slot is already booked",
				Alternatives: e.alternatives(snapshot, cur.DurationMinutes),
				Err:          err,
			}
		}
		if errors.Is(err, model.ErrNotFound) {
			return model.Appointment{}, &Error{Kind: KindNotFound, Message: fmt.Sprintf("appointment %s not found", cur.ID)}
		}
		return model.Appointment{}, transient("updating appointment", err)
	}
	if !ok {
		return model.Appointment{}, &Error{
			Kind:    KindVersionConflict,
			Message: fmt.Sprintf("appointment %s was modified concurrently (expected version %d)", cur.ID, cur.Version),
		}
	}
	return updated, nil
}
