package booking

import (
	"errors"

	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

// Kind classifies every failure the engines return. The set is closed: new
// kinds must be added to Code and Terminal.
type Kind int

const (
	// KindTransient is an infrastructure failure that may succeed on retry.
	KindTransient Kind = iota
	KindValidation
	KindTimeConflict
	KindRaceCondition
	KindDurationOverlap
	KindDuplicateBooking
	KindVersionConflict
	KindNotFound
	KindInvalidTransition
)

// Code is the machine-readable identifier used on the wire.
func (k Kind) Code() string {
	switch k {
	case KindTransient:
		return "INTERNAL_ERROR"
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindTimeConflict:
		return "TIME_CONFLICT"
	case KindRaceCondition:
		return "RACE_CONDITION"
	case KindDurationOverlap:
		return "DURATION_OVERLAP"
	case KindDuplicateBooking:
		return "DUPLICATE_BOOKING"
	case KindVersionConflict:
		return "VERSION_CONFLICT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	}
	return "UNKNOWN"
}

// Terminal reports whether retrying the same request can never change the
// outcome. Only KindTransient is retryable; unknown kinds fail closed.
func (k Kind) Terminal() bool {
	switch k {
	case KindTransient:
		return false
	case KindValidation, KindTimeConflict, KindRaceCondition, KindDurationOverlap,
		KindDuplicateBooking, KindVersionConflict, KindNotFound, KindInvalidTransition:
		return true
	}
	return true
}

// Error is the single error type returned by Engine. Conflicts and
// Alternatives are set for the calendar-conflict kinds, Allowed for
// KindInvalidTransition.
type Error struct {
	Kind         Kind
	Message      string
	Conflicts    []conflict.Conflict
	Alternatives []string
	Allowed      []model.Status
	Err          error
}

func (e *Error) Error() string {
	msg := e.Kind.Code()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind carried by err. Anything that is not an *Error is
// treated as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsTerminal reports whether err must be surfaced without a retry.
func IsTerminal(err error) bool {
	return err != nil && KindOf(err).Terminal()
}

func transient(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

func invalid(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}
