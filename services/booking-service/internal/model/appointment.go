package model

import (
	"errors"
	"time"
)

type Status string

const (
	StatusBooked    Status = "booked"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Appointment is one reservation on a business calendar. Date is "YYYY-MM-DD"
// and Time is the local wall-clock start ("HH:mm"); DurationMinutes is fixed at
// creation. Version increases by exactly one on every accepted mutation.
//
// BusinessName, ServiceName and CustomerName are resolved by the repository on
// read and are never written.
type Appointment struct {
	ID              string
	BusinessID      string
	UserID          string
	ServiceID       string
	Date            string
	Time            string
	DurationMinutes int
	Status          Status
	Version         int
	StatusUpdatedAt time.Time
	LastModified    time.Time
	CreatedAt       time.Time

	BusinessName string
	ServiceName  string
	CustomerName string
}

// Active reports whether the appointment takes part in conflict checks.
func (a Appointment) Active() bool {
	return a.Status != StatusCanceled
}

// SlotPatch is the set of fields a conditional update may change. Nil fields
// are left untouched.
type SlotPatch struct {
	Date   *string
	Time   *string
	Status *Status
}

func (p SlotPatch) Empty() bool {
	return p.Date == nil && p.Time == nil && p.Status == nil
}

// Apply returns a copy of a with the patch applied and the version advanced.
// Repositories that cannot express the update server-side use it to build the
// stored row.
func (p SlotPatch) Apply(a Appointment, now time.Time) Appointment {
	if p.Date != nil {
		a.Date = *p.Date
	}
	if p.Time != nil {
		a.Time = *p.Time
	}
	if p.Status != nil && *p.Status != a.Status {
		a.Status = *p.Status
		a.StatusUpdatedAt = now
	}
	a.Version++
	a.LastModified = now
	return a
}

var (
	// ErrNotFound is returned by repositories when no appointment matches.
	ErrNotFound = errors.New("appointment not found")
	// ErrDuplicate is returned when a write would give a (business, date, time)
	// a second non-canceled appointment.
	ErrDuplicate = errors.New("appointment slot already taken")
)
