package outbox

import (
	"time"

	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

const (
	AggregateAppointment = "appointment"

	TopicAppointmentBooked        = "booking.appointment.booked.v1"
	TopicAppointmentRescheduled   = "booking.appointment.rescheduled.v1"
	TopicAppointmentStatusChanged = "booking.appointment.status_changed.v1"
)

// AppointmentPayload is the JSON body of every appointment event. The
// Previous* fields are set on reschedule and status change.
type AppointmentPayload struct {
	AppointmentID   string    `json:"appointment_id"`
	BusinessID      string    `json:"business_id"`
	UserID          string    `json:"user_id"`
	ServiceID       string    `json:"service_id"`
	Date            string    `json:"date"`
	Time            string    `json:"time"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
	Version         int       `json:"version"`
	PreviousDate    string    `json:"previous_date,omitempty"`
	PreviousTime    string    `json:"previous_time,omitempty"`
	PreviousStatus  string    `json:"previous_status,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

func payloadFor(appt model.Appointment, at time.Time) AppointmentPayload {
	return AppointmentPayload{
		AppointmentID:   appt.ID,
		BusinessID:      appt.BusinessID,
		UserID:          appt.UserID,
		ServiceID:       appt.ServiceID,
		Date:            appt.Date,
		Time:            appt.Time,
		DurationMinutes: appt.DurationMinutes,
		Status:          string(appt.Status),
		Version:         appt.Version,
		OccurredAt:      at,
	}
}
