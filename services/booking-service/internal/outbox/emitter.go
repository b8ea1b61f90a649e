package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

// Emitter builds the events for appointment writes. The repository records
// them with the write, so nothing here touches storage or the network.
type Emitter struct {
	now func() time.Time
}

func NewEmitter() *Emitter {
	return &Emitter{now: func() time.Time { return time.Now().UTC() }}
}

func (e *Emitter) Booked(appt model.Appointment) (model.Event, error) {
	return build(TopicAppointmentBooked, payloadFor(appt, e.now()))
}

func (e *Emitter) Rescheduled(prev, appt model.Appointment) (model.Event, error) {
	p := payloadFor(appt, e.now())
	p.PreviousDate = prev.Date
	p.PreviousTime = prev.Time
	return build(TopicAppointmentRescheduled, p)
}

func (e *Emitter) StatusChanged(prev, appt model.Appointment) (model.Event, error) {
	p := payloadFor(appt, e.now())
	p.PreviousStatus = string(prev.Status)
	return build(TopicAppointmentStatusChanged, p)
}

func build(topic string, p AppointmentPayload) (model.Event, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return model.Event{}, fmt.Errorf("encode %s: %w", topic, err)
	}
	return model.Event{
		AggregateType: AggregateAppointment,
		AggregateID:   p.AppointmentID,
		EventType:     topic,
		Payload:       body,
	}, nil
}
