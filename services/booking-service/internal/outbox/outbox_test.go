package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/md-rashed-zaman/slotguard/libs/kafkax"
	otelx "github.com/md-rashed-zaman/slotguard/libs/otel"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func sampleAppointment() model.Appointment {
	return model.Appointment{
		ID: "a1", BusinessID: "biz-1", UserID: "user-1", ServiceID: "svc-1",
		Date: "2026-03-02", Time: "10:00", DurationMinutes: 30,
		Status: model.StatusBooked, Version: 1,
	}
}

func TestEmitterRescheduledCarriesPreviousSlot(t *testing.T) {
	e := NewEmitter()
	e.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	prev := sampleAppointment()
	prev.Time = "09:00"
	prev.Version = 0
	evt, err := e.Rescheduled(prev, sampleAppointment())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if evt.EventType != TopicAppointmentRescheduled || evt.AggregateID != "a1" || evt.AggregateType != AggregateAppointment {
		t.Fatalf("unexpected envelope: %+v", evt)
	}
	var p AppointmentPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.PreviousTime != "09:00" || p.Time != "10:00" || p.Version != 1 || p.PreviousStatus != "" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if !p.OccurredAt.Equal(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected occurred_at: %s", p.OccurredAt)
	}
}

func TestEmitterStatusChanged(t *testing.T) {
	next := sampleAppointment()
	next.Status = model.StatusCompleted
	evt, err := NewEmitter().StatusChanged(sampleAppointment(), next)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var p AppointmentPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.EventType != TopicAppointmentStatusChanged || p.PreviousStatus != "booked" || p.Status != "completed" {
		t.Fatalf("unexpected event: %s %+v", evt.EventType, p)
	}
}

func TestRecordMessage(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceparent := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	msg := recordMessage(context.Background(), Record{
		ID: 7, EventID: "evt-1", AggregateID: "a1", EventType: TopicAppointmentBooked,
		Payload: []byte(`{}`), Trace: otelx.TraceContext{Parent: traceparent},
	})
	if msg.Topic != TopicAppointmentBooked || string(msg.Key) != "a1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if kafkax.HeaderValue(msg.Headers, "event_id") != "evt-1" {
		t.Fatalf("missing event_id header: %v", msg.Headers)
	}
	if got := kafkax.HeaderValue(msg.Headers, "traceparent"); got != traceparent {
		t.Fatalf("expected stored trace to be forwarded, got %q", got)
	}
}

func TestBatchMessagesKeepsOutboxOrder(t *testing.T) {
	records := []Record{
		{ID: 3, EventID: "e3", AggregateID: "a1", EventType: TopicAppointmentBooked},
		{ID: 4, EventID: "e4", AggregateID: "a1", EventType: TopicAppointmentRescheduled},
	}
	msgs, ids := batchMessages(context.Background(), records)
	if len(msgs) != 2 || ids[0] != 3 || ids[1] != 4 {
		t.Fatalf("unexpected batch: %d msgs, ids %v", len(msgs), ids)
	}
	if msgs[1].Topic != TopicAppointmentRescheduled || kafkax.HeaderValue(msgs[1].Headers, kafkax.HeaderAggregateID) != "a1" {
		t.Fatalf("unexpected second message: %+v", msgs[1])
	}
}

func TestDirectSink(t *testing.T) {
	w := &captureWriter{}
	evt, err := NewEmitter().Booked(sampleAppointment())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := NewDirectSink(w).Append(context.Background(), evt); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != TopicAppointmentBooked || string(msg.Key) != "a1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if kafkax.HeaderValue(msg.Headers, kafkax.HeaderEventType) != TopicAppointmentBooked || kafkax.HeaderValue(msg.Headers, kafkax.HeaderEventID) == "" {
		t.Fatalf("unexpected headers: %v", msg.Headers)
	}
}
