package outbox

import (
	"context"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/slotguard/libs/kafkax"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/model"
)

// DirectSink publishes events straight to Kafka. It backs the document-store
// deployment, which has no outbox table; an event is lost if the broker is
// down when the write lands.
type DirectSink struct {
	writer MessageWriter
}

func NewDirectSink(writer MessageWriter) *DirectSink {
	return &DirectSink{writer: writer}
}

func (s *DirectSink) Append(ctx context.Context, evt model.Event) error {
	meta := kafkax.EventMeta{EventID: uuid.NewString(), EventType: evt.EventType, AggregateID: evt.AggregateID}
	msg := kafka.Message{
		Topic:   evt.EventType,
		Key:     []byte(evt.AggregateID),
		Value:   evt.Payload,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
	}
	return s.writer.WriteMessages(ctx, msg)
}
