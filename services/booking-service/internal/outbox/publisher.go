package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/slotguard/libs/db"
	"github.com/md-rashed-zaman/slotguard/libs/kafkax"
)

// MessageWriter is the subset of *kafka.Writer the relay needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher relays outbox rows to Kafka. A batch is marked published in the
// same transaction that claimed it, so a failed write leaves the rows for the
// next poll and delivery is at least once.
type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
	retention time.Duration
	now       func() time.Time
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
	// Retention is how long published rows are kept. Zero keeps the default.
	Retention time.Duration
}

const pruneEvery = time.Hour

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 72 * time.Hour
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
		retention: cfg.Retention,
		now:       time.Now,
	}
}

// Run polls until ctx is done. Without brokers it returns at once and rows
// accumulate until a relay with brokers runs.
func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	writer := kafkax.NewWriter(p.brokers)
	defer writer.Close()

	poll := time.NewTicker(p.pollEvery)
	defer poll.Stop()
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			p.drain(ctx, writer)
		case <-prune.C:
			n, err := p.repo.Prune(ctx, p.now().Add(-p.retention))
			if err != nil {
				p.logger.Warn("outbox prune failed", "err", err)
				continue
			}
			if n > 0 {
				p.logger.Info("outbox pruned", "rows", n)
			}
		}
	}
}

// drain publishes full batches back to back so a backlog clears within one
// tick.
func (p *Publisher) drain(ctx context.Context, writer MessageWriter) {
	for ctx.Err() == nil {
		n, oldest, err := p.publishBatch(ctx, writer)
		if err != nil {
			p.logger.Error("outbox publish failed", "err", err)
			return
		}
		if n == 0 {
			return
		}
		p.logger.Debug("outbox batch published", "count", n, "lag_ms", p.now().Sub(oldest).Milliseconds())
		if n < p.batchSize {
			return
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context, writer MessageWriter) (int, time.Time, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.Claim(ctx, tx, p.batchSize)
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(records) == 0 {
		return 0, time.Time{}, tx.Commit(ctx)
	}

	msgs, ids := batchMessages(ctx, records)
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, time.Time{}, err
	}
	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return 0, time.Time{}, err
	}
	return len(records), records[0].CreatedAt, tx.Commit(ctx)
}

func batchMessages(ctx context.Context, records []Record) ([]kafka.Message, []int64) {
	msgs := make([]kafka.Message, 0, len(records))
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, recordMessage(ctx, r))
		ids = append(ids, r.ID)
	}
	return msgs, ids
}

// recordMessage keys by aggregate id so every event of one appointment lands
// on the same partition, in outbox order. The stored trace, not the relay's,
// becomes the message parent.
func recordMessage(ctx context.Context, r Record) kafka.Message {
	meta := kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType, AggregateID: r.AggregateID}
	return kafka.Message{
		Topic:   r.EventType,
		Key:     []byte(r.AggregateID),
		Value:   r.Payload,
		Headers: kafkax.InjectTraceHeaders(r.Trace.Into(ctx), meta.Headers()),
	}
}
