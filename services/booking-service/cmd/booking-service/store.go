package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/slotguard/libs/db"
	"github.com/md-rashed-zaman/slotguard/libs/kafkax"
	"github.com/md-rashed-zaman/slotguard/libs/mongox"
	"github.com/md-rashed-zaman/slotguard/libs/runtime"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/mongostore"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/storage"
)

// store is the persistence side of one deployment: the repository, the event
// builder whose events it records and everything that must be probed or closed.
type store struct {
	repo    booking.Repository
	events  booking.Events
	run     func(context.Context)
	checks  []runtime.ReadyCheck
	closers []runtime.Closer
}

func openStore(ctx context.Context, cfg serviceConfig, logger *slog.Logger) (store, error) {
	if cfg.storageDriver == driverMongo {
		return openMongo(ctx, cfg, logger)
	}
	return openPostgres(ctx, cfg, logger)
}

// openPostgres stores events in the outbox table from the same statement as
// the booking write and relays them with the publisher.
func openPostgres(ctx context.Context, cfg serviceConfig, logger *slog.Logger) (store, error) {
	pool, err := db.Open(ctx, cfg.databaseURL, db.PoolOptions{})
	if err != nil {
		return store{}, err
	}
	repo := storage.NewBookingRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return store{}, err
	}

	outboxRepo := outbox.NewRepository(pool)
	publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   cfg.kafkaBrokers,
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})

	s := store{
		repo:   repo,
		events: outbox.NewEmitter(),
		run:    publisher.Run,
		checks: []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}},
		closers: []runtime.Closer{{Name: "postgres", Close: func(context.Context) error {
			pool.Close()
			return nil
		}}},
	}
	if cfg.kafkaBrokers != "" {
		s.checks = append(s.checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.kafkaBrokers)})
	}
	return s, nil
}

// openMongo has no outbox table, so the repository publishes events straight
// to Kafka once a write lands. Without brokers no events are built.
func openMongo(ctx context.Context, cfg serviceConfig, logger *slog.Logger) (store, error) {
	client, err := mongox.Open(ctx, cfg.mongoURI, cfg.mongoDB)
	if err != nil {
		return store{}, err
	}
	s := store{
		checks:  []runtime.ReadyCheck{{Name: "mongo", Check: mongox.ReadyCheck(client)}},
		closers: []runtime.Closer{{Name: "mongo", Close: client.Close}},
	}

	var publisher mongostore.Publisher
	if brokers := kafkax.SplitBrokers(cfg.kafkaBrokers); len(brokers) > 0 {
		writer := kafkax.NewWriter(brokers)
		publisher = outbox.NewDirectSink(writer)
		s.events = outbox.NewEmitter()
		s.checks = append(s.checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.kafkaBrokers)})
		s.closers = append(s.closers, runtime.Closer{Name: "kafka", Close: func(context.Context) error { return writer.Close() }})
	} else {
		logger.Warn("appointment events disabled (no kafka brokers configured)")
	}

	repo := mongostore.NewRepository(client, publisher, logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		runtime.Shutdown(logger, 5*time.Second, s.closers...)
		return store{}, err
	}
	s.repo = repo
	return s, nil
}
