package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/slotguard/libs/config"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/slotguard/services/booking-service/internal/retry"
)

const (
	driverPostgres = "postgres"
	driverMongo    = "mongo"
)

type serviceConfig struct {
	port     string
	grpcPort string

	storageDriver string
	databaseURL   string
	mongoURI      string
	mongoDB       string
	kafkaBrokers  string
	redisAddr     string

	buffer         int
	dayStart       int
	dayEnd         int
	slotStep       int
	maxCandidates  int
	maxSuggestions int

	retryAttempts  int
	retryBaseDelay time.Duration
	retryJitter    time.Duration

	rateLimit      int
	rateWindow     time.Duration
	rateFailOpen   bool
	requestTimeout time.Duration
}

func loadConfig() (serviceConfig, error) {
	var (
		cfg serviceConfig
		err error
	)
	if cfg.port, err = config.Port("PORT", "8083"); err != nil {
		return cfg, err
	}
	if cfg.grpcPort, err = config.Port("GRPC_PORT", "9083"); err != nil {
		return cfg, err
	}

	if cfg.storageDriver, err = config.OneOf("STORAGE_DRIVER", driverPostgres, driverPostgres, driverMongo); err != nil {
		return cfg, err
	}
	switch cfg.storageDriver {
	case driverPostgres:
		if cfg.databaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
			return cfg, err
		}
	case driverMongo:
		if cfg.mongoURI, err = config.RequiredString("MONGO_URI"); err != nil {
			return cfg, err
		}
		cfg.mongoDB = config.String("MONGO_DATABASE", "slotguard")
	}
	cfg.kafkaBrokers = config.String("KAFKA_BROKERS", "")
	cfg.redisAddr = config.String("REDIS_ADDR", "")

	def := conflict.DefaultConfig()
	if cfg.buffer, err = config.Int("BOOKING_BUFFER_MINUTES", conflict.DefaultBuffer); err != nil {
		return cfg, err
	}
	if cfg.buffer < 0 {
		return cfg, errors.New("BOOKING_BUFFER_MINUTES must not be negative")
	}
	if cfg.dayStart, err = clockEnv("BUSINESS_DAY_START", conflict.MinutesToTime(def.DayStart)); err != nil {
		return cfg, err
	}
	if cfg.dayEnd, err = clockEnv("BUSINESS_DAY_END", conflict.MinutesToTime(def.DayEnd)); err != nil {
		return cfg, err
	}
	if cfg.dayEnd <= cfg.dayStart {
		return cfg, errors.New("BUSINESS_DAY_END must be after BUSINESS_DAY_START")
	}
	if cfg.slotStep, err = config.Int("SLOT_STEP_MINUTES", def.Step); err != nil {
		return cfg, err
	}
	if cfg.maxCandidates, err = config.Int("ALTERNATIVE_CANDIDATES", def.MaxCandidates); err != nil {
		return cfg, err
	}
	if cfg.maxSuggestions, err = config.Int("ALTERNATIVE_SUGGESTIONS", def.MaxSuggestions); err != nil {
		return cfg, err
	}

	rp := retry.DefaultPolicy()
	if cfg.retryAttempts, err = config.Int("RETRY_MAX_ATTEMPTS", rp.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.retryBaseDelay, err = config.Duration("RETRY_BASE_DELAY", rp.BaseDelay); err != nil {
		return cfg, err
	}
	if cfg.retryJitter, err = config.Duration("RETRY_MAX_JITTER", rp.MaxJitter); err != nil {
		return cfg, err
	}

	if cfg.rateLimit, err = config.Int("RATE_LIMIT_WRITES", 60); err != nil {
		return cfg, err
	}
	if cfg.rateWindow, err = config.Duration("RATE_LIMIT_WINDOW", time.Minute); err != nil {
		return cfg, err
	}
	cfg.rateFailOpen = config.Bool("RATE_LIMIT_FAIL_OPEN", true)
	if cfg.requestTimeout, err = config.Duration("REQUEST_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// clockEnv reads an "HH:mm" setting as minutes since midnight. "24:00" is
// accepted for a day that runs to midnight.
func clockEnv(key, fallback string) (int, error) {
	raw := config.String(key, fallback)
	if raw == "24:00" {
		return 24 * 60, nil
	}
	m, err := conflict.TimeToMinutes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return m, nil
}
