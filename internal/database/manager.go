// Package database provides unified storage for mined constructs and run telemetry.
// It coordinates operations across PostgreSQL, Redis, and InfluxDB databases and
// plugs into the coordinator as a result and status handler.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/gocm/internal/database/influx"
	"github.com/bardlex/gocm/internal/database/postgres"
	"github.com/bardlex/gocm/internal/database/redis"
	"github.com/bardlex/gocm/internal/miner"
	"github.com/bardlex/gocm/pkg/circuit"
	"github.com/bardlex/gocm/pkg/errors"
	"github.com/bardlex/gocm/pkg/log"
	"github.com/bardlex/gocm/pkg/retry"
)

const (
	runStateTTL    = 24 * time.Hour
	hashrateWindow = 10 * time.Minute
	constructTTL   = 24 * time.Hour
)

type constructStore interface {
	CreateConstruct(ctx context.Context, c *postgres.Construct) error
}

type liveStore interface {
	SetRunState(ctx context.Context, state *redis.RunState, expiration time.Duration) error
	RecordBest(ctx context.Context, best *redis.BestWork, expiration time.Duration) (bool, error)
	SetHashrate(ctx context.Context, runID string, hashrate float64, window time.Duration) error
	IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error)
	SetCache(ctx context.Context, key string, data any, expiration time.Duration) error
}

type metricsStore interface {
	WriteHashrateMetric(runID, pubkey string, hashrate float64, at time.Time)
	WriteHeartbeatMetric(runID string, workerIndex int, iterations uint64, elapsed time.Duration, at time.Time)
	WriteNewHighMetric(runID string, workerIndex, work int, at time.Time)
	WriteRunEventMetric(runID string, workerIndex int, status string, at time.Time)
	WriteConstructMetric(id, pubkey string, work, targetWork, workerIndex int, at time.Time)
}

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Constructs *postgres.ConstructRepository

	constructs constructStore
	live       liveStore
	metrics    metricsStore
	logger     *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a new database manager with all connections and makes
// sure the construct schema exists
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	// Initialize PostgreSQL
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	if err := pgClient.EnsureSchema(ctx); err != nil {
		_ = pgClient.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_schema",
			"failed to create construct schema")
	}

	// Initialize Redis
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, origErr
	}

	// Initialize InfluxDB
	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	constructs := postgres.NewConstructRepository(pgClient.DB())

	m := newManager(constructs, redisClient, influxClient, logger)
	m.Postgres = pgClient
	m.Redis = redisClient
	m.Influx = influxClient
	m.Constructs = constructs
	return m, nil
}

func newManager(constructs constructStore, live liveStore, metrics metricsStore, logger *log.Logger) *Manager {
	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Manager{
		constructs:     constructs,
		live:           live,
		metrics:        metrics,
		logger:         logger.WithComponent("storage"),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.StorageConfig(),
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// ToModel converts a mined construct into its stored form
func ToModel(c *miner.Construct) *postgres.Construct {
	targetHex, _ := c.Record.TargetHex()
	return &postgres.Construct{
		ID:          c.ID,
		RunID:       c.RunID,
		Pubkey:      c.Record.Pubkey,
		Kind:        c.Record.Kind,
		CreatedAt:   c.Record.CreatedAt,
		Nonce:       c.NonceHex,
		NonceValue:  int64(c.Nonce),
		TargetHex:   targetHex,
		Work:        c.Work,
		TargetWork:  c.TargetWork,
		WorkerIndex: c.WorkerIndex,
		Tags:        c.Record.Tags,
		Serialized:  string(c.Serialized),
		MinedAt:     c.MinedAt,
	}
}

// HandleResult persists a mined construct. The PostgreSQL insert is the
// critical part and runs behind the circuit breaker with retries; metrics
// and cache updates are best effort.
func (m *Manager) HandleResult(ctx context.Context, c *miner.Construct) error {
	model := ToModel(c)
	start := time.Now()

	err := m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			err := m.constructs.CreateConstruct(ctx, model)
			if err == nil || stderrors.Is(err, postgres.ErrConstructExists) {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_construct",
				"failed to store construct in PostgreSQL").
				WithContext("construct_id", model.ID).
				WithContext("run_id", model.RunID)
		})
	})
	if err != nil {
		return err
	}
	m.logger.WithContext(ctx).LogDuration("store_construct", time.Since(start).Nanoseconds())

	m.metrics.WriteConstructMetric(model.ID, model.Pubkey, model.Work, model.TargetWork, model.WorkerIndex, model.MinedAt)

	if _, err := m.live.IncrementCounter(ctx, constructCounterKey(model.Pubkey), 0); err != nil {
		m.warn(ctx, err, "redis_construct_counter", "failed to count construct in Redis (non-critical)")
	}
	if err := m.live.SetCache(ctx, constructCacheKey(model.ID), model, constructTTL); err != nil {
		m.warn(ctx, err, "redis_construct_cache", "failed to cache construct in Redis (non-critical)")
	}

	return nil
}

// HandleStatus records run telemetry for a worker status
func (m *Manager) HandleStatus(ctx context.Context, e miner.Event) {
	switch e.Kind {
	case miner.StatusHeartbeat:
		m.metrics.WriteHeartbeatMetric(e.RunID, e.WorkerIndex, e.Iterations, e.Elapsed, e.Time)
		m.metrics.WriteHashrateMetric(e.RunID, e.Pubkey, e.Hashrate, e.Time)
		if err := m.live.SetHashrate(ctx, e.RunID, e.Hashrate, hashrateWindow); err != nil {
			m.warn(ctx, err, "redis_hashrate_update", "failed to update hashrate in Redis (non-critical)")
		}
		m.setRunState(ctx, e, "mining")

	case miner.StatusNewHigh:
		m.metrics.WriteNewHighMetric(e.RunID, e.WorkerIndex, e.Work, e.Time)
		best := &redis.BestWork{RunID: e.RunID, WorkerIndex: e.WorkerIndex, Nonce: e.NonceHex, Work: e.Work}
		if _, err := m.live.RecordBest(ctx, best, runStateTTL); err != nil {
			m.warn(ctx, err, "redis_best_update", "failed to update best work in Redis (non-critical)")
		}

	default:
		if !e.Kind.Terminal() {
			return
		}
		m.metrics.WriteRunEventMetric(e.RunID, e.WorkerIndex, string(e.Kind), e.Time)
		m.setRunState(ctx, e, string(e.Kind))
	}
}

func (m *Manager) setRunState(ctx context.Context, e miner.Event, status string) {
	state := &redis.RunState{
		RunID:     e.RunID,
		Pubkey:    e.Pubkey,
		Status:    status,
		Hashrate:  e.Hashrate,
		BestWork:  e.BestWork,
		UpdatedAt: e.Time,
	}
	if err := m.live.SetRunState(ctx, state, runStateTTL); err != nil {
		m.warn(ctx, err, "redis_run_state", "failed to update run state in Redis (non-critical)")
	}
}

func (m *Manager) warn(ctx context.Context, err error, operation, message string) {
	redisErr := errors.Wrap(err, errors.ErrorTypeDatabase, operation, message)
	redisErr.Retryable = false
	m.logger.WithContext(ctx).WithError(redisErr).Warn("storage write skipped", "operation", operation)
}

func constructCounterKey(pubkey string) string { return "constructs:" + pubkey }
func constructCacheKey(id string) string      { return "construct:" + id }
