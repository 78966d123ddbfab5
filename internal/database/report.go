package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/gocm/internal/database/influx"
	"github.com/bardlex/gocm/internal/database/postgres"
	"github.com/bardlex/gocm/internal/database/redis"
)

// historyWindow bounds the time-series queries behind reports.
const historyWindow = 24 * time.Hour

// RunReport combines the live state of a run with its hashrate history
type RunReport struct {
	State           *redis.RunState        `json:"state"`
	Best            *redis.BestWork        `json:"best,omitempty"`
	AverageHashrate float64                `json:"average_hashrate"`
	History         []influx.HashratePoint `json:"history,omitempty"`
}

// PubkeyReport aggregates everything mined for one key
type PubkeyReport struct {
	Stats     *postgres.PubkeyStats  `json:"stats"`
	Recent    []*postgres.Construct  `json:"recent"`
	LastDay   *influx.ConstructStats `json:"last_day"`
	LiveCount int64                  `json:"live_count"`
}

// GetRunReport reports on runID, or on the current run when runID is empty
func (m *Manager) GetRunReport(ctx context.Context, runID string) (*RunReport, error) {
	var state *redis.RunState
	var err error
	if runID == "" {
		state, err = m.Redis.GetCurrentRun(ctx)
	} else {
		state, err = m.Redis.GetRunState(ctx, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run state: %w", err)
	}

	report := &RunReport{State: state}

	if best, err := m.Redis.GetBest(ctx, state.RunID); err == nil {
		report.Best = best
	} else if !stderrors.Is(err, redis.ErrNotFound) {
		return nil, err
	}

	// Averages and history default to empty when unavailable
	if avg, err := m.Redis.GetAverageHashrate(ctx, state.RunID, hashrateWindow); err == nil {
		report.AverageHashrate = avg
	}
	if history, err := m.Influx.GetHashrateHistory(ctx, state.RunID, historyWindow); err == nil {
		report.History = history
	}

	return report, nil
}

// GetPubkeyReport reports on the constructs mined for pubkey
func (m *Manager) GetPubkeyReport(ctx context.Context, pubkey string, recent int) (*PubkeyReport, error) {
	stats, err := m.Constructs.GetPubkeyStats(ctx, pubkey)
	if err != nil {
		return nil, err
	}

	constructs, err := m.Constructs.ListConstructsByPubkey(ctx, pubkey, recent, 0)
	if err != nil {
		return nil, err
	}

	lastDay, err := m.Influx.GetConstructStats(ctx, pubkey, historyWindow)
	if err != nil {
		lastDay = &influx.ConstructStats{}
	}

	count, _ := m.Redis.GetCounter(ctx, constructCounterKey(pubkey))

	return &PubkeyReport{
		Stats:     stats,
		Recent:    constructs,
		LastDay:   lastDay,
		LiveCount: count,
	}, nil
}

// GetConstruct looks a construct up in the Redis cache, then PostgreSQL
func (m *Manager) GetConstruct(ctx context.Context, id string) (*postgres.Construct, error) {
	cached := &postgres.Construct{}
	if err := m.Redis.GetCache(ctx, constructCacheKey(id), cached); err == nil {
		return cached, nil
	}

	c, err := m.Constructs.GetConstruct(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := m.Redis.SetCache(ctx, constructCacheKey(id), c, constructTTL); err != nil {
		m.warn(ctx, err, "redis_construct_cache", "failed to cache construct in Redis (non-critical)")
	}
	return c, nil
}

// TopRuns returns the runs with the highest best work
func (m *Manager) TopRuns(ctx context.Context, limit int64) ([]redis.RunScore, error) {
	return m.Redis.TopRuns(ctx, limit)
}
