// Package redis provides Redis client and caching operations for the GOCM miner.
// It keeps the live state of the current run: status, best work so far and hashrate samples.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("not found")

// Client wraps Redis operations for the miner
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key layout

const currentRunKey = "run:current"

func runKey(runID string) string      { return fmt.Sprintf("run:%s", runID) }
func bestKey(runID string) string     { return fmt.Sprintf("run:%s:best", runID) }
func hashrateKey(runID string) string { return fmt.Sprintf("hashrate:%s", runID) }

// bestScores ranks every run by its best work.
const bestScores = "runs:best"

// Run state

// RunState is the live view of a run
type RunState struct {
	RunID     string    `json:"run_id"`
	Pubkey    string    `json:"pubkey"`
	Status    string    `json:"status"`
	Hashrate  float64   `json:"hashrate"`
	BestWork  int       `json:"best_work"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetRunState stores the state of a run and marks it as the current one
func (c *Client) SetRunState(ctx context.Context, state *RunState, expiration time.Duration) error {
	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, runKey(state.RunID), jsonData, expiration)
	pipe.Set(ctx, currentRunKey, state.RunID, expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set run state: %w", err)
	}

	return nil
}

// GetRunState retrieves the state of a run
func (c *Client) GetRunState(ctx context.Context, runID string) (*RunState, error) {
	jsonData, err := c.rdb.Get(ctx, runKey(runID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run state: %w", err)
	}

	state := &RunState{}
	if err := json.Unmarshal([]byte(jsonData), state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	return state, nil
}

// GetCurrentRun retrieves the state of the most recently updated run
func (c *Client) GetCurrentRun(ctx context.Context) (*RunState, error) {
	runID, err := c.rdb.Get(ctx, currentRunKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get current run: %w", err)
	}
	return c.GetRunState(ctx, runID)
}

// Best work

// BestWork is the best result seen in a run
type BestWork struct {
	RunID       string `json:"run_id"`
	WorkerIndex int    `json:"worker_index"`
	Nonce       string `json:"nonce"`
	Work        int    `json:"work"`
}

// RecordBest stores best if its work beats the run's current best. It
// reports whether the stored best changed.
func (c *Client) RecordBest(ctx context.Context, best *BestWork, expiration time.Duration) (bool, error) {
	changed, err := c.rdb.ZAddArgs(ctx, bestScores, redis.ZAddArgs{
		GT:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(best.Work), Member: best.RunID}},
	}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to rank best work: %w", err)
	}
	if changed == 0 {
		return false, nil
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, bestKey(best.RunID),
		"worker_index", best.WorkerIndex,
		"nonce", best.Nonce,
		"work", best.Work,
	)
	pipe.Expire(ctx, bestKey(best.RunID), expiration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("failed to store best work: %w", err)
	}

	return true, nil
}

// GetBest retrieves the best result of a run
func (c *Client) GetBest(ctx context.Context, runID string) (*BestWork, error) {
	fields, err := c.rdb.HGetAll(ctx, bestKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get best work: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	best := &BestWork{RunID: runID, Nonce: fields["nonce"]}
	best.WorkerIndex, _ = strconv.Atoi(fields["worker_index"])
	best.Work, _ = strconv.Atoi(fields["work"])
	return best, nil
}

// RunScore is a run ranked by its best work
type RunScore struct {
	RunID    string `json:"run_id"`
	BestWork int    `json:"best_work"`
}

// TopRuns returns the runs with the highest best work
func (c *Client) TopRuns(ctx context.Context, limit int64) ([]RunScore, error) {
	top, err := c.rdb.ZRevRangeWithScores(ctx, bestScores, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get top runs: %w", err)
	}

	scores := make([]RunScore, 0, len(top))
	for _, z := range top {
		runID, _ := z.Member.(string)
		scores = append(scores, RunScore{RunID: runID, BestWork: int(z.Score)})
	}
	return scores, nil
}

// Hashrate

// SetHashrate stores a timestamped hashrate sample for a run
func (c *Client) SetHashrate(ctx context.Context, runID string, hashrate float64, window time.Duration) error {
	key := hashrateKey(runID)
	now := time.Now()

	// Members carry the timestamp so equal rates stay distinct samples
	member := &redis.Z{
		Score:  float64(now.Unix()),
		Member: hashrateMember(now, hashrate),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, *member)
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Unix()-int64(window.Seconds())))
	pipe.Expire(ctx, key, window*2) // Keep data a bit longer than window

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// GetAverageHashrate calculates average hashrate over a time window
func (c *Client) GetAverageHashrate(ctx context.Context, runID string, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, hashrateKey(runID), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", minScore),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageHashrate(values), nil
}

func hashrateMember(at time.Time, hashrate float64) string {
	return fmt.Sprintf("%d:%s", at.UnixNano(), strconv.FormatFloat(hashrate, 'f', -1, 64))
}

func averageHashrate(members []string) float64 {
	var total float64
	var n int
	for _, m := range members {
		_, value, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		if hashrate, err := strconv.ParseFloat(value, 64); err == nil {
			total += hashrate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Statistics and counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Caching

// SetCache stores data in cache with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	cacheKey := fmt.Sprintf("cache:%s", key)
	if err := c.rdb.Set(ctx, cacheKey, jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// GetCache retrieves data from cache
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	cacheKey := fmt.Sprintf("cache:%s", key)
	jsonData, err := c.rdb.Get(ctx, cacheKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal([]byte(jsonData), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache data: %w", err)
	}

	return nil
}
