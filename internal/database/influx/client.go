// Package influx provides InfluxDB client and time-series data operations for the GOCM miner.
// It records hashrate, best-work progress and mined constructs per run.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// pointWriter is the subset of api.WriteAPI the client writes through.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Mining metrics

// WriteHashrateMetric writes the aggregated hashrate of a run
func (c *Client) WriteHashrateMetric(runID, pubkey string, hashrate float64, at time.Time) {
	c.writeAPI.WritePoint(hashratePoint(runID, pubkey, hashrate, at))
}

// WriteHeartbeatMetric writes a single worker's progress pulse
func (c *Client) WriteHeartbeatMetric(runID string, workerIndex int, iterations uint64, elapsed time.Duration, at time.Time) {
	tags := map[string]string{
		"run_id": runID,
		"worker": strconv.Itoa(workerIndex),
	}

	fields := map[string]interface{}{
		"iterations": iterations,
		"elapsed_ms": elapsed.Milliseconds(),
	}

	c.writeAPI.WritePoint(write.NewPoint("heartbeats", tags, fields, at))
}

// WriteNewHighMetric writes an improvement of a worker's best work
func (c *Client) WriteNewHighMetric(runID string, workerIndex, work int, at time.Time) {
	tags := map[string]string{
		"run_id": runID,
		"worker": strconv.Itoa(workerIndex),
	}

	fields := map[string]interface{}{
		"work": work,
	}

	c.writeAPI.WritePoint(write.NewPoint("newhigh", tags, fields, at))
}

// WriteRunEventMetric writes a worker's terminal status
func (c *Client) WriteRunEventMetric(runID string, workerIndex int, status string, at time.Time) {
	tags := map[string]string{
		"run_id": runID,
		"worker": strconv.Itoa(workerIndex),
		"status": status,
	}

	fields := map[string]interface{}{
		"count": 1,
	}

	c.writeAPI.WritePoint(write.NewPoint("worker_events", tags, fields, at))
}

// WriteConstructMetric writes a mined construct
func (c *Client) WriteConstructMetric(id, pubkey string, work, targetWork, workerIndex int, at time.Time) {
	c.writeAPI.WritePoint(constructPoint(id, pubkey, work, targetWork, workerIndex, at))
}

func hashratePoint(runID, pubkey string, hashrate float64, at time.Time) *write.Point {
	tags := map[string]string{
		"run_id": runID,
		"pubkey": pubkey,
	}

	fields := map[string]interface{}{
		"hashrate": hashrate,
	}

	return write.NewPoint("hashrate", tags, fields, at)
}

func constructPoint(id, pubkey string, work, targetWork, workerIndex int, at time.Time) *write.Point {
	tags := map[string]string{
		"pubkey": pubkey,
		"worker": strconv.Itoa(workerIndex),
	}

	fields := map[string]interface{}{
		"id":          id,
		"work":        work,
		"target_work": targetWork,
		"count":       1,
	}

	return write.NewPoint("constructs", tags, fields, at)
}

// Query methods

// GetHashrateHistory retrieves the hashrate history of a run
func (c *Client) GetHashrateHistory(ctx context.Context, runID string, duration time.Duration) ([]HashratePoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r.run_id == "%s")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 10s, fn: mean, createEmpty: false)
	`, c.bucket, duration.String(), runID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var points []HashratePoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, HashratePoint{
				Time:     record.Time(),
				Hashrate: value,
			})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return points, nil
}

// GetConstructStats retrieves how many constructs a key mined and the best work among them
func (c *Client) GetConstructStats(ctx context.Context, pubkey string, duration time.Duration) (*ConstructStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "constructs")
		|> filter(fn: (r) => r.pubkey == "%s")
		|> filter(fn: (r) => r._field == "work")
		|> group()
	`, c.bucket, duration.String(), pubkey)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query construct stats: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	stats := &ConstructStats{}
	for result.Next() {
		if work, ok := result.Record().Value().(int64); ok {
			stats.Count++
			stats.BestWork = max(stats.BestWork, work)
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	return stats, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Data structures

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}

// ConstructStats represents aggregated construct statistics
type ConstructStats struct {
	Count    int64 `json:"count"`
	BestWork int64 `json:"best_work"`
}
