package database

import (
	"context"
	stderrors "errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/bardlex/gocm/internal/database/postgres"
	"github.com/bardlex/gocm/internal/database/redis"
	"github.com/bardlex/gocm/internal/miner"
	"github.com/bardlex/gocm/internal/record"
	"github.com/bardlex/gocm/pkg/errors"
	"github.com/bardlex/gocm/pkg/log"
)

const testPubkey = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

type fakeConstructs struct {
	stored []*postgres.Construct
	err    error
}

func (f *fakeConstructs) CreateConstruct(_ context.Context, c *postgres.Construct) error {
	if f.err != nil {
		return f.err
	}
	f.stored = append(f.stored, c)
	return nil
}

type fakeLive struct {
	states    []*redis.RunState
	bests     []*redis.BestWork
	hashrates []float64
	counters  map[string]int64
	cache     map[string]any
	err       error
}

func newFakeLive() *fakeLive {
	return &fakeLive{counters: map[string]int64{}, cache: map[string]any{}}
}

func (f *fakeLive) SetRunState(_ context.Context, s *redis.RunState, _ time.Duration) error {
	f.states = append(f.states, s)
	return f.err
}

func (f *fakeLive) RecordBest(_ context.Context, b *redis.BestWork, _ time.Duration) (bool, error) {
	f.bests = append(f.bests, b)
	return true, f.err
}

func (f *fakeLive) SetHashrate(_ context.Context, _ string, h float64, _ time.Duration) error {
	f.hashrates = append(f.hashrates, h)
	return f.err
}

func (f *fakeLive) IncrementCounter(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.counters[key]++
	return f.counters[key], f.err
}

func (f *fakeLive) SetCache(_ context.Context, key string, data any, _ time.Duration) error {
	f.cache[key] = data
	return f.err
}

type fakeMetrics struct {
	calls []string
}

func (f *fakeMetrics) WriteHashrateMetric(string, string, float64, time.Time) {
	f.calls = append(f.calls, "hashrate")
}

func (f *fakeMetrics) WriteHeartbeatMetric(string, int, uint64, time.Duration, time.Time) {
	f.calls = append(f.calls, "heartbeat")
}

func (f *fakeMetrics) WriteNewHighMetric(string, int, int, time.Time) {
	f.calls = append(f.calls, "newhigh")
}

func (f *fakeMetrics) WriteRunEventMetric(_ string, _ int, status string, _ time.Time) {
	f.calls = append(f.calls, "event:"+status)
}

func (f *fakeMetrics) WriteConstructMetric(string, string, int, int, int, time.Time) {
	f.calls = append(f.calls, "construct")
}

func testManager() (*Manager, *fakeConstructs, *fakeLive, *fakeMetrics) {
	constructs := &fakeConstructs{}
	live := newFakeLive()
	metrics := &fakeMetrics{}
	logger := log.NewWithWriter(io.Discard, "test", "dev", "error", "json")
	return newManager(constructs, live, metrics, logger), constructs, live, metrics
}

func testConstruct(t *testing.T) *miner.Construct {
	t.Helper()
	r, err := record.NewConstruct(testPubkey, 1700000000, "00ff").WithNonce("00000000002a")
	if err != nil {
		t.Fatal(err)
	}
	serialized, err := record.Serialize(r)
	if err != nil {
		t.Fatal(err)
	}
	return &miner.Construct{
		ID:          "ab",
		RunID:       "run-1",
		WorkerIndex: 2,
		Nonce:       42,
		NonceHex:    "2a",
		Work:        11,
		TargetWork:  8,
		Record:      r,
		Serialized:  serialized,
		MinedAt:     time.Unix(1700000001, 0).UTC(),
	}
}

func TestToModel(t *testing.T) {
	c := testConstruct(t)
	m := ToModel(c)

	want := &postgres.Construct{
		ID:          "ab",
		RunID:       "run-1",
		Pubkey:      testPubkey,
		Kind:        record.KindConstruct,
		CreatedAt:   1700000000,
		Nonce:       "2a",
		NonceValue:  42,
		TargetHex:   "00ff",
		Work:        11,
		TargetWork:  8,
		WorkerIndex: 2,
		Tags:        [][]string{{"nonce", "00000000002a", "00ff"}},
		Serialized:  string(c.Serialized),
		MinedAt:     c.MinedAt,
	}
	if !reflect.DeepEqual(m, want) {
		t.Errorf("ToModel() = %+v, want %+v", m, want)
	}
}

func TestManager_HandleResult(t *testing.T) {
	m, constructs, live, metrics := testManager()
	c := testConstruct(t)

	if err := m.HandleResult(context.Background(), c); err != nil {
		t.Fatalf("HandleResult() error = %v", err)
	}
	if len(constructs.stored) != 1 || constructs.stored[0].ID != "ab" {
		t.Errorf("stored = %+v", constructs.stored)
	}
	if !reflect.DeepEqual(metrics.calls, []string{"construct"}) {
		t.Errorf("metrics = %v", metrics.calls)
	}
	if live.counters[constructCounterKey(testPubkey)] != 1 {
		t.Errorf("counters = %v", live.counters)
	}
	if _, ok := live.cache[constructCacheKey("ab")]; !ok {
		t.Error("construct was not cached")
	}
}

func TestManager_HandleResult_Duplicate(t *testing.T) {
	m, constructs, _, metrics := testManager()
	constructs.err = postgres.ErrConstructExists

	if err := m.HandleResult(context.Background(), testConstruct(t)); err != nil {
		t.Fatalf("HandleResult() on duplicate error = %v", err)
	}
	if len(metrics.calls) != 1 {
		t.Errorf("metrics = %v", metrics.calls)
	}
}

func TestManager_HandleResult_StoreFailure(t *testing.T) {
	m, constructs, live, metrics := testManager()
	constructs.err = stderrors.New("disk full")

	err := m.HandleResult(context.Background(), testConstruct(t))
	if !errors.IsType(err, errors.ErrorTypeDatabase) {
		t.Fatalf("HandleResult() error = %v, want database error", err)
	}
	if len(metrics.calls) != 0 || len(live.cache) != 0 {
		t.Error("side effects ran after a failed insert")
	}
}

func TestManager_HandleResult_RedisBestEffort(t *testing.T) {
	m, constructs, live, _ := testManager()
	live.err = stderrors.New("connection refused")

	if err := m.HandleResult(context.Background(), testConstruct(t)); err != nil {
		t.Fatalf("HandleResult() error = %v", err)
	}
	if len(constructs.stored) != 1 {
		t.Error("construct was not stored")
	}
}

func TestManager_HandleStatus(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		event     miner.Event
		metrics   []string
		states    []string
		bests     int
		hashrates int
	}{
		{
			name:      "heartbeat",
			event:     miner.Event{Status: miner.Status{Kind: miner.StatusHeartbeat, RunID: "r", Iterations: 10, Time: now}, Hashrate: 5},
			metrics:   []string{"heartbeat", "hashrate"},
			states:    []string{"mining"},
			hashrates: 1,
		},
		{
			name:    "newhigh",
			event:   miner.Event{Status: miner.Status{Kind: miner.StatusNewHigh, RunID: "r", Work: 7, NonceHex: "2a", Time: now}},
			metrics: []string{"newhigh"},
			bests:   1,
		},
		{
			name:    "complete",
			event:   miner.Event{Status: miner.Status{Kind: miner.StatusComplete, RunID: "r", Time: now}, BestWork: 9},
			metrics: []string{"event:complete"},
			states:  []string{"complete"},
		},
		{
			name:    "error",
			event:   miner.Event{Status: miner.Status{Kind: miner.StatusError, RunID: "r", Message: "boom", Time: now}},
			metrics: []string{"event:error"},
			states:  []string{"error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, live, metrics := testManager()
			m.HandleStatus(context.Background(), tt.event)

			if !reflect.DeepEqual(metrics.calls, tt.metrics) {
				t.Errorf("metrics = %v, want %v", metrics.calls, tt.metrics)
			}
			var states []string
			for _, s := range live.states {
				states = append(states, s.Status)
			}
			if !reflect.DeepEqual(states, tt.states) {
				t.Errorf("states = %v, want %v", states, tt.states)
			}
			if len(live.bests) != tt.bests {
				t.Errorf("bests = %d, want %d", len(live.bests), tt.bests)
			}
			if len(live.hashrates) != tt.hashrates {
				t.Errorf("hashrates = %d, want %d", len(live.hashrates), tt.hashrates)
			}
		})
	}
}
