package miner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gocm/internal/record"
	"github.com/bardlex/gocm/internal/work"
	gocmErrors "github.com/bardlex/gocm/pkg/errors"
)

type recorder struct {
	mu       sync.Mutex
	results  []*Construct
	statuses []Event
}

func (r *recorder) HandleResult(_ context.Context, c *Construct) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, c)
	return nil
}

func (r *recorder) HandleStatus(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, e)
}

func (r *recorder) count(kind StatusKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.statuses {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func runCoordinator(t *testing.T, config MiningConfig, opts ...Option) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(config, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestNewCoordinator_InvalidConfig(t *testing.T) {
	if _, err := NewCoordinator(MiningConfig{WorkerCount: 0}, testLogger()); !gocmErrors.IsType(err, gocmErrors.ErrorTypeValidation) {
		t.Errorf("NewCoordinator() error = %v, want validation error", err)
	}
}

func TestCoordinator_CompletesRun(t *testing.T) {
	rec := &recorder{}
	c := runCoordinator(t, testConfig(4), WithResultHandler(rec), WithStatusHandler(rec))

	r := record.NewConstruct(testPubkey, 1700000000, "00ff")
	runID, err := c.StartRun(context.Background(), r, "00ff", 8)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if summary.RunID != runID || summary.Outcome != OutcomeCompleted || summary.Result == nil {
		t.Fatalf("summary = %+v", summary)
	}
	if c.Active() {
		t.Error("Active() = true after completion")
	}

	result := summary.Result
	v, err := work.Verify(result.Record)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !v.Valid || v.ID != result.ID || v.Nonce != result.Nonce {
		t.Errorf("Verify() = %+v for result %+v", v, result)
	}
	if fixed, _ := result.Record.Nonce(); len(fixed) != 12 {
		t.Errorf("record nonce %q is not fixed width", fixed)
	}
	if summary.BestWork < 8 {
		t.Errorf("BestWork = %d", summary.BestWork)
	}

	rec.mu.Lock()
	if len(rec.results) != 1 || rec.results[0] != result {
		t.Errorf("result handler saw %d results", len(rec.results))
	}
	rec.mu.Unlock()

	if rec.count(StatusComplete) < 1 || rec.count(StatusStopped)+rec.count(StatusComplete) < 4 {
		t.Errorf("expected siblings to be stopped: complete=%d stopped=%d", rec.count(StatusComplete), rec.count(StatusStopped))
	}
	for _, w := range c.Workers() {
		if s := w.State(); s != StateCompleted && s != StateStopped {
			t.Errorf("worker %d state = %v", w.Index(), s)
		}
	}
}

func TestCoordinator_StopRun(t *testing.T) {
	c := runCoordinator(t, testConfig(3))

	r := record.NewConstruct(testPubkey, 1, "00")
	if _, err := c.StartRun(context.Background(), r, "00", work.MaxWork); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := c.StopRun(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if summary.Outcome != OutcomeStopped || summary.Result != nil {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Iterations == 0 {
		t.Error("summary reports no iterations")
	}
	for _, w := range c.Workers() {
		if w.State() != StateStopped {
			t.Errorf("worker %d state = %v", w.Index(), w.State())
		}
	}
}

func TestCoordinator_SupersededRun(t *testing.T) {
	c := runCoordinator(t, testConfig(2))
	ctx := context.Background()

	first, err := c.StartRun(ctx, record.NewConstruct(testPubkey, 1, "00"), "00", work.MaxWork)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.StartRun(ctx, record.NewConstruct(testPubkey, 2, "00ff"), "00ff", 0)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("run ids are not unique")
	}

	wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	summary, err := c.Wait(wctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.RunID != second || summary.Outcome != OutcomeCompleted || summary.Result.RunID != second {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Result.TargetWork != 8 {
		t.Errorf("TargetWork = %d, want 8 from target bytes", summary.Result.TargetWork)
	}
}

func TestCoordinator_StartRunValidation(t *testing.T) {
	c, err := NewCoordinator(testConfig(1), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := c.StartRun(ctx, record.NewConstruct(testPubkey, 1, "zz"), "zz", 0); !gocmErrors.IsType(err, gocmErrors.ErrorTypeValidation) {
		t.Errorf("bad target error = %v", err)
	}
	if _, err := c.StartRun(ctx, record.NewConstruct(testPubkey, 1, "00"), "00", work.MaxWork+1); !gocmErrors.IsType(err, gocmErrors.ErrorTypeValidation) {
		t.Errorf("oversized target work error = %v", err)
	}
	if _, err := c.StartRun(ctx, record.Record{Pubkey: testPubkey}, "00", 1); !gocmErrors.IsType(err, gocmErrors.ErrorTypeRecord) {
		t.Errorf("record without nonce tag error = %v", err)
	}
	if _, err := c.StartRun(ctx, record.NewConstruct(testPubkey, 1, "00ff"), "0000ff", 0); !gocmErrors.IsType(err, gocmErrors.ErrorTypeValidation) {
		t.Errorf("mismatched target error = %v", err)
	}
	untargeted := record.Record{Pubkey: testPubkey, Kind: record.KindConstruct, Tags: [][]string{{"nonce", "000000000000"}}}
	if _, err := c.StartRun(ctx, untargeted, "00ff", 0); !gocmErrors.IsType(err, gocmErrors.ErrorTypeValidation) {
		t.Errorf("record without target error = %v", err)
	}
	if _, err := c.Wait(ctx); err == nil {
		t.Error("Wait() without a run should fail")
	}
}

// The dispatch policy is exercised without running workers: commands stay
// queued in each worker's channel and statuses are fed in directly.
func TestCoordinator_StatusPolicy(t *testing.T) {
	rec := &recorder{}
	c, err := NewCoordinator(testConfig(3), testLogger(), WithResultHandler(rec), WithStatusHandler(rec))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	runID, err := c.StartRun(ctx, record.NewConstruct(testPubkey, 1, "00ff"), "00ff", 8)
	if err != nil {
		t.Fatal(err)
	}
	queued := func(i int) int { return len(c.workers[i].commands) }

	c.handle(ctx, Status{Kind: StatusHeartbeat, RunID: runID, WorkerIndex: 0, Iterations: 1000, Elapsed: time.Second})
	c.handle(ctx, Status{Kind: StatusHeartbeat, RunID: runID, WorkerIndex: 1, Iterations: 3000, Elapsed: 2 * time.Second})
	if got := c.Hashrate(); got != 2000 {
		t.Errorf("Hashrate() = %v, want 2000", got)
	}

	c.handle(ctx, Status{Kind: StatusHeartbeat, RunID: "stale", WorkerIndex: 2, Iterations: 1 << 40, Elapsed: time.Millisecond})
	if got := c.Hashrate(); got != 2000 {
		t.Errorf("stale heartbeat changed Hashrate() to %v", got)
	}

	c.handle(ctx, Status{Kind: StatusError, RunID: runID, WorkerIndex: 0, Message: "boom"})
	if queued(1) != 1 || queued(2) != 1 || !c.Active() {
		t.Fatalf("error stopped siblings: queued=%d/%d active=%v", queued(1), queued(2), c.Active())
	}

	c.handle(ctx, Status{Kind: StatusComplete, RunID: runID, WorkerIndex: 1, Nonce: 42, NonceHex: "2a", Digest: make([]byte, 32), Work: 256})
	if queued(0) != 2 || queued(2) != 2 || queued(1) != 1 {
		t.Errorf("complete did not stop exactly the siblings: queued=%d/%d/%d", queued(0), queued(1), queued(2))
	}
	c.dispatch.flush()
	if len(rec.results) != 1 || rec.results[0].NonceHex != "2a" {
		t.Fatalf("results = %+v", rec.results)
	}
	if fixed, _ := rec.results[0].Record.Nonce(); fixed != "00000000002a" {
		t.Errorf("construct record nonce = %q", fixed)
	}

	c.handle(ctx, Status{Kind: StatusStopped, RunID: runID, WorkerIndex: 2})
	c.dispatch.flush()
	summary, err := c.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Outcome != OutcomeCompleted || len(summary.Errors) != 1 || summary.BestWork != 256 {
		t.Errorf("summary = %+v", summary)
	}

	c.handle(ctx, Status{Kind: StatusNewHigh, RunID: runID, WorkerIndex: 2, Work: 1})
	c.dispatch.flush()
	if got := rec.count(StatusNewHigh); got != 0 {
		t.Errorf("status after finish reached handlers %d times", got)
	}
}

// gatedHandler blocks every call until its gate is closed.
type gatedHandler struct {
	gate  chan struct{}
	calls atomic.Int64
}

func (g *gatedHandler) HandleStatus(context.Context, Event) {
	g.calls.Add(1)
	<-g.gate
}

func (c *Coordinator) totalIterations() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	if c.current != nil {
		for _, it := range c.current.iterations {
			total += it
		}
	}
	return total
}

func TestCoordinator_SlowHandlerDoesNotThrottleWorkers(t *testing.T) {
	config := testConfig(2)
	config.HeartbeatIterations = 100
	config.StatusBuffer = 2

	handler := &gatedHandler{gate: make(chan struct{})}
	c := runCoordinator(t, config, WithStatusHandler(handler))

	if _, err := c.StartRun(context.Background(), record.NewConstruct(testPubkey, 1, "00"), "00", work.MaxWork); err != nil {
		t.Fatal(err)
	}

	// With the handler stuck, the status buffers hold only a few hundred
	// iterations worth of heartbeats. Workers must keep hashing anyway.
	const want = 200_000
	deadline := time.Now().Add(10 * time.Second)
	for c.totalIterations() < want {
		if time.Now().After(deadline) {
			t.Fatalf("workers stalled behind a blocked handler at %d iterations", c.totalIterations())
		}
		time.Sleep(10 * time.Millisecond)
	}

	queued, merged := c.dispatch.pending()
	if merged == 0 {
		t.Error("pending heartbeats were not merged")
	}
	// One heartbeat per worker plus the newhigh progression stays queued.
	if queued > 64 {
		t.Errorf("%d deliveries queued behind a blocked handler", queued)
	}

	if err := c.StopRun(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(handler.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	summary, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v after %v", err, time.Since(start))
	}
	if summary.Outcome != OutcomeStopped || summary.Iterations < want {
		t.Errorf("summary = %+v", summary)
	}
	if calls := handler.calls.Load(); calls > 128 {
		t.Errorf("handler called %d times, heartbeats should have been merged", calls)
	}
}
