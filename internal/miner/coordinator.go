package miner

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gocm/internal/nonce"
	"github.com/bardlex/gocm/internal/record"
	"github.com/bardlex/gocm/internal/work"
	"github.com/bardlex/gocm/pkg/errors"
	"github.com/bardlex/gocm/pkg/log"
)

// Construct is a finished record whose digest met the target.
type Construct struct {
	ID          string
	RunID       string
	WorkerIndex int
	Nonce       uint64
	// NonceHex is the trimmed form; Record carries the fixed-width one.
	NonceHex   string
	Digest     []byte
	Work       int
	TargetWork int
	Record     record.Record
	Serialized []byte
	MinedAt    time.Time
}

// Event is a worker status as seen by the coordinator, annotated with the
// run-wide figures at the time it was processed.
type Event struct {
	Status
	Pubkey   string
	Hashrate float64
	BestWork int
}

// ResultHandler receives every completed construct.
type ResultHandler interface {
	HandleResult(ctx context.Context, construct *Construct) error
}

// StatusHandler receives every status of the current run.
type StatusHandler interface {
	HandleStatus(ctx context.Context, event Event)
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeStopped    Outcome = "stopped"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeErrored    Outcome = "errored"
	OutcomeSuperseded Outcome = "superseded"
)

// RunSummary describes a finished run.
type RunSummary struct {
	RunID      string
	Outcome    Outcome
	Result     *Construct
	BestWork   int
	Iterations uint64
	Elapsed    time.Duration
	Hashrate   float64
	Errors     []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResultHandler adds a handler for completed constructs.
func WithResultHandler(h ResultHandler) Option {
	return func(c *Coordinator) { c.dispatch.resultHandlers = append(c.dispatch.resultHandlers, h) }
}

// WithStatusHandler adds a handler for run statuses.
func WithStatusHandler(h StatusHandler) Option {
	return func(c *Coordinator) { c.dispatch.statusHandlers = append(c.dispatch.statusHandlers, h) }
}

type run struct {
	id         string
	record     record.Record
	template   *record.Template
	targetHex  string
	targetWork int
	startedAt  time.Time

	iterations []uint64
	elapsed    []time.Duration
	terminal   []StatusKind
	remaining  int

	bestWork      int
	stopRequested bool
	result        *Construct
	errs          []string
	lastRateLog   time.Time

	summary *RunSummary
	done    chan struct{}
}

func (r *run) finished() bool { return r.summary != nil }

func (r *run) hashrate() float64 {
	var total uint64
	var longest time.Duration
	for i := range r.iterations {
		total += r.iterations[i]
		longest = max(longest, r.elapsed[i])
	}
	if longest <= 0 {
		return 0
	}
	return float64(total) / longest.Seconds()
}

// Coordinator owns a fixed pool of workers and runs one mining run at a time.
// Handlers run on a separate goroutine from the status fan-in.
type Coordinator struct {
	config   MiningConfig
	logger   *log.Logger
	workers  []*Worker
	events   chan Status
	dispatch *dispatcher

	mu      sync.Mutex
	current *run
}

// NewCoordinator builds the worker pool. Workers start when Run is called.
func NewCoordinator(config MiningConfig, logger *log.Logger, opts ...Option) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		config:   config,
		logger:   logger.WithComponent("coordinator"),
		events:   make(chan Status, config.WorkerCount*max(config.StatusBuffer, 1)),
		dispatch: newDispatcher(logger.WithComponent("dispatcher")),
	}
	for i := range config.WorkerCount {
		c.workers = append(c.workers, NewWorker(i, config, logger))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Workers returns the worker pool.
func (c *Coordinator) Workers() []*Worker { return c.workers }

// Run starts the workers and processes their statuses until ctx is
// cancelled. It returns after every worker has exited.
func (c *Coordinator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, w := range c.workers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			for s := range w.Statuses() {
				select {
				case c.events <- s:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		c.dispatch.run(ctx)
	}()

	c.logger.Info("coordinator started", "workers", len(c.workers))

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			<-dispatched
			c.mu.Lock()
			if r := c.current; r != nil && !r.finished() {
				c.finalize(r, OutcomeStopped)
			}
			c.mu.Unlock()
			c.logger.Info("coordinator stopped")
			return nil
		case s := <-c.events:
			c.handle(ctx, s)
		}
	}
}

// StartRun serializes r once, splits the nonce space across the pool and
// dispatches one job per worker. A run still in progress is superseded.
// targetWork <= 0 means the target's own leading zero bits.
func (c *Coordinator) StartRun(ctx context.Context, r record.Record, targetHex string, targetWork int) (string, error) {
	target, err := work.ParseTarget(targetHex)
	if err != nil {
		return "", err
	}
	effective := target.Resolve(targetWork)
	if effective > work.MaxWork {
		return "", errors.New(errors.ErrorTypeValidation, "start_run", "target work exceeds digest width").
			WithContext("target_work", effective)
	}

	tmpl, err := record.NewTemplate(r)
	if err != nil {
		return "", err
	}
	// The record must declare the target it is mined against.
	if declared, _ := r.TargetHex(); !strings.EqualFold(declared, targetHex) {
		return "", errors.New(errors.ErrorTypeValidation, "start_run", "target does not match the record's nonce tag").
			WithContext("target_hex", targetHex).
			WithContext("declared_target_hex", declared)
	}
	batches, err := nonce.Allocate(len(c.workers))
	if err != nil {
		return "", err
	}

	n := len(c.workers)
	next := &run{
		id:         uuid.NewString(),
		record:     r,
		template:   tmpl,
		targetHex:  targetHex,
		targetWork: effective,
		startedAt:  time.Now(),
		iterations: make([]uint64, n),
		elapsed:    make([]time.Duration, n),
		terminal:   make([]StatusKind, n),
		remaining:  n,
		bestWork:   -1,
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.current; prev != nil && !prev.finished() {
		c.finalize(prev, OutcomeSuperseded)
	}
	c.current = next

	for i, w := range c.workers {
		buf := tmpl.Clone()
		var fixed nonce.Fixed
		nonce.PutFixed(&fixed, batches[i].Start)
		hex.Encode(buf[tmpl.NonceStart:tmpl.NonceEnd], fixed[:])

		job := &Job{
			RunID:       next.id,
			WorkerIndex: i,
			CreatedAt:   r.CreatedAt,
			Buffer:      buf,
			NonceStart:  tmpl.NonceStart,
			NonceEnd:    tmpl.NonceEnd,
			Batch:       batches[i],
			Target:      target.Bytes,
			TargetWork:  effective,
		}
		if err := w.Send(ctx, Command{Kind: CommandStart, Job: job}); err != nil {
			c.finalize(next, OutcomeStopped)
			return "", errors.Wrap(err, errors.ErrorTypeWorker, "start_run", "failed to dispatch job").
				WithContext("worker_index", i)
		}
	}

	c.logger.LogRunStarted(next.id, r.Pubkey, targetHex, effective, n)
	return next.id, nil
}

// StopRun marks the run inactive and broadcasts stop to every worker. Wait
// returns once each worker has reported its terminal status.
func (c *Coordinator) StopRun(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.current
	if r == nil || r.finished() {
		return nil
	}
	r.stopRequested = true
	c.logger.Info("stopping run", "run_id", r.id)
	return c.broadcastStop(ctx, -1)
}

// broadcastStop sends stop to every worker except skip.
func (c *Coordinator) broadcastStop(ctx context.Context, skip int) error {
	for i, w := range c.workers {
		if i == skip {
			continue
		}
		if err := w.Send(ctx, Command{Kind: CommandStop}); err != nil {
			return errors.Wrap(err, errors.ErrorTypeWorker, "broadcast_stop", "failed to send stop").
				WithContext("worker_index", i)
		}
	}
	return nil
}

// Active reports whether a run is in progress and has not been asked to stop.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.current
	return r != nil && !r.finished() && !r.stopRequested
}

// Hashrate is the sum of the latest iteration counts over the longest
// elapsed time reported in the current run, in hashes per second.
func (c *Coordinator) Hashrate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.hashrate()
}

// Wait blocks until the current run ends and returns its summary.
func (c *Coordinator) Wait(ctx context.Context) (*RunSummary, error) {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()

	if r == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "wait", "no run started")
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "wait", "run did not finish")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return r.summary, nil
}

// handle applies one worker status to the current run.
func (c *Coordinator) handle(ctx context.Context, s Status) {
	c.mu.Lock()
	r := c.current
	if r == nil || s.RunID != r.id || r.finished() {
		c.mu.Unlock()
		c.logger.Debug("dropping stale status", "run_id", s.RunID, "status", string(s.Kind), "worker_index", s.WorkerIndex)
		return
	}

	var completed *Construct
	switch s.Kind {
	case StatusHeartbeat:
		r.iterations[s.WorkerIndex] = s.Iterations
		r.elapsed[s.WorkerIndex] = s.Elapsed
		if time.Since(r.lastRateLog) >= c.config.HeartbeatInterval {
			r.lastRateLog = time.Now()
			var total uint64
			for _, it := range r.iterations {
				total += it
			}
			c.logger.LogHashrate(r.id, total, r.hashrate())
		}

	case StatusNewHigh:
		if s.Work > r.bestWork {
			r.bestWork = s.Work
		}
		c.logger.WithRun(r.id).LogNewHigh(s.WorkerIndex, s.NonceHex, s.Work)

	case StatusComplete:
		if r.result == nil {
			construct, err := c.construct(r, s)
			if err != nil {
				r.errs = append(r.errs, err.Error())
				c.logger.WithError(err).Error("failed to build construct", "run_id", r.id)
			} else {
				r.result = construct
				completed = construct
				c.logger.WithRun(r.id).LogConstructMined(construct.ID, construct.NonceHex, construct.Work, construct.WorkerIndex)
			}
			if s.Work > r.bestWork {
				r.bestWork = s.Work
			}
			if c.config.StopOnComplete {
				if err := c.broadcastStop(ctx, s.WorkerIndex); err != nil {
					c.logger.WithError(err).Warn("failed to stop sibling workers", "run_id", r.id)
				}
			}
		}

	case StatusError:
		r.errs = append(r.errs, s.Message)
		c.logger.WithWorker(s.WorkerIndex).Error("worker reported error", "run_id", r.id, "error", s.Message)

	case StatusStopped, StatusExhausted:
		if s.Iterations > r.iterations[s.WorkerIndex] {
			r.iterations[s.WorkerIndex] = s.Iterations
		}
		if s.Elapsed > r.elapsed[s.WorkerIndex] {
			r.elapsed[s.WorkerIndex] = s.Elapsed
		}
	}

	ended := false
	if s.Kind.Terminal() && r.terminal[s.WorkerIndex] == "" {
		r.terminal[s.WorkerIndex] = s.Kind
		r.remaining--
		if r.remaining == 0 {
			c.summarize(r, c.outcome(r))
			ended = true
		}
	}

	event := Event{Status: s, Pubkey: r.record.Pubkey, Hashrate: r.hashrate(), BestWork: r.bestWork}
	c.mu.Unlock()

	next := &delivery{ctx: log.ContextWithRunID(ctx, r.id), result: completed, event: event}
	// Wait callers are released only after handlers saw the final status.
	if ended {
		next.release = func() { close(r.done) }
	}
	c.dispatch.push(next)
}

// construct rebuilds the finished record from a complete status.
func (c *Coordinator) construct(r *run, s Status) (*Construct, error) {
	fixed, err := nonce.FixedHex(s.Nonce)
	if err != nil {
		return nil, err
	}
	finished, err := r.record.WithNonce(fixed)
	if err != nil {
		return nil, err
	}

	serialized := r.template.Clone()
	copy(serialized[r.template.NonceStart:r.template.NonceEnd], fixed)

	return &Construct{
		ID:          hex.EncodeToString(s.Digest),
		RunID:       r.id,
		WorkerIndex: s.WorkerIndex,
		Nonce:       s.Nonce,
		NonceHex:    s.NonceHex,
		Digest:      s.Digest,
		Work:        s.Work,
		TargetWork:  r.targetWork,
		Record:      finished,
		Serialized:  serialized,
		MinedAt:     s.Time,
	}, nil
}

func (c *Coordinator) outcome(r *run) Outcome {
	if r.result != nil {
		return OutcomeCompleted
	}
	if r.stopRequested {
		return OutcomeStopped
	}
	exhausted, errored := 0, 0
	for _, k := range r.terminal {
		switch k {
		case StatusExhausted:
			exhausted++
		case StatusError:
			errored++
		}
	}
	switch {
	case errored == len(r.terminal):
		return OutcomeErrored
	case exhausted > 0:
		return OutcomeExhausted
	default:
		return OutcomeStopped
	}
}

// finalize summarizes r and releases Wait callers. Caller holds c.mu.
func (c *Coordinator) finalize(r *run, outcome Outcome) {
	c.summarize(r, outcome)
	close(r.done)
}

// summarize records the run summary. Caller holds c.mu.
func (c *Coordinator) summarize(r *run, outcome Outcome) {
	var total uint64
	var longest time.Duration
	for i := range r.iterations {
		total += r.iterations[i]
		longest = max(longest, r.elapsed[i])
	}

	r.summary = &RunSummary{
		RunID:      r.id,
		Outcome:    outcome,
		Result:     r.result,
		BestWork:   r.bestWork,
		Iterations: total,
		Elapsed:    time.Since(r.startedAt),
		Hashrate:   r.hashrate(),
		Errors:     r.errs,
	}

	c.logger.Info("mining run finished",
		"run_id", r.id,
		"outcome", string(outcome),
		"iterations", total,
		"longest_worker_ms", longest.Milliseconds(),
		"best_work", r.bestWork,
	)
	c.logger.WithRun(r.id).LogThroughput("hash", int64(total), longest.Nanoseconds())
}
