package miner

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bardlex/gocm/internal/nonce"
	"github.com/bardlex/gocm/internal/work"
	"github.com/bardlex/gocm/pkg/log"
)

// commandBuffer bounds queued commands per worker. Workers drain commands at
// every iteration, so only a handful are ever pending.
const commandBuffer = 8

// clockCheckMask limits wall-clock reads in the hot loop to every 256 hashes.
const clockCheckMask = 0xff

// Worker searches one batch at a time. It owns its buffer and batch state
// exclusively while mining and talks to the outside only through its
// command and status channels.
type Worker struct {
	index             int
	commands          chan Command
	statuses          chan Status
	heartbeatIters    uint64
	heartbeatInterval time.Duration
	state             atomic.Int32
	logger            *log.Logger
}

// NewWorker creates an idle worker. config.StatusBuffer sizes its status
// channel.
func NewWorker(index int, config MiningConfig, logger *log.Logger) *Worker {
	iters := config.HeartbeatIterations
	if iters == 0 {
		iters = DefaultHeartbeatIterations
	}
	interval := config.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	return &Worker{
		index:             index,
		commands:          make(chan Command, commandBuffer),
		statuses:          make(chan Status, max(config.StatusBuffer, 1)),
		heartbeatIters:    iters,
		heartbeatInterval: interval,
		logger:            logger.WithWorker(index),
	}
}

// Index returns the worker's position in the pool.
func (w *Worker) Index() int { return w.index }

// State returns the worker's current state. After a job ends the terminal
// state stays visible until the next start command.
func (w *Worker) State() State { return State(w.state.Load()) }

// Statuses returns the channel the worker reports on. It is closed when Run
// returns.
func (w *Worker) Statuses() <-chan Status { return w.statuses }

// Send queues a command for the worker.
func (w *Worker) Send(ctx context.Context, cmd Command) error {
	select {
	case w.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes commands until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.statuses)

	var pending *Command
	for {
		var cmd Command
		if pending != nil {
			cmd, pending = *pending, nil
		} else {
			select {
			case <-ctx.Done():
				return
			case cmd = <-w.commands:
			}
		}

		if cmd.Kind != CommandStart {
			continue
		}
		pending = w.mine(ctx, cmd.Job)
	}
}

// mine runs one job to a terminal state. It returns a start command that
// pre-empted the job, if any.
func (w *Worker) mine(ctx context.Context, job *Job) (next *Command) {
	w.state.Store(int32(StateMining))

	runID := ""
	if job != nil {
		runID = job.RunID
	}
	defer func() {
		if r := recover(); r != nil {
			w.fail(ctx, runID, fmt.Sprintf("worker panic: %v", r))
			next = nil
		}
	}()

	if err := job.validate(); err != nil {
		w.fail(ctx, runID, err.Error())
		return nil
	}
	w.logger.Debug("mining batch", "run_id", job.RunID, "batch_start", job.Batch.Start, "batch_size", job.Batch.Size())

	buf := append([]byte(nil), job.Buffer...)
	field := buf[job.NonceStart:job.NonceEnd]

	var fixed nonce.Fixed
	nonce.PutFixed(&fixed, job.Batch.Start)
	hex.Encode(field, fixed[:])

	current := job.Batch.Start
	best := -1
	var iterations uint64
	started := time.Now()
	lastBeat := started

	for {
		select {
		case cmd := <-w.commands:
			switch cmd.Kind {
			case CommandStop:
				w.finish(ctx, StateStopped, Status{Kind: StatusStopped, RunID: job.RunID, Iterations: iterations})
				return nil
			case CommandStart:
				w.finish(ctx, StateStopped, Status{Kind: StatusStopped, RunID: job.RunID, Iterations: iterations})
				return &cmd
			}
		case <-ctx.Done():
			w.state.Store(int32(StateStopped))
			return nil
		default:
		}

		digest := work.Digest(buf)
		score := work.Score(digest[:])

		if score > best {
			best = score
			if !w.emit(ctx, foundStatus(StatusNewHigh, job.RunID, fixed, score, nil)) {
				w.state.Store(int32(StateStopped))
				return nil
			}
		}

		if score >= job.TargetWork {
			w.finish(ctx, StateCompleted, foundStatus(StatusComplete, job.RunID, fixed, score, append([]byte(nil), digest[:]...)))
			return nil
		}

		iterations++
		beat := iterations%w.heartbeatIters == 0
		if !beat && iterations&clockCheckMask == 0 {
			beat = time.Since(lastBeat) >= w.heartbeatInterval
		}
		if beat {
			now := time.Now()
			lastBeat = now
			if !w.emit(ctx, Status{Kind: StatusHeartbeat, RunID: job.RunID, Iterations: iterations, Elapsed: now.Sub(started)}) {
				w.state.Store(int32(StateStopped))
				return nil
			}
		}

		// Overflow can only follow Max, which is already the last batch end.
		if !job.Batch.Contains(current+1) || nonce.IncrementInPlace(fixed[:], 0, nonce.Width) != nil {
			w.finish(ctx, StateExhausted, Status{Kind: StatusExhausted, RunID: job.RunID, Iterations: iterations, Elapsed: time.Since(started)})
			return nil
		}
		current++
		hex.Encode(field, fixed[:])
	}
}

func foundStatus(kind StatusKind, runID string, fixed nonce.Fixed, score int, digest []byte) Status {
	n := fixed.Number()
	trimmed, _ := nonce.TrimmedHex(n)
	return Status{
		Kind:     kind,
		RunID:    runID,
		Nonce:    n,
		NonceHex: trimmed,
		Work:     score,
		Digest:   digest,
	}
}

func (w *Worker) fail(ctx context.Context, runID, message string) {
	w.logger.Error("worker failed", "run_id", runID, "error", message)
	w.finish(ctx, StateErrored, Status{Kind: StatusError, RunID: runID, Message: message})
}

func (w *Worker) finish(ctx context.Context, state State, s Status) {
	w.state.Store(int32(state))
	w.emit(ctx, s)
}

// emit delivers s unless ctx is cancelled first.
func (w *Worker) emit(ctx context.Context, s Status) bool {
	s.WorkerIndex = w.index
	s.Time = time.Now()
	select {
	case w.statuses <- s:
		return true
	case <-ctx.Done():
		return false
	}
}
