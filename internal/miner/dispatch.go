package miner

import (
	"context"
	"sync"

	"github.com/bardlex/gocm/pkg/log"
)

// delivery is one status, and possibly one finished construct, waiting for
// the handlers. release runs after the handlers have seen it.
type delivery struct {
	ctx     context.Context
	result  *Construct
	event   Event
	release func()
}

type heartbeatKey struct {
	runID  string
	worker int
}

// dispatcher runs result and status handlers on their own goroutine so that
// slow sinks never hold up the status fan-in or the workers behind it.
// Only the newest pending heartbeat of each worker is kept; every other
// status is delivered in order.
type dispatcher struct {
	resultHandlers []ResultHandler
	statusHandlers []StatusHandler
	logger         *log.Logger

	mu         sync.Mutex
	queue      []*delivery
	heartbeats map[heartbeatKey]*delivery
	merged     uint64
	wake       chan struct{}
}

func newDispatcher(logger *log.Logger) *dispatcher {
	return &dispatcher{
		logger:     logger,
		heartbeats: make(map[heartbeatKey]*delivery),
		wake:       make(chan struct{}, 1),
	}
}

// push queues d without blocking.
func (d *dispatcher) push(next *delivery) {
	d.mu.Lock()
	if next.event.Kind == StatusHeartbeat {
		key := heartbeatKey{runID: next.event.RunID, worker: next.event.WorkerIndex}
		if pending, ok := d.heartbeats[key]; ok {
			pending.ctx = next.ctx
			pending.event = next.event
			d.merged++
			d.mu.Unlock()
			return
		}
		d.heartbeats[key] = next
	}
	d.queue = append(d.queue, next)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) pop() *delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	next := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	if next.event.Kind == StatusHeartbeat {
		key := heartbeatKey{runID: next.event.RunID, worker: next.event.WorkerIndex}
		if d.heartbeats[key] == next {
			delete(d.heartbeats, key)
		}
	}
	return next
}

// pending reports the number of queued deliveries and how many heartbeats
// were merged into a queued one so far.
func (d *dispatcher) pending() (int, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue), d.merged
}

// run delivers queued statuses until ctx is cancelled. What is still queued
// then is released without reaching the handlers.
func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			skipped := 0
			for next := d.pop(); next != nil; next = d.pop() {
				skipped++
				if next.release != nil {
					next.release()
				}
			}
			if skipped > 0 {
				d.logger.Warn("statuses not delivered at shutdown", "count", skipped)
			}
			return
		case <-d.wake:
			d.flush()
		}
	}
}

// flush delivers everything queued so far.
func (d *dispatcher) flush() {
	for next := d.pop(); next != nil; next = d.pop() {
		d.deliver(next)
	}
}

func (d *dispatcher) deliver(next *delivery) {
	if next.result != nil {
		for _, h := range d.resultHandlers {
			if err := h.HandleResult(next.ctx, next.result); err != nil {
				d.logger.WithContext(next.ctx).WithError(err).Error("result handler failed", "construct_id", next.result.ID)
			}
		}
	}
	for _, h := range d.statusHandlers {
		h.HandleStatus(next.ctx, next.event)
	}
	if next.release != nil {
		next.release()
	}
}
