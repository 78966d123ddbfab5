// Package miner runs the nonce search: a fixed pool of hash workers, each
// owning one batch of the nonce space, driven by a coordinator over typed
// command and status channels.
package miner

import (
	"fmt"
	"time"

	"github.com/bardlex/gocm/internal/nonce"
	"github.com/bardlex/gocm/pkg/errors"
)

// CommandKind identifies a worker command.
type CommandKind int

const (
	// CommandStart begins mining a job. A start received while mining ends
	// the current job as stopped first.
	CommandStart CommandKind = iota
	// CommandStop cancels the current job. Ignored while idle.
	CommandStop
)

func (k CommandKind) String() string {
	switch k {
	case CommandStart:
		return "startmining"
	case CommandStop:
		return "stopmining"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is sent from the coordinator to a single worker.
type Command struct {
	Kind CommandKind
	Job  *Job
}

// Job is the payload of a start command. Buffer is owned by the worker once
// sent; nothing else may touch it.
type Job struct {
	RunID       string
	WorkerIndex int
	CreatedAt   int64
	Buffer      []byte
	NonceStart  int
	NonceEnd    int
	Batch       nonce.Batch
	Target      []byte
	TargetWork  int
}

func (j *Job) validate() error {
	if j == nil {
		return errors.New(errors.ErrorTypeWorker, "validate_job", "start command without job")
	}
	if j.NonceStart < 0 || j.NonceEnd > len(j.Buffer) || j.NonceEnd-j.NonceStart != nonce.HexWidth {
		return errors.Wrap(errors.ErrMalformedRecord, errors.ErrorTypeWorker, "validate_job",
			fmt.Sprintf("nonce range [%d,%d) invalid for %d byte buffer", j.NonceStart, j.NonceEnd, len(j.Buffer)))
	}
	if j.Batch.Start >= j.Batch.End || j.Batch.End > nonce.Max+1 {
		return errors.Wrap(errors.ErrNonceOutOfRange, errors.ErrorTypeWorker, "validate_job",
			fmt.Sprintf("batch [%d,%d) invalid", j.Batch.Start, j.Batch.End))
	}
	return nil
}

// StatusKind identifies a worker status event.
type StatusKind string

const (
	StatusHeartbeat StatusKind = "heartbeat"
	StatusNewHigh   StatusKind = "newhigh"
	StatusComplete  StatusKind = "complete"
	StatusStopped   StatusKind = "stopped"
	StatusExhausted StatusKind = "exhausted"
	StatusError     StatusKind = "error"
)

// Terminal reports whether the status ends the worker's current job.
func (k StatusKind) Terminal() bool {
	switch k {
	case StatusComplete, StatusStopped, StatusExhausted, StatusError:
		return true
	default:
		return false
	}
}

// Status is emitted by a worker. Which fields are set depends on Kind:
// heartbeat carries Iterations and Elapsed, newhigh carries Nonce and Work,
// complete adds Digest, error carries Message.
type Status struct {
	Kind        StatusKind
	RunID       string
	WorkerIndex int
	Iterations  uint64
	Elapsed     time.Duration
	Nonce       uint64
	NonceHex    string
	Digest      []byte
	Work        int
	Message     string
	Time        time.Time
}

// State is the lifecycle position of a worker.
type State int32

const (
	StateIdle State = iota
	StateMining
	StateStopped
	StateCompleted
	StateExhausted
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMining:
		return "mining"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	case StateExhausted:
		return "exhausted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}
