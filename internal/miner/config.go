package miner

import (
	"fmt"
	"runtime"
	"time"

	"github.com/bardlex/gocm/pkg/errors"
)

const (
	// DefaultHeartbeatIterations is the iteration cadence of heartbeats.
	DefaultHeartbeatIterations uint64 = 100_000
	// DefaultHeartbeatInterval is the wall-clock cadence of heartbeats.
	DefaultHeartbeatInterval = time.Second
	// DefaultStatusBuffer sizes each worker's status channel.
	DefaultStatusBuffer = 64
)

// MiningConfig is passed to the coordinator explicitly; the engine keeps no
// process-wide settings.
type MiningConfig struct {
	WorkerCount         int
	HeartbeatIterations uint64
	HeartbeatInterval   time.Duration
	// StopOnComplete broadcasts stop to sibling workers once any worker
	// completes. Errors never stop siblings.
	StopOnComplete bool
	StatusBuffer   int
}

// DefaultMiningConfig returns one worker per CPU with stop-on-complete.
func DefaultMiningConfig() MiningConfig {
	return MiningConfig{
		WorkerCount:         runtime.NumCPU(),
		HeartbeatIterations: DefaultHeartbeatIterations,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		StopOnComplete:      true,
		StatusBuffer:        DefaultStatusBuffer,
	}
}

// Validate checks the configuration.
func (c MiningConfig) Validate() error {
	if c.WorkerCount < 1 {
		return errors.New(errors.ErrorTypeValidation, "mining_config",
			fmt.Sprintf("worker count must be positive, got %d", c.WorkerCount))
	}
	if c.HeartbeatInterval < 0 {
		return errors.New(errors.ErrorTypeValidation, "mining_config", "heartbeat interval cannot be negative")
	}
	if c.StatusBuffer < 0 {
		return errors.New(errors.ErrorTypeValidation, "mining_config", "status buffer cannot be negative")
	}
	return nil
}
