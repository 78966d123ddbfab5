// Package control implements the miner's start/stop control plane over ZMQ.
// Clients PUSH two-part messages (topic, JSON payload) to the daemon's PULL
// socket.
package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bardlex/gocm/internal/record"
	"github.com/bardlex/gocm/internal/work"
	"github.com/bardlex/gocm/pkg/errors"
)

// Message topics
const (
	TopicStartRun = "startrun"
	TopicStopRun  = "stoprun"
)

// StartRequest asks the daemon to begin mining. Zero fields fall back to the
// daemon's configured defaults.
type StartRequest struct {
	Pubkey     string `json:"pubkey,omitempty"`
	TargetHex  string `json:"target_hex,omitempty"`
	TargetWork int    `json:"target_work,omitempty"`
	CreatedAt  int64  `json:"created_at,omitempty"`
}

// Validate checks the fields that are set.
func (r *StartRequest) Validate() error {
	if r.Pubkey != "" {
		pubkey, err := record.ParsePubkey(r.Pubkey)
		if err != nil {
			return err
		}
		r.Pubkey = pubkey
	}
	if r.TargetHex != "" {
		if _, err := work.ParseTarget(r.TargetHex); err != nil {
			return err
		}
	}
	if r.TargetWork < 0 || r.TargetWork > work.MaxWork {
		return errors.New(errors.ErrorTypeValidation, "start_request",
			fmt.Sprintf("target_work must be between 0 and %d", work.MaxWork)).
			WithContext("target_work", r.TargetWork)
	}
	if r.CreatedAt < 0 {
		return errors.New(errors.ErrorTypeValidation, "start_request", "created_at cannot be negative")
	}
	return nil
}

// Controller is driven by control messages.
type Controller interface {
	StartRun(ctx context.Context, req StartRequest) (string, error)
	StopRun(ctx context.Context) error
}

// Dispatch decodes one multipart control message and applies it to c. It
// returns the run id for startrun.
func Dispatch(ctx context.Context, c Controller, parts [][]byte) (string, error) {
	if len(parts) == 0 {
		return "", errors.New(errors.ErrorTypeValidation, "control_dispatch", "empty control message")
	}

	topic := string(parts[0])
	switch topic {
	case TopicStartRun:
		var req StartRequest
		if len(parts) > 1 && len(parts[1]) > 0 {
			if err := json.Unmarshal(parts[1], &req); err != nil {
				return "", errors.Wrap(err, errors.ErrorTypeValidation, "control_dispatch",
					"invalid startrun payload")
			}
		}
		if err := req.Validate(); err != nil {
			return "", err
		}
		return c.StartRun(ctx, req)

	case TopicStopRun:
		return "", c.StopRun(ctx)

	default:
		return "", errors.New(errors.ErrorTypeValidation, "control_dispatch", "unknown control topic").
			WithContext("topic", topic)
	}
}
