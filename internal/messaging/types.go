package messaging

import (
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gocm/internal/miner"
	"github.com/bardlex/gocm/internal/record"
)

// ConstructMessage is a mined construct as handed to the transmission side
type ConstructMessage struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	WorkerIndex int           `json:"worker_index"`
	Nonce       string        `json:"nonce"`
	NonceValue  uint64        `json:"nonce_value"`
	Digest      string        `json:"digest"`
	Work        int           `json:"work"`
	TargetWork  int           `json:"target_work"`
	Record      record.Record `json:"record"`
	Serialized  string        `json:"serialized"`
	MinedAt     time.Time     `json:"mined_at"`
}

// NewConstructMessage builds the wire form of a construct
func NewConstructMessage(c *miner.Construct) *ConstructMessage {
	return &ConstructMessage{
		ID:          c.ID,
		RunID:       c.RunID,
		WorkerIndex: c.WorkerIndex,
		Nonce:       c.NonceHex,
		NonceValue:  c.Nonce,
		Digest:      hex.EncodeToString(c.Digest),
		Work:        c.Work,
		TargetWork:  c.TargetWork,
		Record:      c.Record,
		Serialized:  string(c.Serialized),
		MinedAt:     c.MinedAt,
	}
}

// StatusToProto encodes a run status event as a protobuf Struct. Durations
// are carried in nanoseconds and times as RFC 3339 strings.
func StatusToProto(e miner.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"kind":         string(e.Kind),
		"run_id":       e.RunID,
		"worker_index": e.WorkerIndex,
		"iterations":   float64(e.Iterations),
		"elapsed_ns":   float64(e.Elapsed.Nanoseconds()),
		"nonce":        float64(e.Nonce),
		"nonce_hex":    e.NonceHex,
		"digest":       hex.EncodeToString(e.Digest),
		"work":         e.Work,
		"message":      e.Message,
		"time":         e.Time.UTC().Format(time.RFC3339Nano),
		"pubkey":       e.Pubkey,
		"hashrate":     e.Hashrate,
		"best_work":    e.BestWork,
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}
	return s, nil
}

// ProtoToStatus decodes a status event produced by StatusToProto
func ProtoToStatus(s *structpb.Struct) (miner.Event, error) {
	f := s.GetFields()

	kind := miner.StatusKind(f["kind"].GetStringValue())
	if kind == "" {
		return miner.Event{}, fmt.Errorf("status has no kind")
	}

	digest, err := hex.DecodeString(f["digest"].GetStringValue())
	if err != nil {
		return miner.Event{}, fmt.Errorf("invalid status digest: %w", err)
	}
	if len(digest) == 0 {
		digest = nil
	}

	var at time.Time
	if raw := f["time"].GetStringValue(); raw != "" {
		if at, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return miner.Event{}, fmt.Errorf("invalid status time: %w", err)
		}
	}

	return miner.Event{
		Status: miner.Status{
			Kind:        kind,
			RunID:       f["run_id"].GetStringValue(),
			WorkerIndex: int(f["worker_index"].GetNumberValue()),
			Iterations:  uint64(f["iterations"].GetNumberValue()),
			Elapsed:     time.Duration(f["elapsed_ns"].GetNumberValue()),
			Nonce:       uint64(f["nonce"].GetNumberValue()),
			NonceHex:    f["nonce_hex"].GetStringValue(),
			Digest:      digest,
			Work:        int(f["work"].GetNumberValue()),
			Message:     f["message"].GetStringValue(),
			Time:        at,
		},
		Pubkey:   f["pubkey"].GetStringValue(),
		Hashrate: f["hashrate"].GetNumberValue(),
		BestWork: int(f["best_work"].GetNumberValue()),
	}, nil
}
