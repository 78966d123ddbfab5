package postgres

import (
	"time"
)

// Construct represents a mined record as stored
type Construct struct {
	ID          string     `db:"id"`
	RunID       string     `db:"run_id"`
	Pubkey      string     `db:"pubkey"`
	Kind        int        `db:"kind"`
	CreatedAt   int64      `db:"created_at"`
	Nonce       string     `db:"nonce"` // trimmed hex
	NonceValue  int64      `db:"nonce_value"`
	TargetHex   string     `db:"target_hex"`
	Work        int        `db:"work"`
	TargetWork  int        `db:"target_work"`
	WorkerIndex int        `db:"worker_index"`
	Tags        [][]string `db:"tags"`
	Serialized  string     `db:"serialized"`
	MinedAt     time.Time  `db:"mined_at"`
}

// PubkeyStats represents aggregated construct statistics for one key
type PubkeyStats struct {
	Pubkey   string     `db:"pubkey"`
	Count    int64      `db:"count"`
	BestWork int        `db:"best_work"`
	LastAt   *time.Time `db:"last_at"`
}
