package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

var (
	// ErrConstructExists is returned when a construct with the same id is already stored.
	ErrConstructExists = errors.New("construct already stored")
	// ErrConstructNotFound is returned when no construct matches the id.
	ErrConstructNotFound = errors.New("construct not found")
)

// ConstructRepository handles construct-related database operations
type ConstructRepository struct {
	db *sql.DB
}

// NewConstructRepository creates a new construct repository
func NewConstructRepository(db *sql.DB) *ConstructRepository {
	return &ConstructRepository{db: db}
}

// CreateConstruct stores a mined construct. The id is the record digest, so
// storing the same construct twice returns ErrConstructExists.
func (r *ConstructRepository) CreateConstruct(ctx context.Context, c *Construct) error {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	query := `
		INSERT INTO constructs (id, run_id, pubkey, kind, created_at, nonce, nonce_value, target_hex,
		                        work, target_work, worker_index, tags, serialized, mined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.db.ExecContext(ctx, query,
		c.ID, c.RunID, c.Pubkey, c.Kind, c.CreatedAt, c.Nonce, c.NonceValue, c.TargetHex,
		c.Work, c.TargetWork, c.WorkerIndex, tags, c.Serialized, c.MinedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConstructExists
		}
		return fmt.Errorf("failed to create construct: %w", err)
	}

	return nil
}

// GetConstruct retrieves a construct by its id
func (r *ConstructRepository) GetConstruct(ctx context.Context, id string) (*Construct, error) {
	query := `
		SELECT id, run_id, pubkey, kind, created_at, nonce, nonce_value, target_hex,
		       work, target_work, worker_index, tags, serialized, mined_at
		FROM constructs WHERE id = $1`

	c, err := scanConstruct(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConstructNotFound
		}
		return nil, fmt.Errorf("failed to get construct: %w", err)
	}

	return c, nil
}

// ListConstructsByPubkey retrieves constructs mined for a key, newest first
func (r *ConstructRepository) ListConstructsByPubkey(ctx context.Context, pubkey string, limit, offset int) ([]*Construct, error) {
	query := `
		SELECT id, run_id, pubkey, kind, created_at, nonce, nonce_value, target_hex,
		       work, target_work, worker_index, tags, serialized, mined_at
		FROM constructs
		WHERE pubkey = $1
		ORDER BY mined_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, pubkey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query constructs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var constructs []*Construct
	for rows.Next() {
		c, err := scanConstruct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan construct: %w", err)
		}
		constructs = append(constructs, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating constructs: %w", err)
	}

	return constructs, nil
}

// GetPubkeyStats aggregates the constructs stored for a key
func (r *ConstructRepository) GetPubkeyStats(ctx context.Context, pubkey string) (*PubkeyStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(MAX(work), 0), MAX(mined_at)
		FROM constructs WHERE pubkey = $1`

	stats := &PubkeyStats{Pubkey: pubkey}
	if err := r.db.QueryRowContext(ctx, query, pubkey).Scan(&stats.Count, &stats.BestWork, &stats.LastAt); err != nil {
		return nil, fmt.Errorf("failed to get pubkey stats: %w", err)
	}

	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConstruct(row scanner) (*Construct, error) {
	c := &Construct{}
	var tags []byte
	err := row.Scan(
		&c.ID, &c.RunID, &c.Pubkey, &c.Kind, &c.CreatedAt, &c.Nonce, &c.NonceValue, &c.TargetHex,
		&c.Work, &c.TargetWork, &c.WorkerIndex, &tags, &c.Serialized, &c.MinedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tags, &c.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
