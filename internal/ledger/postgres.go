package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists blocks to the audit_ledger table.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Save implements Store. The idx primary key rejects a second block at the
// same position, so two processes sharing a table cannot fork the chain.
func (s *PostgresStore) Save(ctx context.Context, b Block) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_ledger (idx, timestamp, action, data_hash, previous_hash, created_by, nonce, block_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(b.Index), b.Timestamp, b.Action, b.DataHash,
		b.PreviousHash, b.CreatedBy, int64(b.Nonce), b.BlockHash,
	); err != nil {
		return fmt.Errorf("insert ledger block %d: %w", b.Index, err)
	}

	s.logger.Debug("ledger block persisted",
		zap.Uint64("idx", b.Index),
		zap.String("action", b.Action),
	)
	return nil
}

// Load implements Store. O(n) in ledger length.
func (s *PostgresStore) Load(ctx context.Context) ([]Block, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, timestamp, action, data_hash, previous_hash, created_by, nonce, block_hash
		 FROM audit_ledger ORDER BY idx ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var (
			b          Block
			idx, nonce int64
		)
		if err := rows.Scan(
			&idx, &b.Timestamp, &b.Action, &b.DataHash,
			&b.PreviousHash, &b.CreatedBy, &nonce, &b.BlockHash,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		b.Index = uint64(idx)
		b.Nonce = uint64(nonce)
		b.Timestamp = b.Timestamp.UTC()
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return blocks, nil
}

// PostgresIndex persists subject links to the audit_subjects table.
// It implements the SubjectIndex interface.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex creates a PostgresIndex backed by the given connection pool.
func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

// Link implements SubjectIndex.
func (p *PostgresIndex) Link(ctx context.Context, subjectRef string, index uint64) error {
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO audit_subjects (subject_ref, block_idx) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		subjectRef, int64(index),
	); err != nil {
		return fmt.Errorf("link subject %q to block %d: %w", subjectRef, index, err)
	}
	return nil
}

// BlockIndices implements SubjectIndex.
func (p *PostgresIndex) BlockIndices(ctx context.Context, subjectRef string) ([]uint64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT block_idx FROM audit_subjects WHERE subject_ref = $1 ORDER BY block_idx ASC`,
		subjectRef,
	)
	if err != nil {
		return nil, fmt.Errorf("query subject index: %w", err)
	}
	defer rows.Close()

	var indices []uint64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan subject row: %w", err)
		}
		indices = append(indices, uint64(idx))
	}
	return indices, rows.Err()
}
