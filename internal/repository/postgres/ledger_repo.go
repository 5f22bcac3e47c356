package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gikenye/minilend-sub000/internal/domain/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepository stores immutable transaction entries. The unique index on
// transaction_hash is the idempotency backstop for the reconciliation loop.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func (r *LedgerRepository) Insert(ctx context.Context, e ledger.Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	q := `
INSERT INTO transactions (
  transaction_hash, address, type, amount, currency, status, block_number, ts, metadata
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = r.pool.Exec(ctx, q,
		e.TransactionHash, e.Address, e.Type, e.Amount, e.Currency, e.Status, e.BlockNumber, e.Timestamp, meta,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: unique_violation on transaction_hash.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ledger.ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *LedgerRepository) Exists(ctx context.Context, txHash string) (bool, error) {
	var out bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE transaction_hash = $1)`, txHash,
	).Scan(&out)
	return out, err
}

func (r *LedgerRepository) ListByAddress(ctx context.Context, address string) ([]ledger.Entry, error) {
	q := `
SELECT transaction_hash, address, type, amount, currency, status, block_number, ts, metadata
FROM transactions
WHERE address = $1
ORDER BY block_number ASC, transaction_hash ASC`
	rows, err := r.pool.Query(ctx, q, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ledger.Entry, 0)
	for rows.Next() {
		var e ledger.Entry
		var meta []byte
		if err := rows.Scan(
			&e.TransactionHash, &e.Address, &e.Type, &e.Amount, &e.Currency, &e.Status, &e.BlockNumber, &e.Timestamp, &meta,
		); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetCursor reads the reconciliation watermark.
func (r *LedgerRepository) GetCursor(ctx context.Context, key string) (uint64, bool, error) {
	var block int64
	err := r.pool.QueryRow(ctx, `SELECT block_number FROM reconcile_cursor WHERE key = $1`, key).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (r *LedgerRepository) SetCursor(ctx context.Context, key string, blockNumber uint64) error {
	q := `
INSERT INTO reconcile_cursor (key, block_number, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET block_number = EXCLUDED.block_number, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, key, int64(blockNumber))
	return err
}
