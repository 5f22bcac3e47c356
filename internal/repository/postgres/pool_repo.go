package postgres

import (
	"context"
	"errors"

	"github.com/gikenye/minilend-sub000/internal/domain/pool"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PoolRepository struct {
	pool *pgxpool.Pool
}

func NewPoolRepository(pool *pgxpool.Pool) *PoolRepository {
	return &PoolRepository{pool: pool}
}

const poolColumns = `
id, name, token_addr, currency_code, total_funds, available_funds,
min_loan_amount, max_loan_amount, min_term_days, max_term_days,
interest_rate_bps, status, loans_issued, loans_repaid, loans_defaulted,
total_interest_earned, version, created_at, updated_at`

func (r *PoolRepository) List(ctx context.Context) ([]pool.Entity, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+poolColumns+` FROM lending_pools ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]pool.Entity, 0)
	for rows.Next() {
		var item pool.Entity
		if err := rows.Scan(
			&item.ID, &item.Name, &item.TokenAddr, &item.CurrencyCode, &item.TotalFunds, &item.AvailableFunds,
			&item.MinLoanAmount, &item.MaxLoanAmount, &item.MinTermDays, &item.MaxTermDays,
			&item.InterestRateBPS, &item.Status, &item.LoansIssued, &item.LoansRepaid, &item.LoansDefaulted,
			&item.TotalInterestEarned, &item.Version, &item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *PoolRepository) GetByID(ctx context.Context, id string) (*pool.Entity, error) {
	item := &pool.Entity{}
	err := r.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM lending_pools WHERE id = $1`, id).Scan(
		&item.ID, &item.Name, &item.TokenAddr, &item.CurrencyCode, &item.TotalFunds, &item.AvailableFunds,
		&item.MinLoanAmount, &item.MaxLoanAmount, &item.MinTermDays, &item.MaxTermDays,
		&item.InterestRateBPS, &item.Status, &item.LoansIssued, &item.LoansRepaid, &item.LoansDefaulted,
		&item.TotalInterestEarned, &item.Version, &item.CreatedAt, &item.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pool.ErrPoolNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Save is a compare-and-swap on the version column: a row another writer
// updated since the caller's read is never overwritten.
func (r *PoolRepository) Save(ctx context.Context, e *pool.Entity) error {
	q := `
UPDATE lending_pools
SET total_funds = $2, available_funds = $3, status = $4,
    loans_issued = $5, loans_repaid = $6, loans_defaulted = $7,
    total_interest_earned = $8, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $9
RETURNING version`
	err := r.pool.QueryRow(ctx, q,
		e.ID, e.TotalFunds, e.AvailableFunds, e.Status,
		e.LoansIssued, e.LoansRepaid, e.LoansDefaulted, e.TotalInterestEarned,
		e.Version,
	).Scan(&e.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return pool.ErrStalePool
	}
	return err
}
