package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gikenye/minilend-sub000/internal/domain/loan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoanRepository persists loans with their schedule and repayment history
// embedded as JSONB, matching the logical model where both belong to the loan.
type LoanRepository struct {
	pool *pgxpool.Pool
}

func NewLoanRepository(pool *pgxpool.Pool) *LoanRepository {
	return &LoanRepository{pool: pool}
}

const loanColumns = `
id, borrower_address, pool_id, principal, local_currency_amount, local_currency_code,
term_days, interest_rate_bps, status, schedule, history, repaid_amount,
credit_score_at_application, on_chain_tx, created_at, updated_at`

func (r *LoanRepository) Create(ctx context.Context, in loan.CreateInput) (*loan.Entity, error) {
	schedule, err := json.Marshal(in.Schedule)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule: %w", err)
	}
	q := `
INSERT INTO loans (
  id, borrower_address, pool_id, principal, local_currency_amount, local_currency_code,
  term_days, interest_rate_bps, status, schedule, history, repaid_amount,
  credit_score_at_application, on_chain_tx
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'[]'::jsonb,0,$11,$12)
RETURNING ` + loanColumns
	row := r.pool.QueryRow(ctx, q,
		uuid.NewString(), in.BorrowerAddress, in.PoolID, in.Principal, in.LocalCurrencyAmount, in.LocalCurrencyCode,
		in.TermDays, in.InterestRateBPS, in.Status, schedule, in.CreditScoreAtApplication, in.OnChainTX,
	)
	return scanLoan(row)
}

func (r *LoanRepository) GetByID(ctx context.Context, id string) (*loan.Entity, error) {
	q := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	out, err := scanLoan(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loan.ErrNotFound
	}
	return out, err
}

func (r *LoanRepository) ListByBorrower(ctx context.Context, address string, status loan.Status) ([]loan.Entity, error) {
	q := `SELECT ` + loanColumns + ` FROM loans WHERE borrower_address = $1`
	args := []any{address}
	if status != "" {
		q += ` AND status = $2`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]loan.Entity, 0)
	for rows.Next() {
		item, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

func (r *LoanRepository) FindOpenByBorrower(ctx context.Context, address string, status loan.Status) (*loan.Entity, error) {
	q := `SELECT ` + loanColumns + ` FROM loans
WHERE borrower_address = $1 AND status = $2
ORDER BY created_at ASC
LIMIT 1`
	out, err := scanLoan(r.pool.QueryRow(ctx, q, address, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loan.ErrNotFound
	}
	return out, err
}

func (r *LoanRepository) FindByOnChainTX(ctx context.Context, txHash string) (*loan.Entity, error) {
	q := `SELECT ` + loanColumns + ` FROM loans WHERE on_chain_tx = $1 LIMIT 1`
	out, err := scanLoan(r.pool.QueryRow(ctx, q, txHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loan.ErrNotFound
	}
	return out, err
}

func (r *LoanRepository) Save(ctx context.Context, e *loan.Entity) error {
	schedule, err := json.Marshal(e.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	history, err := json.Marshal(e.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	q := `
UPDATE loans
SET status = $2, schedule = $3, history = $4, repaid_amount = $5,
    on_chain_tx = $6, updated_at = NOW()
WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, e.ID, e.Status, schedule, history, e.RepaidAmount, e.OnChainTX)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return loan.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*loan.Entity, error) {
	out := &loan.Entity{}
	var scheduleRaw, historyRaw []byte
	err := row.Scan(
		&out.ID, &out.BorrowerAddress, &out.PoolID, &out.Principal, &out.LocalCurrencyAmount, &out.LocalCurrencyCode,
		&out.TermDays, &out.InterestRateBPS, &out.Status, &scheduleRaw, &historyRaw, &out.RepaidAmount,
		&out.CreditScoreAtApplication, &out.OnChainTX, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(scheduleRaw) > 0 {
		if err := json.Unmarshal(scheduleRaw, &out.Schedule); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
	}
	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &out.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	return out, nil
}
