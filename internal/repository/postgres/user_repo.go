package postgres

import (
	"context"
	"errors"

	"github.com/gikenye/minilend-sub000/internal/domain/user"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) Upsert(ctx context.Context, address string) (*user.Entity, error) {
	q := `
INSERT INTO users (address, credit_score)
VALUES ($1, $2)
ON CONFLICT (address) DO UPDATE SET updated_at = NOW()
RETURNING address, credit_score, created_at, updated_at`
	out := &user.Entity{}
	err := r.pool.QueryRow(ctx, q, address, user.DefaultCreditScore).Scan(
		&out.Address, &out.CreditScore, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *UserRepository) GetByAddress(ctx context.Context, address string) (*user.Entity, error) {
	out := &user.Entity{}
	err := r.pool.QueryRow(ctx,
		`SELECT address, credit_score, created_at, updated_at FROM users WHERE address = $1`, address,
	).Scan(&out.Address, &out.CreditScore, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New("user not found")
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *UserRepository) SetCreditScore(ctx context.Context, address string, score int) error {
	q := `
INSERT INTO users (address, credit_score)
VALUES ($1, $2)
ON CONFLICT (address) DO UPDATE SET credit_score = EXCLUDED.credit_score, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, address, score)
	return err
}
