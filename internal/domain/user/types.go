package user

import (
	"context"
	"time"
)

const DefaultCreditScore = 500

// Entity is keyed by wallet address. CreditScore is always derived by the
// scoring engine, never set directly by a client.
type Entity struct {
	Address     string
	CreditScore int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Repository interface {
	// Upsert creates the user on first sight with the default score.
	Upsert(ctx context.Context, address string) (*Entity, error)
	GetByAddress(ctx context.Context, address string) (*Entity, error)
	SetCreditScore(ctx context.Context, address string, score int) error
}
