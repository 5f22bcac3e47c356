package pool

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDepleted Status = "depleted"
)

// Entity is a shared lending pool. AvailableFunds never exceeds TotalFunds
// and never goes negative; both are enforced by the Ledger before any write.
type Entity struct {
	ID                  string
	Name                string
	TokenAddr           string
	CurrencyCode        string
	TotalFunds          decimal.Decimal
	AvailableFunds      decimal.Decimal
	MinLoanAmount       decimal.Decimal
	MaxLoanAmount       decimal.Decimal
	MinTermDays         int
	MaxTermDays         int
	InterestRateBPS     int32
	Status              Status
	LoansIssued         int64
	LoansRepaid         int64
	LoansDefaulted      int64
	TotalInterestEarned decimal.Decimal
	// Version is the optimistic-lock counter on the durable row. Save must
	// match it exactly and bumps it on success.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusSummary is the aggregate view exposed on the pool-status endpoint.
type StatusSummary struct {
	PoolID              string          `json:"pool_id"`
	Name                string          `json:"name"`
	CurrencyCode        string          `json:"currency_code"`
	Status              Status          `json:"status"`
	TotalFunds          decimal.Decimal `json:"total_funds"`
	AvailableFunds      decimal.Decimal `json:"available_funds"`
	UtilizationPercent  float64         `json:"utilization_percent"`
	LoansIssued         int64           `json:"loans_issued"`
	LoansRepaid         int64           `json:"loans_repaid"`
	LoansDefaulted      int64           `json:"loans_defaulted"`
	DefaultRatePercent  float64         `json:"default_rate_percent"`
	TotalInterestEarned decimal.Decimal `json:"total_interest_earned"`
}

type Repository interface {
	List(ctx context.Context) ([]Entity, error)
	GetByID(ctx context.Context, id string) (*Entity, error)
	// Save writes the row only when e.Version still matches the stored
	// version, returning ErrStalePool otherwise.
	Save(ctx context.Context, e *Entity) error
}
