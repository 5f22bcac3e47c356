package loan

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaid      Status = "paid"
	StatusDefaulted Status = "defaulted"
	// StatusFailed marks a loan whose on-chain submission never went
	// through; its pool allocation has been released.
	StatusFailed Status = "failed"
)

type ScheduleItemStatus string

const (
	ScheduleItemPending   ScheduleItemStatus = "pending"
	ScheduleItemPaid      ScheduleItemStatus = "paid"
	ScheduleItemDefaulted ScheduleItemStatus = "defaulted"
)

var (
	ErrNotFound          = errors.New("loan not found")
	ErrExceedsLimit      = errors.New("amount exceeds credit limit")
	ErrNotAuthorized     = errors.New("loan belongs to another address")
	ErrNotRepayable      = errors.New("loan is not repayable in its current status")
	ErrOverpayment       = errors.New("amount exceeds outstanding balance")
	ErrInvalidInput      = errors.New("invalid loan input")
	ErrInvalidTransition = errors.New("invalid loan status transition")
)

// ScheduleItem is one installment of an amortized repayment schedule.
// Amount and the two portions are fixed at issuance; PaidAmount and
// PaidPrincipal accumulate across partial repayments until the installment
// is settled in full and marked paid.
type ScheduleItem struct {
	DueDate          time.Time          `json:"due_date"`
	Amount           decimal.Decimal    `json:"amount"`
	PrincipalPortion decimal.Decimal    `json:"principal_portion"`
	InterestPortion  decimal.Decimal    `json:"interest_portion"`
	PaidAmount       decimal.Decimal    `json:"paid_amount"`
	PaidPrincipal    decimal.Decimal    `json:"paid_principal"`
	Status           ScheduleItemStatus `json:"status"`
	SettlementTxHash string             `json:"settlement_tx_hash,omitempty"`
}

// Repayment is one append-only entry in a loan's repayment history.
type Repayment struct {
	Amount    decimal.Decimal `json:"amount"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	TxHash    string          `json:"tx_hash"`
	PaidAt    time.Time       `json:"paid_at"`
}

type Entity struct {
	ID                       string          `json:"id"`
	BorrowerAddress          string          `json:"borrower_address"`
	PoolID                   string          `json:"pool_id"`
	Principal                decimal.Decimal `json:"principal"`
	LocalCurrencyAmount      decimal.Decimal `json:"local_currency_amount"`
	LocalCurrencyCode        string          `json:"local_currency_code"`
	TermDays                 int             `json:"term_days"`
	InterestRateBPS          int32           `json:"interest_rate_bps"`
	Status                   Status          `json:"status"`
	Schedule                 []ScheduleItem  `json:"repayment_schedule"`
	History                  []Repayment     `json:"repayment_history"`
	RepaidAmount             decimal.Decimal `json:"repaid_amount"`
	CreditScoreAtApplication int             `json:"credit_score_at_application"`
	OnChainTX                string          `json:"on_chain_tx,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// TotalScheduledInterest sums the interest portions of the issuance schedule.
func (e *Entity) TotalScheduledInterest() decimal.Decimal {
	total := decimal.Zero
	for _, item := range e.Schedule {
		total = total.Add(item.InterestPortion)
	}
	return total
}

// Outstanding is principal plus scheduled interest minus what was repaid.
func (e *Entity) Outstanding() decimal.Decimal {
	return e.Principal.Add(e.TotalScheduledInterest()).Sub(e.RepaidAmount)
}

// transitionAllowed enforces pending→{active, failed} and
// active→{paid, defaulted}; paid, defaulted and failed are terminal.
func transitionAllowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusFailed
	case StatusActive:
		return to == StatusPaid || to == StatusDefaulted
	default:
		return false
	}
}

type CreateInput struct {
	BorrowerAddress          string
	PoolID                   string
	Principal                decimal.Decimal
	LocalCurrencyAmount      decimal.Decimal
	LocalCurrencyCode        string
	TermDays                 int
	InterestRateBPS          int32
	Status                   Status
	Schedule                 []ScheduleItem
	CreditScoreAtApplication int
	OnChainTX                string
}

type Repository interface {
	Create(ctx context.Context, in CreateInput) (*Entity, error)
	GetByID(ctx context.Context, id string) (*Entity, error)
	ListByBorrower(ctx context.Context, address string, status Status) ([]Entity, error)
	// FindOpenByBorrower returns the oldest loan in the given status for the
	// address, or ErrNotFound.
	FindOpenByBorrower(ctx context.Context, address string, status Status) (*Entity, error)
	// FindByOnChainTX returns the loan bound to a chain transaction hash,
	// or ErrNotFound.
	FindByOnChainTX(ctx context.Context, txHash string) (*Entity, error)
	Save(ctx context.Context, e *Entity) error
}
