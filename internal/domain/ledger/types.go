package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeDeposit  Type = "deposit"
	TypeWithdraw Type = "withdraw"
	TypeBorrow   Type = "borrow"
	TypeRepay    Type = "repay"
)

type EntryStatus string

const (
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
)

// ErrDuplicate signals that a transaction hash has already been recorded.
// The reconciliation loop treats it as a detected no-op, never an error.
var ErrDuplicate = errors.New("transaction already recorded")

// Entry is an immutable off-chain record of one on-chain event. The
// transaction hash is the natural idempotency key; status is fixed at
// creation and the row is never mutated afterwards.
type Entry struct {
	TransactionHash string          `json:"transaction_hash"`
	Address         string          `json:"address"`
	Type            Type            `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Status          EntryStatus     `json:"status"`
	BlockNumber     uint64          `json:"block_number"`
	Timestamp       time.Time       `json:"timestamp"`
	Metadata        Metadata        `json:"metadata"`
}

// Metadata carries the pool reference and, for repayments, the
// principal/interest split.
type Metadata struct {
	PoolID    string          `json:"pool_id,omitempty"`
	LoanID    string          `json:"loan_id,omitempty"`
	Principal decimal.Decimal `json:"principal,omitempty"`
	Interest  decimal.Decimal `json:"interest,omitempty"`
}

type Repository interface {
	// Insert records the entry exactly once, returning ErrDuplicate when the
	// transaction hash already exists.
	Insert(ctx context.Context, e Entry) error
	// Exists reports whether a transaction hash has been recorded.
	Exists(ctx context.Context, txHash string) (bool, error)
	// ListByAddress returns entries in chain order (ascending block number).
	ListByAddress(ctx context.Context, address string) ([]Entry, error)
}
