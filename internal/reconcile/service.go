// Package reconcile drives authoritative on-chain events into the off-chain
// ledger. Every event becomes exactly one transaction entry keyed by its
// transaction hash; replays after a crash or restart are detected no-ops.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gikenye/minilend-sub000/internal/blockchain"
	"github.com/gikenye/minilend-sub000/internal/domain/ledger"
	"github.com/gikenye/minilend-sub000/internal/domain/loan"
	"github.com/gikenye/minilend-sub000/internal/domain/pool"
	"github.com/shopspring/decimal"
)

const watermarkKey = "reconcile.pool_events.last_block"

// ChainSource is the slice of the chain surface the reconciler needs.
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Events(ctx context.Context, fromBlock, toBlock uint64) ([]blockchain.Event, error)
}

// CursorStore persists the reconciliation watermark.
type CursorStore interface {
	GetCursor(ctx context.Context, key string) (uint64, bool, error)
	SetCursor(ctx context.Context, key string, blockNumber uint64) error
}

// LoanReconciler is the loan-side reaction to borrow and repay events.
// Both operations replay safely for a transaction hash they already
// consumed.
type LoanReconciler interface {
	MatchBorrowEvent(ctx context.Context, borrower string, amount decimal.Decimal, txHash string, p *pool.Entity) (string, error)
	SettleRepayment(ctx context.Context, borrower string, amount decimal.Decimal, txHash string) (*loan.Entity, *loan.Repayment, error)
}

type Service struct {
	chain   ChainSource
	cursors CursorStore
	entries ledger.Repository
	pools   *pool.Ledger
	loans   LoanReconciler
	logger  *slog.Logger

	startBlock    uint64
	blockBatch    uint64
	confirmations uint64
	now           func() time.Time
}

func NewService(chain ChainSource, cursors CursorStore, entries ledger.Repository, pools *pool.Ledger, loans LoanReconciler, logger *slog.Logger, startBlock, blockBatch, confirmations uint64) *Service {
	if blockBatch == 0 {
		blockBatch = 500
	}
	return &Service{
		chain:         chain,
		cursors:       cursors,
		entries:       entries,
		pools:         pools,
		loans:         loans,
		logger:        logger,
		startBlock:    startBlock,
		blockBatch:    blockBatch,
		confirmations: confirmations,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one polling cycle: fetch all events above the watermark up
// to the confirmed head (bounded batch), apply them in chain order, then
// advance the watermark. The watermark moves only after the whole batch
// applied; recorded entries make reprocessing a re-observed range safe.
func (s *Service) RunOnce(ctx context.Context) error {
	latest, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if latest < s.confirmations {
		return nil
	}
	safeHead := latest - s.confirmations

	last, ok, err := s.cursors.GetCursor(ctx, watermarkKey)
	if err != nil {
		return err
	}
	var fromBlock uint64
	if ok {
		fromBlock = last + 1
	} else {
		fromBlock = s.startBlock
	}
	if fromBlock > safeHead {
		return nil
	}

	toBlock := safeHead
	if max := fromBlock + s.blockBatch - 1; toBlock > max {
		toBlock = max
	}

	events, err := s.chain.Events(ctx, fromBlock, toBlock)
	if err != nil {
		return err
	}

	// Loan transitions depend on repayments being applied after their borrow.
	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})

	for _, ev := range events {
		if err := s.apply(ctx, ev); err != nil {
			return fmt.Errorf("apply %s %s: %w", ev.Kind, ev.TransactionHash, err)
		}
	}

	return s.cursors.SetCursor(ctx, watermarkKey, toBlock)
}

// apply converts one event into its accounting mutation and ledger entry.
// A recorded entry means the event was fully handled in an earlier cycle
// (or by the borrower-initiated repayment path) and the whole event is
// skipped. The entry is written only after the mutation succeeded, so a
// failed mutation stalls the watermark and the next cycle retries it
// instead of losing it.
func (s *Service) apply(ctx context.Context, ev blockchain.Event) error {
	p, err := s.pools.FindByToken(ev.Token)
	if err != nil {
		s.logger.Warn("event for unknown pool token skipped", "token", ev.Token, "tx", ev.TransactionHash)
		return nil
	}

	seen, err := s.entries.Exists(ctx, ev.TransactionHash)
	if err != nil {
		return err
	}
	if seen {
		s.logger.Debug("duplicate event skipped", "tx", ev.TransactionHash)
		return nil
	}

	entry := ledger.Entry{
		TransactionHash: ev.TransactionHash,
		Address:         ev.User,
		Amount:          ev.Amount,
		Currency:        p.CurrencyCode,
		Status:          ledger.StatusCompleted,
		BlockNumber:     ev.BlockNumber,
		Timestamp:       eventTime(ev, s.now()),
		Metadata:        ledger.Metadata{PoolID: p.ID},
	}

	switch ev.Kind {
	case blockchain.EventDeposit:
		entry.Type = ledger.TypeDeposit
		if err := s.pools.Contribute(ctx, p.ID, ev.Amount); err != nil {
			return err
		}
		return s.record(ctx, entry, func() error { return s.pools.Withdraw(ctx, p.ID, ev.Amount) })

	case blockchain.EventWithdraw:
		entry.Type = ledger.TypeWithdraw
		if err := s.pools.Withdraw(ctx, p.ID, ev.Amount); err != nil {
			return err
		}
		return s.record(ctx, entry, func() error { return s.pools.Contribute(ctx, p.ID, ev.Amount) })

	case blockchain.EventLoanCreated:
		entry.Type = ledger.TypeBorrow
		loanID, err := s.loans.MatchBorrowEvent(ctx, ev.User, ev.Amount, ev.TransactionHash, p)
		if err != nil {
			return err
		}
		entry.Metadata.LoanID = loanID
		if err := s.record(ctx, entry, nil); err != nil {
			return err
		}
		s.logger.Info("borrow reconciled", "loan_id", loanID, "tx", ev.TransactionHash)
		return nil

	case blockchain.EventLoanRepaid:
		entry.Type = ledger.TypeRepay
		ln, rep, err := s.loans.SettleRepayment(ctx, ev.User, ev.Amount, ev.TransactionHash)
		if err != nil {
			if errors.Is(err, loan.ErrNotFound) {
				s.logger.Warn("repayment with no open loan", "address", ev.User, "tx", ev.TransactionHash)
				return s.record(ctx, entry, nil)
			}
			return err
		}
		entry.Metadata.LoanID = ln.ID
		entry.Metadata.Principal = rep.Principal
		entry.Metadata.Interest = rep.Interest
		if err := s.record(ctx, entry, nil); err != nil {
			return err
		}
		s.logger.Info("repayment reconciled", "loan_id", ln.ID, "status", ln.Status, "tx", ev.TransactionHash)
		return nil

	default:
		return nil
	}
}

// record inserts the entry after its mutation applied. A duplicate hash is
// another writer recording the same transaction first; the entry already
// exists, so nothing is lost. Loan mutations replay safely by hash, but a
// pool fund mutation would double on retry, so those pass a revert that
// undoes the fund movement when the insert fails.
func (s *Service) record(ctx context.Context, entry ledger.Entry, revert func() error) error {
	err := s.entries.Insert(ctx, entry)
	if err == nil || errors.Is(err, ledger.ErrDuplicate) {
		return nil
	}
	if revert != nil {
		if rerr := revert(); rerr != nil {
			s.logger.Error("revert pool mutation after failed entry insert",
				"tx", entry.TransactionHash, "err", rerr)
		}
	}
	return err
}

func eventTime(ev blockchain.Event, fallback time.Time) time.Time {
	if ev.Timestamp > 0 {
		return time.Unix(ev.Timestamp, 0).UTC()
	}
	return fallback
}
