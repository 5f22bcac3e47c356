package loan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gikenye/minilend-sub000/internal/domain/ledger"
	"github.com/gikenye/minilend-sub000/internal/domain/pool"
	"github.com/gikenye/minilend-sub000/internal/domain/score"
	"github.com/gikenye/minilend-sub000/internal/domain/user"
	"github.com/shopspring/decimal"
)

// Scorer produces the credit score for an address. The concrete engine never
// fails; it degrades to a neutral default instead.
type Scorer interface {
	Score(ctx context.Context, address string) score.Result
}

// ChainWriter submits borrow/repay transactions to the pool contract.
type ChainWriter interface {
	Borrow(ctx context.Context, token string, amount decimal.Decimal) (string, error)
	Repay(ctx context.Context, token string, amount decimal.Decimal) (string, error)
}

// RPCResetter pins the RPC cursor back to the primary endpoint before
// user-critical writes.
type RPCResetter interface {
	Reset()
}

type ApplicationInput struct {
	BorrowerAddress     string
	Amount              decimal.Decimal
	TermDays            int
	LocalCurrencyAmount decimal.Decimal
	LocalCurrencyCode   string
}

type RepaymentInput struct {
	LoanID        string
	CallerAddress string
	Amount        decimal.Decimal
}

type Service struct {
	scorer  Scorer
	loans   Repository
	users   user.Repository
	pools   *pool.Ledger
	entries ledger.Repository
	chain   ChainWriter
	rpc     RPCResetter
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(scorer Scorer, loans Repository, users user.Repository, pools *pool.Ledger, entries ledger.Repository, chain ChainWriter, rpc RPCResetter, logger *slog.Logger) *Service {
	return &Service{
		scorer:  scorer,
		loans:   loans,
		users:   users,
		pools:   pools,
		entries: entries,
		chain:   chain,
		rpc:     rpc,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreditScore computes the score and persists the derived value on the user
// record. Persistence failures are logged, not surfaced: the score itself is
// always derived fresh.
func (s *Service) CreditScore(ctx context.Context, address string) score.Result {
	res := s.scorer.Score(ctx, address)
	if s.users != nil && !res.Degraded {
		if err := s.users.SetCreditScore(ctx, normalizeAddress(address), res.Score); err != nil {
			s.logger.Warn("persist credit score failed", "address", address, "err", err)
		}
	}
	return res
}

// LoanLimit returns the current borrowing limit and the score it derives from.
func (s *Service) LoanLimit(ctx context.Context, address string) (decimal.Decimal, score.Result) {
	res := s.CreditScore(ctx, address)
	return Limit(res.Score), res
}

// Apply underwrites and issues a new loan: score, limit check, pool
// selection, funds allocation, schedule generation, then the on-chain borrow.
func (s *Service) Apply(ctx context.Context, in ApplicationInput) (*Entity, error) {
	borrower := normalizeAddress(in.BorrowerAddress)
	if borrower == "" || !in.Amount.IsPositive() || in.TermDays <= 0 {
		return nil, ErrInvalidInput
	}

	res := s.scorer.Score(ctx, borrower)
	limit := Limit(res.Score)
	if in.Amount.GreaterThan(limit) {
		return nil, fmt.Errorf("%w: limit %s", ErrExceedsLimit, limit)
	}

	selected, err := s.allocateFromSuitablePool(ctx, in.Amount, in.TermDays)
	if err != nil {
		return nil, err
	}

	now := s.now()
	schedule, err := Amortize(in.Amount, now, in.TermDays, selected.InterestRateBPS)
	if err != nil {
		s.releaseAllocation(ctx, selected.ID, in.Amount)
		return nil, err
	}

	if s.users != nil {
		if _, err := s.users.Upsert(ctx, borrower); err != nil {
			s.logger.Warn("upsert user failed", "address", borrower, "err", err)
		}
	}

	created, err := s.loans.Create(ctx, CreateInput{
		BorrowerAddress:          borrower,
		PoolID:                   selected.ID,
		Principal:                in.Amount,
		LocalCurrencyAmount:      in.LocalCurrencyAmount,
		LocalCurrencyCode:        strings.ToUpper(strings.TrimSpace(in.LocalCurrencyCode)),
		TermDays:                 in.TermDays,
		InterestRateBPS:          selected.InterestRateBPS,
		Status:                   StatusPending,
		Schedule:                 schedule,
		CreditScoreAtApplication: res.Score,
	})
	if err != nil {
		s.releaseAllocation(ctx, selected.ID, in.Amount)
		return nil, err
	}

	if s.chain != nil {
		if s.rpc != nil {
			s.rpc.Reset()
		}
		txHash, err := s.chain.Borrow(ctx, selected.TokenAddr, in.Amount)
		if err != nil {
			// The reserved funds go back and the loan is parked as failed.
			// If the transaction landed despite the client error, the borrow
			// event recreates the position through MatchBorrowEvent.
			s.logger.Error("on-chain borrow submission failed", "loan_id", created.ID, "err", err)
			s.releaseAllocation(ctx, selected.ID, in.Amount)
			created.Status = StatusFailed
			created.UpdatedAt = s.now()
			if serr := s.loans.Save(ctx, created); serr != nil {
				s.logger.Error("mark failed loan", "loan_id", created.ID, "err", serr)
			}
			return nil, fmt.Errorf("borrow submission: %w", err)
		}
		created.OnChainTX = txHash
		if err := s.loans.Save(ctx, created); err != nil {
			return nil, err
		}
	}

	return created, nil
}

// allocateFromSuitablePool selects and allocates in a retry loop: a pool can
// lose the required funds between selection and allocation when another
// application wins the race, in which case the next suitable pool is tried.
func (s *Service) allocateFromSuitablePool(ctx context.Context, amount decimal.Decimal, termDays int) (*pool.Entity, error) {
	const maxAttempts = 4
	for i := 0; i < maxAttempts; i++ {
		selected, err := s.pools.SelectPool(amount, termDays)
		if err != nil {
			return nil, err
		}
		err = s.pools.Allocate(ctx, selected.ID, amount)
		if err == nil {
			return selected, nil
		}
		if errors.Is(err, pool.ErrInsufficientFunds) || errors.Is(err, pool.ErrPoolNotActive) {
			continue
		}
		return nil, err
	}
	return nil, pool.ErrNoSuitablePool
}

func (s *Service) releaseAllocation(ctx context.Context, poolID string, amount decimal.Decimal) {
	if err := s.pools.ReleaseAllocation(ctx, poolID, amount); err != nil {
		s.logger.Error("release allocation failed", "pool_id", poolID, "err", err)
	}
}

// Repay settles a borrower-initiated repayment: authorization, on-chain
// repay, loan/schedule mutation, pool accounting, and the idempotency entry
// keyed by the transaction hash so the reconciler skips the echoed event.
func (s *Service) Repay(ctx context.Context, in RepaymentInput) (*Entity, *Repayment, error) {
	caller := normalizeAddress(in.CallerAddress)
	if strings.TrimSpace(in.LoanID) == "" || caller == "" {
		return nil, nil, ErrInvalidInput
	}
	if !in.Amount.IsPositive() {
		return nil, nil, ErrInvalidInput
	}

	ln, err := s.loans.GetByID(ctx, in.LoanID)
	if err != nil {
		return nil, nil, err
	}
	if ln.BorrowerAddress != caller {
		return nil, nil, ErrNotAuthorized
	}
	if ln.Status != StatusActive {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotRepayable, ln.Status)
	}
	if in.Amount.GreaterThan(ln.Outstanding()) {
		return nil, nil, ErrOverpayment
	}

	txHash := ""
	if s.chain != nil {
		if s.rpc != nil {
			s.rpc.Reset()
		}
		p, err := s.pools.Snapshot(ln.PoolID)
		if err != nil {
			return nil, nil, err
		}
		txHash, err = s.chain.Repay(ctx, p.TokenAddr, in.Amount)
		if err != nil {
			return nil, nil, fmt.Errorf("repay submission: %w", err)
		}
	}

	rep, err := applyRepayment(ln, in.Amount, txHash, s.now())
	if err != nil {
		return nil, nil, err
	}
	if err := s.pools.Repay(ctx, ln.PoolID, rep.Principal, rep.Interest); err != nil {
		return nil, nil, err
	}
	if err := s.loans.Save(ctx, ln); err != nil {
		return nil, nil, err
	}

	if s.entries != nil && txHash != "" {
		entry := ledger.Entry{
			TransactionHash: strings.ToLower(txHash),
			Address:         caller,
			Type:            ledger.TypeRepay,
			Amount:          in.Amount,
			Currency:        ln.LocalCurrencyCode,
			Status:          ledger.StatusCompleted,
			Timestamp:       s.now(),
			Metadata: ledger.Metadata{
				PoolID:    ln.PoolID,
				LoanID:    ln.ID,
				Principal: rep.Principal,
				Interest:  rep.Interest,
			},
		}
		if err := s.entries.Insert(ctx, entry); err != nil && !errors.Is(err, ledger.ErrDuplicate) {
			s.logger.Warn("record repayment entry failed", "loan_id", ln.ID, "err", err)
		}
	}

	return ln, rep, nil
}

// MatchBorrowEvent reconciles an on-chain LoanCreated event. A pending loan
// for the borrower is activated; with no pending loan (funds borrowed outside
// this service) a new active loan is created against the event's pool.
func (s *Service) MatchBorrowEvent(ctx context.Context, borrower string, amount decimal.Decimal, txHash string, p *pool.Entity) (string, error) {
	borrower = normalizeAddress(borrower)

	// A non-pending loan already bound to this hash means the event was
	// consumed in an earlier cycle.
	if txHash != "" {
		existing, err := s.loans.FindByOnChainTX(ctx, txHash)
		if err == nil && existing.Status != StatusPending {
			return existing.ID, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	pending, err := s.loans.FindOpenByBorrower(ctx, borrower, StatusPending)
	if err == nil && pending.Principal.Equal(amount) {
		pending.Status = StatusActive
		pending.OnChainTX = txHash
		if err := s.loans.Save(ctx, pending); err != nil {
			return "", err
		}
		return pending.ID, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	// Unsolicited borrow: account for it with the pool's own terms.
	if err := s.pools.Allocate(ctx, p.ID, amount); err != nil {
		return "", err
	}
	termDays := p.MinTermDays
	if termDays <= 0 {
		termDays = installmentPeriodDays
	}
	schedule, err := Amortize(amount, s.now(), termDays, p.InterestRateBPS)
	if err != nil {
		s.releaseAllocation(ctx, p.ID, amount)
		return "", err
	}
	created, err := s.loans.Create(ctx, CreateInput{
		BorrowerAddress:          borrower,
		PoolID:                   p.ID,
		Principal:                amount,
		LocalCurrencyAmount:      amount,
		LocalCurrencyCode:        p.CurrencyCode,
		TermDays:                 termDays,
		InterestRateBPS:          p.InterestRateBPS,
		Status:                   StatusActive,
		Schedule:                 schedule,
		CreditScoreAtApplication: user.DefaultCreditScore,
		OnChainTX:                txHash,
	})
	if err != nil {
		s.releaseAllocation(ctx, p.ID, amount)
		return "", err
	}
	return created.ID, nil
}

// SettleRepayment reconciles an on-chain LoanRepaid event into the oldest
// active loan for the borrower. A transaction hash already present in the
// loan's history was settled before; the recorded split is returned and
// nothing is mutated again.
func (s *Service) SettleRepayment(ctx context.Context, borrower string, amount decimal.Decimal, txHash string) (*Entity, *Repayment, error) {
	ln, err := s.loans.FindOpenByBorrower(ctx, normalizeAddress(borrower), StatusActive)
	if err != nil {
		return nil, nil, err
	}
	if txHash != "" {
		for i := range ln.History {
			if ln.History[i].TxHash == txHash {
				rep := ln.History[i]
				return ln, &rep, nil
			}
		}
	}
	rep, err := applyRepayment(ln, amount, txHash, s.now())
	if err != nil {
		return nil, nil, err
	}
	if err := s.pools.Repay(ctx, ln.PoolID, rep.Principal, rep.Interest); err != nil {
		return nil, nil, err
	}
	if err := s.loans.Save(ctx, ln); err != nil {
		return nil, nil, err
	}
	return ln, rep, nil
}

// MarkDefault transitions an active loan to defaulted and books the loss
// against its pool.
func (s *Service) MarkDefault(ctx context.Context, loanID string) error {
	ln, err := s.loans.GetByID(ctx, loanID)
	if err != nil {
		return err
	}
	if !transitionAllowed(ln.Status, StatusDefaulted) {
		return fmt.Errorf("%w: %s -> defaulted", ErrInvalidTransition, ln.Status)
	}
	ln.Status = StatusDefaulted
	for i := range ln.Schedule {
		if ln.Schedule[i].Status == ScheduleItemPending {
			ln.Schedule[i].Status = ScheduleItemDefaulted
		}
	}
	outstanding := ln.Principal.Sub(repaidPrincipal(ln))
	if outstanding.IsNegative() {
		outstanding = decimal.Zero
	}
	if err := s.pools.RecordDefault(ctx, ln.PoolID, outstanding); err != nil {
		return err
	}
	return s.loans.Save(ctx, ln)
}

func (s *Service) GetLoan(ctx context.Context, loanID string) (*Entity, error) {
	return s.loans.GetByID(ctx, loanID)
}

func (s *Service) ListByBorrower(ctx context.Context, address string, status Status) ([]Entity, error) {
	return s.loans.ListByBorrower(ctx, normalizeAddress(address), status)
}

// applyRepayment mutates the loan for a repayment of the given amount:
// walks pending installments oldest-first, accumulating each one's paid
// amount until it is covered in full and marked paid. A partial remainder
// is split in the ratio of the installment's unpaid principal to its unpaid
// balance; on completion the installment's exact principal remainder is
// taken, so the principal credited across all repayments of a settled loan
// sums to the principal lent. The loan is promoted to paid when the full
// scheduled balance is settled.
func applyRepayment(ln *Entity, amount decimal.Decimal, txHash string, now time.Time) (*Repayment, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidInput
	}
	if amount.GreaterThan(ln.Outstanding()) {
		return nil, ErrOverpayment
	}

	remaining := amount
	principalPaid := decimal.Zero
	interestPaid := decimal.Zero

	for i := range ln.Schedule {
		if !remaining.IsPositive() {
			break
		}
		item := &ln.Schedule[i]
		if item.Status != ScheduleItemPending {
			continue
		}
		due := item.Amount.Sub(item.PaidAmount)
		if !due.IsPositive() {
			continue
		}
		if remaining.GreaterThanOrEqual(due) {
			partPrincipal := item.PrincipalPortion.Sub(item.PaidPrincipal)
			principalPaid = principalPaid.Add(partPrincipal)
			interestPaid = interestPaid.Add(due.Sub(partPrincipal))
			item.PaidAmount = item.Amount
			item.PaidPrincipal = item.PrincipalPortion
			item.Status = ScheduleItemPaid
			item.SettlementTxHash = txHash
			remaining = remaining.Sub(due)
			continue
		}

		principalLeft := item.PrincipalPortion.Sub(item.PaidPrincipal)
		partPrincipal := remaining.Mul(principalLeft.Div(due)).Round(amountPrecision)
		if partPrincipal.GreaterThan(principalLeft) {
			partPrincipal = principalLeft
		}
		if partPrincipal.GreaterThan(remaining) {
			partPrincipal = remaining
		}
		principalPaid = principalPaid.Add(partPrincipal)
		interestPaid = interestPaid.Add(remaining.Sub(partPrincipal))
		item.PaidAmount = item.PaidAmount.Add(remaining)
		item.PaidPrincipal = item.PaidPrincipal.Add(partPrincipal)
		remaining = decimal.Zero
		break
	}

	rep := &Repayment{
		Amount:    amount,
		Principal: principalPaid,
		Interest:  interestPaid,
		TxHash:    txHash,
		PaidAt:    now,
	}
	ln.History = append(ln.History, *rep)
	ln.RepaidAmount = ln.RepaidAmount.Add(amount)
	ln.UpdatedAt = now

	if ln.RepaidAmount.GreaterThanOrEqual(ln.Principal.Add(ln.TotalScheduledInterest())) {
		if transitionAllowed(ln.Status, StatusPaid) {
			ln.Status = StatusPaid
		}
	}
	return rep, nil
}

func repaidPrincipal(ln *Entity) decimal.Decimal {
	total := decimal.Zero
	for _, rep := range ln.History {
		total = total.Add(rep.Principal)
	}
	return total
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
