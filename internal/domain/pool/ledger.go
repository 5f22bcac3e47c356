package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrPoolNotFound      = errors.New("pool not found")
	ErrPoolNotActive     = errors.New("pool is not active")
	ErrInsufficientFunds = errors.New("insufficient pool funds")
	ErrAmountOutOfBounds = errors.New("amount outside pool loan bounds")
	ErrTermOutOfBounds   = errors.New("term outside pool bounds")
	ErrNoSuitablePool    = errors.New("no suitable pool")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrStalePool         = errors.New("pool row changed since read")
)

// depletionThreshold is the default-rate circuit breaker: once defaults exceed
// 20% of issued loans the pool is taken out of rotation permanently.
// Reactivation is an administrative action outside this service.
var depletionThreshold = decimal.NewFromFloat(0.20)

type entry struct {
	mu   sync.Mutex
	pool *Entity
}

// Ledger serializes pool fund accounting. Every mutation runs inside the
// target pool's critical section so two concurrent allocations in this
// process cannot both pass the funds check before either decrements, and
// each mutation re-reads the durable row and saves it with a version
// compare-and-swap so a writer in another process cannot be overwritten
// with stale totals. The in-memory state is a read cache for selection and
// status; a failed save rolls the cached mutation back.
type Ledger struct {
	repo Repository

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, entries: make(map[string]*entry)}
}

// Load replaces the in-memory state from the repository.
func (l *Ledger) Load(ctx context.Context) error {
	pools, err := l.repo.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].CreatedAt.Before(pools[j].CreatedAt) })

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry, len(pools))
	l.order = make([]string, 0, len(pools))
	for i := range pools {
		p := pools[i]
		l.entries[p.ID] = &entry{pool: &p}
		l.order = append(l.order, p.ID)
	}
	return nil
}

func (l *Ledger) get(poolID string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[poolID]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrPoolNotFound
	}
	return e, nil
}

// Snapshot returns a copy of a single pool's current state.
func (l *Ledger) Snapshot(poolID string) (*Entity, error) {
	e, err := l.get(poolID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.pool
	return &cp, nil
}

// SelectPool returns the first active pool, in creation order, whose funds
// and bounds accommodate the requested amount and term.
func (l *Ledger) SelectPool(amount decimal.Decimal, termDays int) (*Entity, error) {
	l.mu.RLock()
	ids := append([]string(nil), l.order...)
	l.mu.RUnlock()

	for _, id := range ids {
		e, err := l.get(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		p := e.pool
		ok := p.Status == StatusActive &&
			p.AvailableFunds.GreaterThanOrEqual(amount) &&
			amount.GreaterThanOrEqual(p.MinLoanAmount) &&
			amount.LessThanOrEqual(p.MaxLoanAmount) &&
			termDays >= p.MinTermDays &&
			termDays <= p.MaxTermDays
		var cp Entity
		if ok {
			cp = *p
		}
		e.mu.Unlock()
		if ok {
			return &cp, nil
		}
	}
	return nil, ErrNoSuitablePool
}

// Allocate reserves funds for a new loan. Validation and mutation happen
// atomically with respect to other mutations on the same pool.
func (l *Ledger) Allocate(ctx context.Context, poolID string, amount decimal.Decimal) error {
	return l.mutate(ctx, poolID, func(p *Entity) error {
		if p.Status != StatusActive {
			return fmt.Errorf("%w: %s", ErrPoolNotActive, p.Status)
		}
		if amount.LessThan(p.MinLoanAmount) || amount.GreaterThan(p.MaxLoanAmount) {
			return ErrAmountOutOfBounds
		}
		if p.AvailableFunds.LessThan(amount) {
			return ErrInsufficientFunds
		}
		p.AvailableFunds = p.AvailableFunds.Sub(amount)
		p.LoansIssued++
		return nil
	})
}

// ReleaseAllocation undoes a prior Allocate after a downstream failure, so
// an aborted application does not leave funds reserved forever.
func (l *Ledger) ReleaseAllocation(ctx context.Context, poolID string, amount decimal.Decimal) error {
	return l.mutate(ctx, poolID, func(p *Entity) error {
		next := p.AvailableFunds.Add(amount)
		if next.GreaterThan(p.TotalFunds) {
			next = p.TotalFunds
		}
		p.AvailableFunds = next
		if p.LoansIssued > 0 {
			p.LoansIssued--
		}
		return nil
	})
}

// Repay returns loan principal to the pool and books earned interest.
func (l *Ledger) Repay(ctx context.Context, poolID string, principal, interest decimal.Decimal) error {
	if principal.IsNegative() || interest.IsNegative() {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, poolID, func(p *Entity) error {
		next := p.AvailableFunds.Add(principal)
		if next.GreaterThan(p.TotalFunds) {
			next = p.TotalFunds
		}
		p.AvailableFunds = next
		p.LoansRepaid++
		p.TotalInterestEarned = p.TotalInterestEarned.Add(interest)
		return nil
	})
}

// RecordDefault books a defaulted loan. The principal stays gone; once the
// default rate crosses the threshold the pool transitions to depleted.
func (l *Ledger) RecordDefault(ctx context.Context, poolID string, amount decimal.Decimal) error {
	return l.mutate(ctx, poolID, func(p *Entity) error {
		p.LoansDefaulted++
		p.TotalFunds = p.TotalFunds.Sub(amount)
		if p.TotalFunds.IsNegative() {
			p.TotalFunds = decimal.Zero
		}
		if p.AvailableFunds.GreaterThan(p.TotalFunds) {
			p.AvailableFunds = p.TotalFunds
		}
		if p.LoansIssued > 0 {
			rate := decimal.NewFromInt(p.LoansDefaulted).Div(decimal.NewFromInt(p.LoansIssued))
			if rate.GreaterThan(depletionThreshold) {
				p.Status = StatusDepleted
			}
		}
		return nil
	})
}

// Contribute adds depositor funds to the pool.
func (l *Ledger) Contribute(ctx context.Context, poolID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, poolID, func(p *Entity) error {
		p.TotalFunds = p.TotalFunds.Add(amount)
		p.AvailableFunds = p.AvailableFunds.Add(amount)
		return nil
	})
}

// Withdraw removes depositor funds from the pool.
func (l *Ledger) Withdraw(ctx context.Context, poolID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.mutate(ctx, poolID, func(p *Entity) error {
		if p.AvailableFunds.LessThan(amount) {
			return ErrInsufficientFunds
		}
		p.AvailableFunds = p.AvailableFunds.Sub(amount)
		p.TotalFunds = p.TotalFunds.Sub(amount)
		return nil
	})
}

// FindByToken maps a chain token address to its pool.
func (l *Ledger) FindByToken(tokenAddr string) (*Entity, error) {
	l.mu.RLock()
	ids := append([]string(nil), l.order...)
	l.mu.RUnlock()

	for _, id := range ids {
		e, err := l.get(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		match := e.pool.TokenAddr != "" && e.pool.TokenAddr == tokenAddr
		var cp Entity
		if match {
			cp = *e.pool
		}
		e.mu.Unlock()
		if match {
			return &cp, nil
		}
	}
	return nil, ErrPoolNotFound
}

// Status reports every pool's aggregate metrics.
func (l *Ledger) Status() []StatusSummary {
	l.mu.RLock()
	ids := append([]string(nil), l.order...)
	l.mu.RUnlock()

	out := make([]StatusSummary, 0, len(ids))
	for _, id := range ids {
		e, err := l.get(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		p := *e.pool
		e.mu.Unlock()

		s := StatusSummary{
			PoolID:              p.ID,
			Name:                p.Name,
			CurrencyCode:        p.CurrencyCode,
			Status:              p.Status,
			TotalFunds:          p.TotalFunds,
			AvailableFunds:      p.AvailableFunds,
			LoansIssued:         p.LoansIssued,
			LoansRepaid:         p.LoansRepaid,
			LoansDefaulted:      p.LoansDefaulted,
			TotalInterestEarned: p.TotalInterestEarned,
		}
		if p.TotalFunds.IsPositive() {
			deployed := p.TotalFunds.Sub(p.AvailableFunds)
			util, _ := deployed.Div(p.TotalFunds).Mul(decimal.NewFromInt(100)).Float64()
			s.UtilizationPercent = util
		}
		if p.LoansIssued > 0 {
			s.DefaultRatePercent = float64(p.LoansDefaulted) / float64(p.LoansIssued) * 100
		}
		out = append(out, s)
	}
	return out
}

// mutate runs fn inside the pool's critical section. With a repository
// attached, each attempt re-reads the authoritative row, validates and
// mutates the fresh copy, and saves with a version compare-and-swap; a
// stale version means another process wrote in between, so the whole
// read-validate-write cycle reruns. No network RPC ever runs under this
// lock; observed save latency is bounded by the pgx pool.
func (l *Ledger) mutate(ctx context.Context, poolID string, fn func(p *Entity) error) error {
	e, err := l.get(poolID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	const maxAttempts = 3
	for i := 0; i < maxAttempts; i++ {
		if l.repo != nil {
			cur, err := l.repo.GetByID(ctx, poolID)
			if err != nil {
				return err
			}
			*e.pool = *cur
		}
		before := *e.pool
		if err := fn(e.pool); err != nil {
			*e.pool = before
			return err
		}
		if e.pool.AvailableFunds.IsNegative() || e.pool.AvailableFunds.GreaterThan(e.pool.TotalFunds) {
			*e.pool = before
			return fmt.Errorf("pool %s funds invariant violated", poolID)
		}
		if l.repo == nil {
			return nil
		}
		err := l.repo.Save(ctx, e.pool)
		if err == nil {
			return nil
		}
		*e.pool = before
		if !errors.Is(err, ErrStalePool) {
			return err
		}
	}
	return fmt.Errorf("pool %s: %w", poolID, ErrStalePool)
}
