package reconcile_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gikenye/minilend-sub000/internal/blockchain"
	"github.com/gikenye/minilend-sub000/internal/domain/ledger"
	"github.com/gikenye/minilend-sub000/internal/domain/loan"
	"github.com/gikenye/minilend-sub000/internal/domain/pool"
	"github.com/gikenye/minilend-sub000/internal/reconcile"
	"github.com/shopspring/decimal"
)

type fakeChain struct {
	head   uint64
	events []blockchain.Event

	requestedFrom uint64
	requestedTo   uint64
}

func (c *fakeChain) BlockNumber(_ context.Context) (uint64, error) { return c.head, nil }

func (c *fakeChain) Events(_ context.Context, fromBlock, toBlock uint64) ([]blockchain.Event, error) {
	c.requestedFrom, c.requestedTo = fromBlock, toBlock
	var out []blockchain.Event
	for _, ev := range c.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
	entries map[string]ledger.Entry
}

func newMemStore() *memStore {
	return &memStore{cursors: make(map[string]uint64), entries: make(map[string]ledger.Entry)}
}

func (s *memStore) GetCursor(_ context.Context, key string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cursors[key]
	return v, ok, nil
}

func (s *memStore) SetCursor(_ context.Context, key string, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = blockNumber
	return nil
}

func (s *memStore) Insert(_ context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.TransactionHash]; ok {
		return ledger.ErrDuplicate
	}
	s.entries[e.TransactionHash] = e
	return nil
}

func (s *memStore) Exists(_ context.Context, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[txHash]
	return ok, nil
}

func (s *memStore) ListByAddress(_ context.Context, address string) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.Address == address {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) cursor(t *testing.T) uint64 {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cursors) != 1 {
		t.Fatalf("expected one cursor, got %d", len(s.cursors))
	}
	for _, v := range s.cursors {
		return v
	}
	return 0
}

type loanCall struct {
	kind   string
	txHash string
	amount decimal.Decimal
}

type fakeLoans struct {
	mu    sync.Mutex
	calls []loanCall

	settleErr  error
	settleOnce bool
}

func (f *fakeLoans) MatchBorrowEvent(_ context.Context, _ string, amount decimal.Decimal, txHash string, _ *pool.Entity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, loanCall{kind: "borrow", txHash: txHash, amount: amount})
	return "loan-1", nil
}

func (f *fakeLoans) SettleRepayment(_ context.Context, _ string, amount decimal.Decimal, txHash string) (*loan.Entity, *loan.Repayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		err := f.settleErr
		if f.settleOnce {
			f.settleErr = nil
		}
		return nil, nil, err
	}
	f.calls = append(f.calls, loanCall{kind: "repay", txHash: txHash, amount: amount})
	rep := &loan.Repayment{Amount: amount, Principal: amount, Interest: decimal.Zero, TxHash: txHash}
	return &loan.Entity{ID: "loan-1", Status: loan.StatusActive}, rep, nil
}

type poolRepoStub struct {
	mu    sync.Mutex
	pools []pool.Entity
}

func (r *poolRepoStub) List(_ context.Context) ([]pool.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pool.Entity(nil), r.pools...), nil
}

func (r *poolRepoStub) GetByID(_ context.Context, id string) (*pool.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pools {
		if r.pools[i].ID == id {
			cp := r.pools[i]
			return &cp, nil
		}
	}
	return nil, pool.ErrPoolNotFound
}

func (r *poolRepoStub) Save(_ context.Context, e *pool.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.pools {
		if r.pools[i].ID == e.ID {
			r.pools[i] = *e
			return nil
		}
	}
	r.pools = append(r.pools, *e)
	return nil
}

func testLedger(t *testing.T) *pool.Ledger {
	t.Helper()
	repo := &poolRepoStub{pools: []pool.Entity{{
		ID:             "p1",
		Name:           "usd pool",
		TokenAddr:      "0xtoken",
		CurrencyCode:   "USD",
		TotalFunds:     decimal.NewFromInt(10000),
		AvailableFunds: decimal.NewFromInt(10000),
		MinLoanAmount:  decimal.NewFromInt(100),
		MaxLoanAmount:  decimal.NewFromInt(5000),
		MinTermDays:    30,
		MaxTermDays:    180,
		Status:         pool.StatusActive,
		CreatedAt:      time.Now().UTC(),
	}}}
	l := pool.NewLedger(repo)
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("load pools: %v", err)
	}
	return l
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func event(kind blockchain.EventKind, tx string, block uint64, logIndex uint64, amount int64) blockchain.Event {
	return blockchain.Event{
		Kind:            kind,
		User:            "0xuser",
		Token:           "0xtoken",
		Amount:          decimal.NewFromInt(amount),
		BlockNumber:     block,
		TransactionHash: tx,
		LogIndex:        logIndex,
		Timestamp:       1700000000,
	}
}

func TestRunOnceAppliesEachEventKind(t *testing.T) {
	chain := &fakeChain{head: 110, events: []blockchain.Event{
		event(blockchain.EventDeposit, "0xd1", 100, 0, 500),
		event(blockchain.EventLoanCreated, "0xb1", 101, 0, 300),
		event(blockchain.EventLoanRepaid, "0xr1", 102, 0, 300),
		event(blockchain.EventWithdraw, "0xw1", 103, 0, 200),
	}}
	store := newMemStore()
	loans := &fakeLoans{}
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, loans, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if len(store.entries) != 4 {
		t.Fatalf("ledger entries %d, want 4", len(store.entries))
	}
	for tx, wantType := range map[string]ledger.Type{
		"0xd1": ledger.TypeDeposit,
		"0xb1": ledger.TypeBorrow,
		"0xr1": ledger.TypeRepay,
		"0xw1": ledger.TypeWithdraw,
	} {
		e, ok := store.entries[tx]
		if !ok {
			t.Fatalf("missing entry for %s", tx)
		}
		if e.Type != wantType {
			t.Fatalf("entry %s type %s, want %s", tx, e.Type, wantType)
		}
		if e.Metadata.PoolID != "p1" {
			t.Fatalf("entry %s pool %s, want p1", tx, e.Metadata.PoolID)
		}
	}

	// Repay entries carry the settled principal/interest split.
	if !store.entries["0xr1"].Metadata.Principal.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("repay entry principal %s, want 300", store.entries["0xr1"].Metadata.Principal)
	}

	if len(loans.calls) != 2 {
		t.Fatalf("loan reconciler calls %d, want 2", len(loans.calls))
	}

	// deposit +500, withdraw -200 against the original 10000.
	p, _ := pools.Snapshot("p1")
	if !p.TotalFunds.Equal(decimal.NewFromInt(10300)) {
		t.Fatalf("pool total funds %s, want 10300", p.TotalFunds)
	}

	if got := store.cursor(t); got != 108 {
		t.Fatalf("watermark %d, want confirmed head 108", got)
	}
}

func TestRunOnceIsIdempotentOnReplay(t *testing.T) {
	chain := &fakeChain{head: 110, events: []blockchain.Event{
		event(blockchain.EventDeposit, "0xd1", 100, 0, 500),
	}}
	store := newMemStore()
	loans := &fakeLoans{}
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, loans, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Simulate a crash before the watermark advanced: reset the cursor and
	// replay the same range.
	store.mu.Lock()
	delete(store.cursors, "reconcile.pool_events.last_block")
	store.mu.Unlock()

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("replay run: %v", err)
	}

	if len(store.entries) != 1 {
		t.Fatalf("entries %d after replay, want 1", len(store.entries))
	}
	p, _ := pools.Snapshot("p1")
	if !p.TotalFunds.Equal(decimal.NewFromInt(10500)) {
		t.Fatalf("deposit applied twice: total funds %s, want 10500", p.TotalFunds)
	}
}

func TestRunOnceOrdersEventsByBlockAndLogIndex(t *testing.T) {
	// Delivered out of order: the repayment precedes its borrow in the slice.
	chain := &fakeChain{head: 110, events: []blockchain.Event{
		event(blockchain.EventLoanRepaid, "0xr1", 101, 0, 300),
		event(blockchain.EventLoanCreated, "0xb1", 100, 1, 300),
		event(blockchain.EventDeposit, "0xd1", 100, 0, 500),
	}}
	store := newMemStore()
	loans := &fakeLoans{}
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, loans, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(loans.calls) != 2 {
		t.Fatalf("loan calls %d, want 2", len(loans.calls))
	}
	if loans.calls[0].kind != "borrow" || loans.calls[1].kind != "repay" {
		t.Fatalf("events applied out of order: %+v", loans.calls)
	}
}

func TestRunOnceHonorsConfirmations(t *testing.T) {
	chain := &fakeChain{head: 101, events: []blockchain.Event{
		event(blockchain.EventDeposit, "0xd1", 100, 0, 500),
	}}
	store := newMemStore()
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, &fakeLoans{}, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	// Safe head is 99, so block 100 is not yet visible.
	if len(store.entries) != 0 {
		t.Fatalf("unconfirmed event applied: %d entries", len(store.entries))
	}
	if chain.requestedTo > 99 {
		t.Fatalf("fetched past the confirmed head: to=%d", chain.requestedTo)
	}

	chain.head = 102
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("confirmed event not applied: %d entries", len(store.entries))
	}
}

func TestRunOnceBoundsBatchAndResumesFromWatermark(t *testing.T) {
	chain := &fakeChain{head: 2000, events: []blockchain.Event{
		event(blockchain.EventDeposit, "0xd1", 50, 0, 100),
		event(blockchain.EventDeposit, "0xd2", 600, 0, 100),
	}}
	store := newMemStore()
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, &fakeLoans{}, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if chain.requestedFrom != 0 || chain.requestedTo != 499 {
		t.Fatalf("first window [%d,%d], want [0,499]", chain.requestedFrom, chain.requestedTo)
	}
	if got := store.cursor(t); got != 499 {
		t.Fatalf("watermark %d after first batch, want 499", got)
	}

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if chain.requestedFrom != 500 || chain.requestedTo != 999 {
		t.Fatalf("second window [%d,%d], want [500,999]", chain.requestedFrom, chain.requestedTo)
	}
	if len(store.entries) != 2 {
		t.Fatalf("entries %d after both batches, want 2", len(store.entries))
	}
}

func TestRunOnceStopsWatermarkOnFailure(t *testing.T) {
	chain := &fakeChain{head: 110, events: []blockchain.Event{
		event(blockchain.EventLoanRepaid, "0xr1", 100, 0, 300),
	}}
	store := newMemStore()
	loans := &fakeLoans{settleErr: errors.New("db down")}
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, loans, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err == nil {
		t.Fatal("expected settlement failure to surface")
	}
	store.mu.Lock()
	n := len(store.cursors)
	store.mu.Unlock()
	if n != 0 {
		t.Fatal("watermark advanced past a failed batch")
	}
	// No entry either: the entry is written only after the mutation applied.
	if len(store.entries) != 0 {
		t.Fatalf("entries %d after failed settlement, want 0", len(store.entries))
	}
}

func TestRunOnceReappliesMutationAfterTransientFailure(t *testing.T) {
	chain := &fakeChain{head: 110, events: []blockchain.Event{
		event(blockchain.EventLoanRepaid, "0xr1", 100, 0, 300),
	}}
	store := newMemStore()
	loans := &fakeLoans{settleErr: errors.New("db down"), settleOnce: true}
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, loans, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err == nil {
		t.Fatal("expected first cycle to fail")
	}
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	// The loan mutation from the failed cycle must not be lost to
	// duplicate detection on retry.
	if len(loans.calls) != 1 || loans.calls[0].kind != "repay" {
		t.Fatalf("repayment not reapplied on retry: %+v", loans.calls)
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries %d, want 1", len(store.entries))
	}
	if got := store.cursor(t); got != 108 {
		t.Fatalf("watermark %d, want 108", got)
	}
}

func TestRunOnceSkipsUnknownPoolToken(t *testing.T) {
	ev := event(blockchain.EventDeposit, "0xd1", 100, 0, 500)
	ev.Token = "0xunknown"
	chain := &fakeChain{head: 110, events: []blockchain.Event{ev}}
	store := newMemStore()
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, &fakeLoans{}, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(store.entries) != 0 {
		t.Fatalf("unknown-token event recorded: %d entries", len(store.entries))
	}
	if got := store.cursor(t); got != 108 {
		t.Fatalf("watermark %d, want 108", got)
	}
}

func TestRunOnceRepaymentWithNoOpenLoanIsSkipped(t *testing.T) {
	chain := &fakeChain{head: 110, events: []blockchain.Event{
		event(blockchain.EventLoanRepaid, "0xr1", 100, 0, 300),
	}}
	store := newMemStore()
	loans := &fakeLoans{settleErr: loan.ErrNotFound}
	pools := testLedger(t)
	svc := reconcile.NewService(chain, store, store, pools, loans, quietLogger(), 0, 500, 2)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	// The entry is still recorded; only the loan mutation is skipped.
	if len(store.entries) != 1 {
		t.Fatalf("entries %d, want 1", len(store.entries))
	}
	if got := store.cursor(t); got != 108 {
		t.Fatalf("watermark %d, want 108", got)
	}
}
