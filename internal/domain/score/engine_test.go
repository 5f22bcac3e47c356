package score_test

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/gikenye/minilend-sub000/internal/blockchain"
	"github.com/gikenye/minilend-sub000/internal/domain/score"
	"github.com/shopspring/decimal"
)

type fakeHistory struct {
	events []blockchain.Event
	err    error
}

func (f *fakeHistory) BlockNumber(_ context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return 1000, nil
}

func (f *fakeHistory) UserEvents(_ context.Context, _ string, _, _ uint64) ([]blockchain.Event, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestScoreFetchFailureReturnsNeutralDefault(t *testing.T) {
	engine := score.NewEngine(&fakeHistory{err: errors.New("rpc down")}, testLogger())

	res := engine.Score(context.Background(), "0xabc")
	if res.Score != score.NeutralScore {
		t.Fatalf("expected neutral score, got %d", res.Score)
	}
	for name, v := range map[string]float64{
		"repayment": res.Breakdown.RepaymentHistory,
		"frequency": res.Breakdown.TransactionFrequency,
		"savings":   res.Breakdown.SavingsPattern,
		"age":       res.Breakdown.AccountAge,
	} {
		if v != 0.5 {
			t.Fatalf("expected neutral %s factor, got %f", name, v)
		}
	}
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
}

func TestScoreZeroEvents(t *testing.T) {
	engine := score.NewEngine(&fakeHistory{}, testLogger())

	res := engine.Score(context.Background(), "0xabc")
	if res.Breakdown.RepaymentHistory != 0.5 {
		t.Fatalf("no loans must yield the neutral repayment prior, got %f", res.Breakdown.RepaymentHistory)
	}
	if res.Breakdown.TransactionFrequency != 0 || res.Breakdown.SavingsPattern != 0 || res.Breakdown.AccountAge != 0 {
		t.Fatalf("expected zero activity factors: %+v", res.Breakdown)
	}
	// 0.30 * 0.5 * 1000
	if res.Score != 150 {
		t.Fatalf("expected baseline score 150, got %d", res.Score)
	}
}

func TestScoreBoundsWithHeavyActivity(t *testing.T) {
	old := time.Now().AddDate(-3, 0, 0).Unix()
	events := make([]blockchain.Event, 0, 40)
	for i := 0; i < 20; i++ {
		events = append(events, blockchain.Event{
			Kind:      blockchain.EventDeposit,
			Amount:    decimal.NewFromInt(10000),
			Timestamp: old,
		})
	}
	for i := 0; i < 10; i++ {
		events = append(events,
			blockchain.Event{Kind: blockchain.EventLoanCreated, Timestamp: old},
			blockchain.Event{Kind: blockchain.EventLoanRepaid, Timestamp: old},
		)
	}
	engine := score.NewEngine(&fakeHistory{events: events}, testLogger())

	res := engine.Score(context.Background(), "0xabc")
	if res.Score < 0 || res.Score > 1000 {
		t.Fatalf("score out of range: %d", res.Score)
	}
	for _, v := range []float64{
		res.Breakdown.RepaymentHistory,
		res.Breakdown.TransactionFrequency,
		res.Breakdown.SavingsPattern,
		res.Breakdown.AccountAge,
	} {
		if v < 0 || v > 1 {
			t.Fatalf("factor out of range: %f", v)
		}
	}
	// Every factor is saturated: perfect repayment, heavy activity,
	// deposits far past the reference, account older than a year.
	if res.Score != 1000 {
		t.Fatalf("expected saturated score 1000, got %d", res.Score)
	}
}

func TestScorePartialRepaymentHistory(t *testing.T) {
	old := time.Now().AddDate(0, -6, 0).Unix()
	events := []blockchain.Event{
		{Kind: blockchain.EventLoanCreated, Timestamp: old},
		{Kind: blockchain.EventLoanCreated, Timestamp: old},
		{Kind: blockchain.EventLoanRepaid, Timestamp: old},
	}
	engine := score.NewEngine(&fakeHistory{events: events}, testLogger())

	res := engine.Score(context.Background(), "0xabc")
	if math.Abs(res.Breakdown.RepaymentHistory-0.5) > 1e-9 {
		t.Fatalf("expected 1/2 repayment factor, got %f", res.Breakdown.RepaymentHistory)
	}
}
