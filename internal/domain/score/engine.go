// Package score derives a bounded credit score from a wallet's on-chain
// savings and loan history.
package score

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/gikenye/minilend-sub000/internal/blockchain"
	"github.com/shopspring/decimal"
)

const (
	MinScore = 0
	MaxScore = 1000

	// NeutralScore is returned whenever the event history cannot be fetched.
	// Downstream underwriting proceeds conservatively instead of failing.
	NeutralScore = 500
)

const (
	weightRepaymentHistory     = 0.30
	weightTransactionFrequency = 0.25
	weightSavingsPattern       = 0.25
	weightAccountAge           = 0.20

	// One transaction per month over a year is the frequency ceiling.
	frequencyCeilingPerYear = 365.0 / 30.0
	savingsReferenceAmount  = 1000.0
	accountAgeCeilingDays   = 365.0
)

// Breakdown holds the weighted factors, each in [0,1].
type Breakdown struct {
	RepaymentHistory     float64 `json:"repayment_history"`
	TransactionFrequency float64 `json:"transaction_frequency"`
	SavingsPattern       float64 `json:"savings_pattern"`
	AccountAge           float64 `json:"account_age"`
}

type Result struct {
	Score     int       `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
	Degraded  bool      `json:"-"`
}

// HistorySource provides the full event history for an address.
type HistorySource interface {
	UserEvents(ctx context.Context, address string, fromBlock, toBlock uint64) ([]blockchain.Event, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Engine struct {
	history HistorySource
	logger  *slog.Logger
	now     func() time.Time
}

func NewEngine(history HistorySource, logger *slog.Logger) *Engine {
	return &Engine{
		history: history,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Score computes the credit score for an address. It never returns an error:
// if the history fetch fails after all RPC retries the neutral default is
// returned so a loan application can still be underwritten.
func (e *Engine) Score(ctx context.Context, address string) Result {
	head, err := e.history.BlockNumber(ctx)
	if err != nil {
		return e.degrade(address, err)
	}
	events, err := e.history.UserEvents(ctx, address, 0, head)
	if err != nil {
		return e.degrade(address, err)
	}
	return e.compute(events)
}

func (e *Engine) degrade(address string, err error) Result {
	if e.logger != nil {
		e.logger.Warn("scoring degraded to neutral default", "address", address, "err", err)
	}
	return Result{
		Score: NeutralScore,
		Breakdown: Breakdown{
			RepaymentHistory:     0.5,
			TransactionFrequency: 0.5,
			SavingsPattern:       0.5,
			AccountAge:           0.5,
		},
		Degraded: true,
	}
}

func (e *Engine) compute(events []blockchain.Event) Result {
	var (
		loanCount      int
		repaidCount    int
		totalDeposited = decimal.Zero
		firstEventTime time.Time
	)

	for _, ev := range events {
		ts := time.Unix(ev.Timestamp, 0).UTC()
		if ev.Timestamp > 0 && (firstEventTime.IsZero() || ts.Before(firstEventTime)) {
			firstEventTime = ts
		}
		switch ev.Kind {
		case blockchain.EventDeposit:
			totalDeposited = totalDeposited.Add(ev.Amount)
		case blockchain.EventLoanCreated:
			loanCount++
		case blockchain.EventLoanRepaid:
			repaidCount++
		}
	}

	b := Breakdown{
		RepaymentHistory:     repaymentFactor(loanCount, repaidCount),
		TransactionFrequency: clamp01(float64(len(events)) / frequencyCeilingPerYear),
		SavingsPattern:       clamp01(depositFactor(totalDeposited)),
		AccountAge:           accountAgeFactor(firstEventTime, e.now()),
	}

	weighted := weightRepaymentHistory*b.RepaymentHistory +
		weightTransactionFrequency*b.TransactionFrequency +
		weightSavingsPattern*b.SavingsPattern +
		weightAccountAge*b.AccountAge

	s := int(math.Round(weighted * MaxScore))
	if s < MinScore {
		s = MinScore
	}
	if s > MaxScore {
		s = MaxScore
	}
	return Result{Score: s, Breakdown: b}
}

// repaymentFactor is the share of loans with a later repayment, with a
// neutral 0.5 prior when the address has never borrowed.
func repaymentFactor(loanCount, repaidCount int) float64 {
	if loanCount == 0 {
		return 0.5
	}
	if repaidCount > loanCount {
		repaidCount = loanCount
	}
	return float64(repaidCount) / float64(loanCount)
}

func depositFactor(totalDeposited decimal.Decimal) float64 {
	f, _ := totalDeposited.Div(decimal.NewFromFloat(savingsReferenceAmount)).Float64()
	return f
}

func accountAgeFactor(first time.Time, now time.Time) float64 {
	if first.IsZero() || first.After(now) {
		return 0
	}
	ageDays := now.Sub(first).Hours() / 24
	return clamp01(ageDays / accountAgeCeilingDays)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
