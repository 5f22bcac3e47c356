package loan_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gikenye/minilend-sub000/internal/domain/loan"
	"github.com/shopspring/decimal"
)

func TestAmortizeStandardTerm(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	items, err := loan.Amortize(decimal.NewFromInt(1000), start, 90, 500)
	if err != nil {
		t.Fatalf("amortize: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 installments for a 90 day term, got %d", len(items))
	}

	sum := decimal.Zero
	for i, it := range items {
		sum = sum.Add(it.PrincipalPortion)
		if !it.Amount.Equal(it.PrincipalPortion.Add(it.InterestPortion)) {
			t.Fatalf("installment %d amount does not equal principal+interest: %+v", i, it)
		}
		want := start.AddDate(0, 0, 30*(i+1))
		if !it.DueDate.Equal(want) {
			t.Fatalf("installment %d due %s, want %s", i, it.DueDate, want)
		}
		if it.Status != loan.ScheduleItemPending {
			t.Fatalf("installment %d status %q", i, it.Status)
		}
	}
	if !sum.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("principal portions must sum to the principal exactly, got %s", sum)
	}

	// Interest is computed on the declining balance.
	for i := 1; i < len(items); i++ {
		if !items[i].InterestPortion.LessThan(items[i-1].InterestPortion) {
			t.Fatalf("interest must decrease: %s then %s", items[i-1].InterestPortion, items[i].InterestPortion)
		}
		if items[i].PrincipalPortion.LessThan(items[i-1].PrincipalPortion) {
			t.Fatalf("principal must not decrease: %s then %s", items[i-1].PrincipalPortion, items[i].PrincipalPortion)
		}
	}
}

func TestAmortizeZeroRate(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	items, err := loan.Amortize(decimal.NewFromInt(900), start, 90, 0)
	if err != nil {
		t.Fatalf("amortize: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 installments, got %d", len(items))
	}
	for i, it := range items {
		if !it.InterestPortion.IsZero() {
			t.Fatalf("installment %d carries interest at zero rate: %s", i, it.InterestPortion)
		}
		if !it.Amount.Equal(decimal.NewFromInt(300)) {
			t.Fatalf("installment %d amount %s, want 300", i, it.Amount)
		}
	}
}

func TestAmortizeShortTermSingleInstallment(t *testing.T) {
	items, err := loan.Amortize(decimal.NewFromInt(500), time.Now(), 7, 1200)
	if err != nil {
		t.Fatalf("amortize: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected a single installment for a 7 day term, got %d", len(items))
	}
	if !items[0].PrincipalPortion.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("single installment must carry the full principal, got %s", items[0].PrincipalPortion)
	}
}

func TestAmortizeRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name      string
		principal decimal.Decimal
		termDays  int
		rateBPS   int32
	}{
		{"zero principal", decimal.Zero, 90, 500},
		{"negative principal", decimal.NewFromInt(-10), 90, 500},
		{"zero term", decimal.NewFromInt(100), 0, 500},
		{"negative rate", decimal.NewFromInt(100), 90, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := loan.Amortize(tc.principal, time.Now(), tc.termDays, tc.rateBPS); !errors.Is(err, loan.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
