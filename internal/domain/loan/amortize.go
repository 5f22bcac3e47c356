package loan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	installmentPeriodDays = 30
	// amountPrecision is the fixed decimal precision of installment amounts.
	amountPrecision = 6
)

var (
	bpsDenominator = decimal.NewFromInt(10000)
	monthsPerYear  = decimal.NewFromInt(12)
	one            = decimal.NewFromInt(1)
)

// Amortize builds the installment schedule for a loan using the standard
// annuity formula. Each installment's interest is computed on the remaining
// principal and rounded to amountPrecision; the final installment takes the
// exact remaining principal, so the principal portions always sum to the
// original principal despite per-installment rounding.
func Amortize(principal decimal.Decimal, startDate time.Time, termDays int, annualRateBPS int32) ([]ScheduleItem, error) {
	if !principal.IsPositive() {
		return nil, fmt.Errorf("%w: principal must be positive", ErrInvalidInput)
	}
	if termDays <= 0 {
		return nil, fmt.Errorf("%w: term must be positive", ErrInvalidInput)
	}
	if annualRateBPS < 0 {
		return nil, fmt.Errorf("%w: rate must be non-negative", ErrInvalidInput)
	}

	numPayments := (termDays + installmentPeriodDays - 1) / installmentPeriodDays
	if numPayments < 1 {
		numPayments = 1
	}

	monthlyRate := decimal.NewFromInt32(annualRateBPS).Div(bpsDenominator).Div(monthsPerYear)

	var payment decimal.Decimal
	if monthlyRate.IsZero() {
		payment = principal.Div(decimal.NewFromInt(int64(numPayments)))
	} else {
		// A = P * r * (1+r)^n / ((1+r)^n - 1)
		compound := one.Add(monthlyRate).Pow(decimal.NewFromInt(int64(numPayments)))
		payment = principal.Mul(monthlyRate).Mul(compound).Div(compound.Sub(one))
	}

	items := make([]ScheduleItem, 0, numPayments)
	remaining := principal
	for i := 0; i < numPayments; i++ {
		interest := remaining.Mul(monthlyRate).Round(amountPrecision)

		var principalPortion decimal.Decimal
		if i == numPayments-1 {
			// Final installment absorbs the cumulative rounding residue.
			principalPortion = remaining
		} else {
			principalPortion = payment.Sub(interest).Round(amountPrecision)
			if principalPortion.GreaterThan(remaining) {
				principalPortion = remaining
			}
			if principalPortion.IsNegative() {
				principalPortion = decimal.Zero
			}
		}

		items = append(items, ScheduleItem{
			DueDate:          startDate.AddDate(0, 0, installmentPeriodDays*(i+1)),
			Amount:           principalPortion.Add(interest),
			PrincipalPortion: principalPortion,
			InterestPortion:  interest,
			Status:           ScheduleItemPending,
		})
		remaining = remaining.Sub(principalPortion)
	}

	return items, nil
}
