package loan

import "github.com/shopspring/decimal"

// Loan limits interpolate between the base and maximum limit over the
// conventional 300-850 credit band. The scoring engine's canonical range is
// 0-1000, so the score is mapped onto the band first.
const (
	baseLimit = 1000
	maxLimit  = 10000

	bandFloor = 300
	bandCeil  = 850
)

// Limit returns the maximum principal an address may borrow at the given
// canonical credit score. Monotonically non-decreasing, always within
// [baseLimit, maxLimit].
func Limit(creditScore int) decimal.Decimal {
	banded := toBandedScore(creditScore)

	t := (banded - bandFloor) / (bandCeil - bandFloor)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}

	limit := baseLimit + t*(maxLimit-baseLimit)
	if limit < baseLimit {
		limit = baseLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return decimal.NewFromFloat(limit).Round(2)
}

// toBandedScore converts the canonical 0-1000 score to the external 300-850
// convention used by the underwriting formula.
func toBandedScore(score int) float64 {
	if score < 0 {
		score = 0
	}
	if score > 1000 {
		score = 1000
	}
	return bandFloor + float64(score)/1000*(bandCeil-bandFloor)
}
