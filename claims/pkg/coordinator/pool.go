package coordinator

import (
	"crypto/rand"
	"io"

	"github.com/giftlane/relay/domain"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Share computes what the next claimer of a pool receives. The last unit
// always takes the exact remainder. A requested amount is honored only for
// random-split pools and must leave at least one base unit for every other
// remaining claimer. Without a request, random pools draw uniformly from
// [1, min(2*average, max)] and fixed pools pay floor(remaining/count).
func Share(d *domain.Distributable, requested *decimal.Decimal, rnd io.Reader) (decimal.Decimal, error) {
	if d.RemainingCount <= 0 || d.RemainingAmount.IsNegative() {
		return decimal.Zero, ErrPoolExhausted
	}
	remaining := d.RemainingAmount
	count := decimal.NewFromInt(int64(d.RemainingCount))
	// max leaves one base unit for each claimer after this one.
	maxShare := remaining.Sub(count.Sub(one))

	if requested != nil {
		amt := *requested
		switch {
		case !amt.IsInteger() || !amt.IsPositive():
			return decimal.Zero, ErrInvalidAmount
		case d.RemainingCount == 1:
			if !amt.Equal(remaining) {
				return decimal.Zero, ErrInvalidAmount
			}
			return remaining, nil
		case !d.RandomSplit:
			if even, _ := remaining.QuoRem(count, 0); !amt.Equal(even) {
				return decimal.Zero, ErrInvalidAmount
			}
			return amt, nil
		case amt.GreaterThan(maxShare):
			return decimal.Zero, ErrInvalidAmount
		}
		return amt, nil
	}

	if d.RemainingCount == 1 {
		return remaining, nil
	}
	even, _ := remaining.QuoRem(count, 0)
	if !d.RandomSplit || !maxShare.IsPositive() {
		return even, nil
	}

	upper := decimal.Min(even.Add(even), maxShare)
	if rnd == nil {
		rnd = rand.Reader
	}
	n, err := rand.Int(rnd, upper.BigInt())
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(n, 0).Add(one), nil
}
