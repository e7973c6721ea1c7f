package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// SplitFee divides totalAmount into the mentor share and the platform fee.
// The fee is rounded half-up on minor units and the mentor share is the
// remainder, so the two always sum to totalAmount.
func SplitFee(totalAmount int64, feePercent decimal.Decimal) (mentorAmount, platformFee int64, err error) {
	if totalAmount < 0 {
		return 0, 0, fmt.Errorf("%w: total amount %d is negative", ErrInvalidAmount, totalAmount)
	}
	if feePercent.IsNegative() || feePercent.GreaterThan(one) {
		return 0, 0, fmt.Errorf("%w: fee percent %s outside [0,1]", ErrInvalidAmount, feePercent.String())
	}
	platformFee = decimal.NewFromInt(totalAmount).Mul(feePercent).Round(0).IntPart()
	return totalAmount - platformFee, platformFee, nil
}
