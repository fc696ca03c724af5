package program

import "math/bits"

const (
	BasisPointsDenominator = 10_000
	MaxFeePercentage       = 1_000
)

// CalculateFee splits price into the marketplace fee and the seller proceeds.
// The product price*feeBps is taken in 128 bits so no valid input can overflow.
func CalculateFee(price uint64, feeBps uint16) (fee uint64, proceeds uint64, err error) {
	hi, lo := bits.Mul64(price, uint64(feeBps))
	if hi >= BasisPointsDenominator {
		return 0, 0, ErrAmountOverflow
	}
	fee, _ = bits.Div64(hi, lo, BasisPointsDenominator)
	if fee > price {
		return 0, 0, ErrMarketplaceFeeCalculationError
	}
	proceeds, borrow := bits.Sub64(price, fee, 0)
	if borrow != 0 {
		return 0, 0, ErrAmountOverflow
	}
	return fee, proceeds, nil
}

func checkedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}
