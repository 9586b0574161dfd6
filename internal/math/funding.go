package math

import "math/big"

// FundingRate returns clamp((mark - index) / index, -cap, cap).
func FundingRate(mark, index, rateCap Value) (Value, error) {
	if !index.IsPositive() {
		return Zero, ErrDivisionByZero
	}
	premium, err := Sub(mark, index)
	if err != nil {
		return Zero, err
	}
	rate, err := Div(premium, index)
	if err != nil {
		return Zero, err
	}
	return Clamp(rate, rateCap.Abs().Neg(), rateCap.Abs()), nil
}

// FundingPayment returns the amount a position owes for one epoch.
// Positive means the holder pays, negative means the holder receives.
//
//	payment = rate * size * mark * sideSign
//
// The result is rounded toward positive infinity: payers round up and
// receivers round down, so the pool never pays out more than it takes in.
func FundingPayment(rate, size, mark Value, sign SideSign) (Value, error) {
	num := new(big.Int).Mul(rate.bigRaw(), size.bigRaw())
	num.Mul(num, mark.bigRaw())
	if sign < 0 {
		num.Neg(num)
	}
	den := new(big.Int).Mul(scale, scale)
	return checked(divRound(num, den, RoundUp))
}
