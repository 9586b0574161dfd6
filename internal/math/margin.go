package math

// SideSign is +1 for long exposure and -1 for short exposure.
type SideSign int

const (
	SignLong  SideSign = 1
	SignShort SideSign = -1
)

// Notional returns size * price, rounded half-even.
func Notional(size, price Value) (Value, error) {
	return Mul(size, price)
}

// UnrealizedPnL returns sign * (mark - entry) * size.
// Losses round toward negative infinity so the account is never overstated.
func UnrealizedPnL(sign SideSign, entry, mark, size Value) (Value, error) {
	diff, err := Sub(mark, entry)
	if err != nil {
		return Zero, err
	}
	if sign < 0 {
		diff = diff.Neg()
	}
	return MulRoundDown(diff, size)
}

// RealizedPnL is UnrealizedPnL evaluated at the fill price for closeSize.
func RealizedPnL(sign SideSign, entry, fill, closeSize Value) (Value, error) {
	return UnrealizedPnL(sign, entry, fill, closeSize)
}

// AvgEntryPrice returns the size-weighted entry after adding addSize at
// addPrice to a position of oldSize at oldEntry.
func AvgEntryPrice(oldSize, oldEntry, addSize, addPrice Value) (Value, error) {
	if oldSize.IsZero() {
		return addPrice, nil
	}
	c := C(oldSize).Mul(oldEntry)
	added, err := Mul(addSize, addPrice)
	if err != nil {
		return Zero, err
	}
	total, err := Add(oldSize, addSize)
	if err != nil {
		return Zero, err
	}
	return c.Add(added).Div(total).Result()
}

// InitialMargin returns the collateral required to open notional at the
// given leverage: max(notional/leverage, notional*imr), rounded up.
func InitialMargin(notional, leverage, imr Value) (Value, error) {
	byLeverage, err := DivRoundUp(notional, leverage)
	if err != nil {
		return Zero, err
	}
	byRate, err := MulRoundUp(notional, imr)
	if err != nil {
		return Zero, err
	}
	return Max(byLeverage, byRate), nil
}

// MaintenanceMargin returns size * price * mmr, rounded up.
func MaintenanceMargin(size, price, mmr Value) (Value, error) {
	return C(size).MulUp(price).MulUp(mmr).Result()
}

// LiquidationPrice applies the risk-buffer formula
//
//	long:  entry * (1 - (1/leverage - mmr))
//	short: entry * (1 + (1/leverage - mmr))
//
// Longs round up and shorts round down so the estimate errs toward earlier
// liquidation.
func LiquidationPrice(sign SideSign, entry, leverage, mmr Value) (Value, error) {
	inv, err := Div(One, leverage)
	if err != nil {
		return Zero, err
	}
	buffer, err := Sub(inv, mmr)
	if err != nil {
		return Zero, err
	}
	factor, err := Add(One, buffer.Neg())
	if sign < 0 {
		factor, err = Add(One, buffer)
	}
	if err != nil {
		return Zero, err
	}
	mode := RoundUp
	if sign < 0 {
		mode = RoundDown
	}
	price, err := MulRound(entry, factor, mode)
	if err != nil {
		return Zero, err
	}
	return Max(price, Zero), nil
}

// Fraction returns part/whole rounded down, or Zero when whole is zero.
func Fraction(part, whole Value) Value {
	if whole.IsZero() {
		return Zero
	}
	f, err := DivRoundDown(part, whole)
	if err != nil {
		return Zero
	}
	return f
}
