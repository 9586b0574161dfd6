package math

import (
	"math/big"
)

// Transcendental functions work at 36 decimal places internally and round
// half-even to 18 places once at the end.
const internalDecimals = 36

var (
	iscale = new(big.Int).Exp(big.NewInt(10), big.NewInt(internalDecimals), nil)

	// scale factor between internal and public precision
	iscaleUp = new(big.Int).Exp(big.NewInt(10), big.NewInt(internalDecimals-Decimals), nil)

	// ln(2) to 36 places
	ln2 = mustBig("693147180559945309417232121458176568")

	// internal magnitude bound, rescaled
	maxInternal = new(big.Int).Mul(maxMagnitude, iscaleUp)

	// below this exp(x) is under half a raw unit
	expFloor = FromInt(-42)
)

// maxSeriesTerms bounds every series loop; convergence happens far earlier.
const maxSeriesTerms = 200

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("math: bad constant " + s)
	}
	return v
}

func toInternal(v Value) *big.Int {
	return new(big.Int).Mul(v.bigRaw(), iscaleUp)
}

func fromInternal(x *big.Int) (Value, error) {
	return checked(divRound(x, iscaleUp, RoundHalfEven))
}

// Sqrt returns the floor of the exact square root (monotonic, deterministic).
func Sqrt(x Value) (Value, error) {
	if x.IsNegative() {
		return Zero, ErrDomain
	}
	// sqrt(raw / 1e18) * 1e18 == sqrt(raw * 1e18)
	n := new(big.Int).Mul(x.bigRaw(), scale)
	return checked(n.Sqrt(n))
}

// Pow returns x^n for any integer n. Pow(x, 0) is One, negative exponents
// return the reciprocal of the positive power.
func Pow(x Value, n int) (Value, error) {
	if n == 0 {
		return One, nil
	}
	neg := n < 0
	e := n
	if neg {
		e = -n
		if e < 0 {
			// -n overflows for the minimum int
			return Zero, ErrArithmeticOverflow
		}
	}

	base := toInternal(x)
	result := new(big.Int).Set(iscale)
	for e > 0 {
		if e&1 == 1 {
			result.Mul(result, base)
			result = divRound(result, iscale, RoundHalfEven)
			if result.CmpAbs(maxInternal) >= 0 {
				return powOutOfRange(neg)
			}
		}
		e >>= 1
		if e > 0 {
			// a pending bit remains, so base will reach result
			base.Mul(base, base)
			base = divRound(base, iscale, RoundHalfEven)
			if base.CmpAbs(maxInternal) >= 0 {
				return powOutOfRange(neg)
			}
		}
	}

	if neg {
		if result.Sign() == 0 {
			return Zero, ErrDivisionByZero
		}
		num := new(big.Int).Mul(iscale, iscale)
		result = divRound(num, result, RoundHalfEven)
	}
	return fromInternal(result)
}

// powOutOfRange: a positive power that large overflows, its reciprocal
// rounds to zero.
func powOutOfRange(neg bool) (Value, error) {
	if neg {
		return Zero, nil
	}
	return Zero, ErrArithmeticOverflow
}

// Exp returns e^x. Results below the smallest representable unit are Zero.
func Exp(x Value) (Value, error) {
	if x.LessThan(expFloor) {
		return Zero, nil
	}
	X := toInternal(x)

	// x = k*ln2 + r, |r| <= ln2/2
	k := divRound(X, ln2, RoundHalfEven)
	r := new(big.Int).Sub(X, new(big.Int).Mul(k, ln2))

	if k.BitLen() > 16 {
		return Zero, ErrArithmeticOverflow
	}

	sum := new(big.Int).Set(iscale)
	term := new(big.Int).Set(iscale)
	for i := int64(1); i <= maxSeriesTerms; i++ {
		term.Mul(term, r)
		term = divRound(term, new(big.Int).Mul(iscale, big.NewInt(i)), RoundHalfEven)
		if term.Sign() == 0 {
			break
		}
		sum.Add(sum, term)
	}

	shift := k.Int64()
	if shift >= 0 {
		sum.Lsh(sum, uint(shift))
		if sum.Cmp(maxInternal) >= 0 {
			return Zero, ErrArithmeticOverflow
		}
	} else {
		sum = divRound(sum, new(big.Int).Lsh(big.NewInt(1), uint(-shift)), RoundHalfEven)
	}
	return fromInternal(sum)
}

// Ln returns the natural logarithm of x. x must be positive.
func Ln(x Value) (Value, error) {
	if !x.IsPositive() {
		return Zero, ErrDomain
	}
	X := toInternal(x)

	// x = m * 2^k with m in [1, 2)
	k := X.BitLen() - iscale.BitLen()
	m := new(big.Int)
	if k >= 0 {
		m.Rsh(X, uint(k))
	} else {
		m.Lsh(X, uint(-k))
	}
	for m.Cmp(iscale) < 0 {
		m.Lsh(m, 1)
		k--
	}
	two := new(big.Int).Lsh(iscale, 1)
	for m.Cmp(two) >= 0 {
		m.Rsh(m, 1)
		k++
	}

	// ln(m) = 2 * atanh(y), y = (m-1)/(m+1)
	num := new(big.Int).Sub(m, iscale)
	den := new(big.Int).Add(m, iscale)
	y := divRound(new(big.Int).Mul(num, iscale), den, RoundHalfEven)
	y2 := divRound(new(big.Int).Mul(y, y), iscale, RoundHalfEven)

	sum := new(big.Int).Set(y)
	pow := new(big.Int).Set(y)
	for i := int64(3); i < 2*maxSeriesTerms; i += 2 {
		pow.Mul(pow, y2)
		pow = divRound(pow, iscale, RoundHalfEven)
		if pow.Sign() == 0 {
			break
		}
		sum.Add(sum, new(big.Int).Quo(pow, big.NewInt(i)))
	}
	sum.Lsh(sum, 1)

	sum.Add(sum, new(big.Int).Mul(big.NewInt(int64(k)), ln2))
	return fromInternal(sum)
}
