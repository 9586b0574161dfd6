package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits carried by every Value.
const Decimals = 18

var (
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrDomain             = errors.New("argument outside function domain")
	ErrInvalidNumber      = errors.New("invalid number")
)

var (
	scale    = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
	bpsScale = big.NewInt(10_000)

	// |raw| must stay strictly below 2^255
	maxMagnitude = new(big.Int).Lsh(big.NewInt(1), 255)
)

// RoundingMode selects how a result that falls between two representable
// values is resolved.
type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// Value is a signed fixed-point number with 18 decimal places.
// The zero value is 0 and is ready to use. Values are immutable.
type Value struct {
	raw *big.Int
}

var (
	Zero = Value{}
	One  = Value{raw: new(big.Int).Set(scale)}
)

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// FromInt returns n as a Value (n * 10^18 raw units).
func FromInt(n int64) Value {
	return Value{raw: new(big.Int).Mul(big.NewInt(n), scale)}
}

// FromBps returns bps/10000, e.g. FromBps(50) == 0.005.
func FromBps(bps int64) Value {
	raw := new(big.Int).Mul(big.NewInt(bps), scale)
	return Value{raw: raw.Quo(raw, bpsScale)}
}

// FromRaw wraps raw units (already scaled by 10^18).
func FromRaw(raw *big.Int) (Value, error) {
	return checked(new(big.Int).Set(raw))
}

// FromDecimal converts a decimal, rounding half-even to 18 places.
func FromDecimal(d decimal.Decimal) (Value, error) {
	shifted := d.Shift(Decimals).RoundBank(0)
	return checked(new(big.Int).Set(shifted.BigInt()))
}

// FromFloat converts via the shortest decimal representation of f.
func FromFloat(f float64) (Value, error) {
	return FromDecimal(decimal.NewFromFloat(f))
}

// Parse reads a decimal string such as "3000.5" or "-0.0001".
func Parse(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Value {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func checked(raw *big.Int) (Value, error) {
	if new(big.Int).Abs(raw).Cmp(maxMagnitude) >= 0 {
		return Zero, ErrArithmeticOverflow
	}
	return Value{raw: raw}, nil
}

func (v Value) bigRaw() *big.Int {
	if v.raw == nil {
		return new(big.Int)
	}
	return v.raw
}

// Raw returns a copy of the underlying scaled integer.
func (v Value) Raw() *big.Int {
	return new(big.Int).Set(v.bigRaw())
}

func (v Value) Sign() int       { return v.bigRaw().Sign() }
func (v Value) IsZero() bool     { return v.Sign() == 0 }
func (v Value) IsPositive() bool { return v.Sign() > 0 }
func (v Value) IsNegative() bool { return v.Sign() < 0 }

// Cmp returns -1, 0 or +1.
func (v Value) Cmp(o Value) int { return v.bigRaw().Cmp(o.bigRaw()) }

func (v Value) Equal(o Value) bool       { return v.Cmp(o) == 0 }
func (v Value) LessThan(o Value) bool    { return v.Cmp(o) < 0 }
func (v Value) GreaterThan(o Value) bool { return v.Cmp(o) > 0 }

func (v Value) Neg() Value {
	return Value{raw: new(big.Int).Neg(v.bigRaw())}
}

func (v Value) Abs() Value {
	return Value{raw: new(big.Int).Abs(v.bigRaw())}
}

func Min(a, b Value) Value {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func Max(a, b Value) Value {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi Value) Value {
	return Max(lo, Min(v, hi))
}

// Decimal returns the exact decimal representation.
func (v Value) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(v.bigRaw(), -Decimals)
}

func (v Value) String() string {
	return v.Decimal().String()
}

// Int64 rounds v to an integer with the given mode, saturating at the int64
// bounds.
func (v Value) Int64(mode RoundingMode) int64 {
	return saturate(divRound(v.bigRaw(), scale, mode))
}

func saturate(x *big.Int) int64 {
	switch {
	case x.IsInt64():
		return x.Int64()
	case x.Sign() > 0:
		return 1<<63 - 1
	default:
		return -1 << 63
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.String() + `"`), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Value) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// divRound returns num/den rounded with mode. den must be non-zero.
func divRound(num, den *big.Int, mode RoundingMode) *big.Int {
	n := getInt().Set(num)
	d := getInt().Set(den)
	defer putInt(n)
	defer putInt(d)

	if d.Sign() < 0 {
		n.Neg(n)
		d.Neg(d)
	}

	// Euclidean division with d > 0 gives q = floor(n/d) and 0 <= r < d.
	q := new(big.Int)
	r := getInt()
	defer putInt(r)
	q.DivMod(n, d, r)

	if r.Sign() == 0 {
		return q
	}

	switch mode {
	case RoundDown:
	case RoundUp:
		q.Add(q, big.NewInt(1))
	default:
		twice := getInt().Lsh(r, 1)
		defer putInt(twice)
		cmp := twice.Cmp(d)
		if cmp > 0 || (cmp == 0 && q.Bit(0) == 1) {
			q.Add(q, big.NewInt(1))
		}
	}
	return q
}

func Add(a, b Value) (Value, error) {
	return checked(new(big.Int).Add(a.bigRaw(), b.bigRaw()))
}

func Sub(a, b Value) (Value, error) {
	return checked(new(big.Int).Sub(a.bigRaw(), b.bigRaw()))
}

// Mul returns a*b rounded half-even.
func Mul(a, b Value) (Value, error) {
	return MulRound(a, b, RoundHalfEven)
}

func MulRound(a, b Value, mode RoundingMode) (Value, error) {
	product := getInt().Mul(a.bigRaw(), b.bigRaw())
	defer putInt(product)
	return checked(divRound(product, scale, mode))
}

func MulRoundUp(a, b Value) (Value, error)   { return MulRound(a, b, RoundUp) }
func MulRoundDown(a, b Value) (Value, error) { return MulRound(a, b, RoundDown) }

// Div returns a/b rounded half-even.
func Div(a, b Value) (Value, error) {
	return DivRound(a, b, RoundHalfEven)
}

func DivRound(a, b Value, mode RoundingMode) (Value, error) {
	if b.IsZero() {
		return Zero, ErrDivisionByZero
	}
	num := getInt().Mul(a.bigRaw(), scale)
	defer putInt(num)
	return checked(divRound(num, b.bigRaw(), mode))
}

func DivRoundUp(a, b Value) (Value, error)   { return DivRound(a, b, RoundUp) }
func DivRoundDown(a, b Value) (Value, error) { return DivRound(a, b, RoundDown) }

// MulDiv computes a*b/c with a single rounding step.
func MulDiv(a, b, c Value, mode RoundingMode) (Value, error) {
	if c.IsZero() {
		return Zero, ErrDivisionByZero
	}
	num := getInt().Mul(a.bigRaw(), b.bigRaw())
	defer putInt(num)
	return checked(divRound(num, c.bigRaw(), mode))
}

// MulBps returns v * bps / 10000.
func MulBps(v Value, bps int64, mode RoundingMode) (Value, error) {
	num := getInt().Mul(v.bigRaw(), big.NewInt(bps))
	defer putInt(num)
	return checked(divRound(num, bpsScale, mode))
}

// Bps expresses ratio as basis points, e.g. 0.0125 -> 125. Ratios beyond
// the int64 range saturate.
func Bps(ratio Value, mode RoundingMode) int64 {
	num := getInt().Mul(ratio.bigRaw(), bpsScale)
	defer putInt(num)
	return saturate(divRound(num, scale, mode))
}
