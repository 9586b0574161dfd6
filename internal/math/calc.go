package math

// Calc chains fixed-point operations and keeps the first error.
//
//	im, err := fpmath.C(size).Mul(price).MulUp(imr).Result()
type Calc struct {
	v   Value
	err error
}

func C(v Value) *Calc {
	return &Calc{v: v}
}

func (c *Calc) apply(op func(Value, Value) (Value, error), o Value) *Calc {
	if c.err != nil {
		return c
	}
	c.v, c.err = op(c.v, o)
	return c
}

func (c *Calc) Add(o Value) *Calc     { return c.apply(Add, o) }
func (c *Calc) Sub(o Value) *Calc     { return c.apply(Sub, o) }
func (c *Calc) Mul(o Value) *Calc     { return c.apply(Mul, o) }
func (c *Calc) MulUp(o Value) *Calc   { return c.apply(MulRoundUp, o) }
func (c *Calc) MulDown(o Value) *Calc { return c.apply(MulRoundDown, o) }
func (c *Calc) Div(o Value) *Calc     { return c.apply(Div, o) }
func (c *Calc) DivUp(o Value) *Calc   { return c.apply(DivRoundUp, o) }
func (c *Calc) DivDown(o Value) *Calc { return c.apply(DivRoundDown, o) }

func (c *Calc) Neg() *Calc {
	if c.err == nil {
		c.v = c.v.Neg()
	}
	return c
}

func (c *Calc) Result() (Value, error) {
	return c.v, c.err
}

// Err returns the first error encountered, if any.
func (c *Calc) Err() error {
	return c.err
}
