package oracle

import (
	"fmt"
	"math"
	"sort"
	"time"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// Stage is one pure filter over a quote set. Stages never modify their
// input slice.
type Stage func([]Quote) []Quote

// Run applies stages in order.
func Run(quotes []Quote, stages ...Stage) []Quote {
	out := quotes
	for _, s := range stages {
		out = s(out)
	}
	return out
}

func keep(quotes []Quote, pred func(Quote) bool) []Quote {
	out := make([]Quote, 0, len(quotes))
	for _, q := range quotes {
		if pred(q) {
			out = append(out, q)
		}
	}
	return out
}

// FilterValid drops quotes for other assets and non-positive prices.
func FilterValid(asset market.AssetID) Stage {
	return func(quotes []Quote) []Quote {
		return keep(quotes, func(q Quote) bool {
			return q.Asset == asset && q.Price.IsPositive() && q.ConfidenceBps >= 0
		})
	}
}

// FilterFresh drops quotes older than maxAge or stamped further than
// maxSkew in the future.
func FilterFresh(now time.Time, maxAge, maxSkew time.Duration) Stage {
	return func(quotes []Quote) []Quote {
		return keep(quotes, func(q Quote) bool {
			age := now.Sub(q.ObservedAt)
			return age <= maxAge && age >= -maxSkew
		})
	}
}

// FilterConfidence drops quotes whose confidence interval is wider than maxBps.
func FilterConfidence(maxBps int64) Stage {
	return func(quotes []Quote) []Quote {
		return keep(quotes, func(q Quote) bool {
			return q.ConfidenceBps <= maxBps
		})
	}
}

// RejectOutliers drops quotes deviating from the median by more than maxBps.
func RejectOutliers(maxBps int64) Stage {
	return func(quotes []Quote) []Quote {
		if len(quotes) == 0 {
			return quotes
		}
		median, err := Median(quotes)
		if err != nil {
			return nil
		}
		limit, err := fpmath.MulBps(median, maxBps, fpmath.RoundDown)
		if err != nil {
			return nil
		}
		return keep(quotes, func(q Quote) bool {
			dev, err := fpmath.Sub(q.Price, median)
			return err == nil && dev.Abs().Cmp(limit) <= 0
		})
	}
}

// Median returns the median price; the mean of the middle pair for even counts.
func Median(quotes []Quote) (fpmath.Value, error) {
	if len(quotes) == 0 {
		return fpmath.Zero, fmt.Errorf("median of empty quote set")
	}
	prices := make([]fpmath.Value, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].LessThan(prices[j]) })

	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid], nil
	}
	return fpmath.C(prices[mid-1]).Add(prices[mid]).Div(fpmath.FromInt(2)).Result()
}

// WeightedCombine returns the inverse-confidence weighted mean price and the
// combined confidence (harmonic mean of the inputs, rounded up). Confidence is
// floored at 1 bps so a zero-width quote cannot take all the weight.
func WeightedCombine(quotes []Quote) (fpmath.Value, int64, error) {
	if len(quotes) == 0 {
		return fpmath.Zero, 0, fmt.Errorf("combine of empty quote set")
	}

	num := fpmath.C(fpmath.Zero)
	den := fpmath.C(fpmath.Zero)
	for _, q := range quotes {
		conf := q.ConfidenceBps
		if conf < 1 {
			conf = 1
		}
		w, err := fpmath.Div(fpmath.One, fpmath.FromInt(conf))
		if err != nil {
			return fpmath.Zero, 0, err
		}
		pw, err := fpmath.Mul(q.Price, w)
		if err != nil {
			return fpmath.Zero, 0, err
		}
		num.Add(pw)
		den.Add(w)
	}

	sumW, err := den.Result()
	if err != nil {
		return fpmath.Zero, 0, err
	}
	price, err := num.Div(sumW).Result()
	if err != nil {
		return fpmath.Zero, 0, err
	}
	conf, err := fpmath.DivRoundUp(fpmath.FromInt(int64(len(quotes))), sumW)
	if err != nil {
		return fpmath.Zero, 0, err
	}
	return price, conf.Int64(fpmath.RoundUp), nil
}

// DeviationBps returns |a-b| relative to the smaller of the two, in basis
// points rounded up.
func DeviationBps(a, b fpmath.Value) int64 {
	lo := fpmath.Min(a, b)
	if !lo.IsPositive() {
		return 0
	}
	diff, err := fpmath.Sub(a, b)
	if err != nil {
		return math.MaxInt64
	}
	ratio, err := fpmath.DivRoundUp(diff.Abs(), lo)
	if err != nil {
		return math.MaxInt64
	}
	return fpmath.Bps(ratio, fpmath.RoundUp)
}

func priceRange(quotes []Quote) (lo, hi fpmath.Value) {
	for i, q := range quotes {
		if i == 0 || q.Price.LessThan(lo) {
			lo = q.Price
		}
		if i == 0 || q.Price.GreaterThan(hi) {
			hi = q.Price
		}
	}
	return lo, hi
}
