package oracle

import (
	"errors"
	"fmt"
	"time"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

var (
	// ErrInvalidPrice: quorum, freshness or deviation checks failed and no
	// fallback could stand in. The price must not be used.
	ErrInvalidPrice = errors.New("invalid price")

	// ErrTimeout: every source timed out. Retryable.
	ErrTimeout = errors.New("oracle timeout")

	// ErrUnavailable is returned by a Source with nothing to offer.
	ErrUnavailable = errors.New("quote unavailable")
)

// Quote is one observation from one source. Immutable.
type Quote struct {
	Source        market.SourceID
	Asset         market.AssetID
	Price         fpmath.Value
	ConfidenceBps int64
	ObservedAt    time.Time
	Sequence      uint64
}

// AggregatedPrice is the result of one aggregation. Valid == false means the
// price must not be used for margin or liquidation decisions.
type AggregatedPrice struct {
	Asset         market.AssetID
	Price         fpmath.Value
	ConfidenceBps int64
	ComputedAt    time.Time
	Valid         bool

	Sources  []market.SourceID // sources that contributed
	Low      fpmath.Value      // lowest contributing quote
	High     fpmath.Value      // highest contributing quote
	Fallback bool              // served by the policy's fallback source
	Reason   string            // why the result is invalid
}

// Conservative returns the least favorable contributing price for a holder
// of the given side: the low quote for longs, the high quote for shorts.
func (p AggregatedPrice) Conservative(sign fpmath.SideSign) fpmath.Value {
	if sign > 0 {
		if p.Low.IsPositive() {
			return p.Low
		}
	} else if p.High.IsPositive() {
		return p.High
	}
	return p.Price
}

// Policy configures aggregation for one asset.
type Policy struct {
	Asset market.AssetID

	// Sources in descending authority; the first two are compared for
	// divergence.
	Sources []market.SourceID

	// Fallback is a trusted or manually attested source consulted only when
	// the main pipeline cannot reach quorum. Zero disables it.
	Fallback market.SourceID

	MaxAge            time.Duration
	MaxFutureSkew     time.Duration
	MaxConfidenceBps  int64
	MaxDeviationBps   int64
	Quorum            int
	HardDivergenceBps int64
}

// DefaultPolicy returns the baseline thresholds for an asset.
func DefaultPolicy(asset market.AssetID, sources ...market.SourceID) Policy {
	quorum := 2
	if len(sources) < 2 {
		quorum = 1
	}
	return Policy{
		Asset:             asset,
		Sources:           sources,
		MaxAge:            60 * time.Second,
		MaxFutureSkew:     2 * time.Second,
		MaxConfidenceBps:  200,
		MaxDeviationBps:   300,
		Quorum:            quorum,
		HardDivergenceBps: 1_000,
	}
}

func (p *Policy) singleSource() bool {
	return len(p.Sources) == 1
}

func (p *Policy) Validate() error {
	if p.Asset == 0 {
		return fmt.Errorf("policy asset must be set")
	}
	if len(p.Sources) == 0 {
		return fmt.Errorf("policy for asset %d has no sources", p.Asset)
	}
	seen := make(map[market.SourceID]bool, len(p.Sources))
	for _, s := range p.Sources {
		if s == 0 || seen[s] {
			return fmt.Errorf("policy for asset %d has a zero or duplicate source", p.Asset)
		}
		seen[s] = true
	}
	if p.Fallback != 0 && seen[p.Fallback] {
		return fmt.Errorf("fallback source %d is also a primary source", p.Fallback)
	}
	if p.MaxAge <= 0 {
		return fmt.Errorf("max_age must be > 0")
	}
	if p.MaxFutureSkew < 0 {
		return fmt.Errorf("max_future_skew must be >= 0")
	}
	if p.Quorum < 1 || p.Quorum > len(p.Sources) {
		return fmt.Errorf("quorum %d must be in [1, %d]", p.Quorum, len(p.Sources))
	}
	if p.MaxConfidenceBps <= 0 || p.MaxDeviationBps <= 0 {
		return fmt.Errorf("confidence and deviation thresholds must be > 0")
	}
	if p.HardDivergenceBps < 0 {
		return fmt.Errorf("hard_divergence_bps must be >= 0")
	}
	return nil
}
