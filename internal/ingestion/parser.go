package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
)

var (
	// ErrUnknownSource is returned for quotes from a source with no feed.
	ErrUnknownSource = errors.New("unknown quote source")
	// ErrMalformedQuote is returned for quotes that fail validation. They are
	// terminated, not redelivered.
	ErrMalformedQuote = errors.New("malformed quote")
)

// QuoteSubjectPrefix is the subject root of pushed quotes:
// perp.oracle.quotes.{source}.{asset}
const QuoteSubjectPrefix = "perp.oracle.quotes"

// --- JSON wire formats ---
// Field names use snake_case to match upstream feeders. Prices are decimal
// strings so no precision is lost in transit.

type quoteJSON struct {
	Source        string `json:"source"`
	Asset         string `json:"asset"`
	Price         string `json:"price"`
	ConfidenceBps int64  `json:"confidence_bps"`
	ObservedAtMs  int64  `json:"observed_at_ms"`
	Sequence      uint64 `json:"sequence"`
}

// ParseQuote converts a feeder message into a Quote. Source and asset may be
// omitted from the body when the subject carries them.
func ParseQuote(subject string, data []byte, reg *market.Registry) (oracle.Quote, error) {
	var j quoteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return oracle.Quote{}, fmt.Errorf("%w: %v", ErrMalformedQuote, err)
	}
	if subSource, subAsset, ok := parseQuoteSubject(subject); ok {
		if j.Source == "" {
			j.Source = subSource
		}
		if j.Asset == "" {
			j.Asset = subAsset
		}
	}

	source, ok := reg.LookupSource(j.Source)
	if !ok {
		return oracle.Quote{}, fmt.Errorf("%w: %q", ErrUnknownSource, j.Source)
	}
	asset, ok := reg.LookupAsset(j.Asset)
	if !ok {
		return oracle.Quote{}, fmt.Errorf("%w: unknown asset %q", ErrMalformedQuote, j.Asset)
	}

	price, err := parsePrice(j.Price)
	if err != nil {
		return oracle.Quote{}, err
	}
	if j.ConfidenceBps < 0 {
		return oracle.Quote{}, fmt.Errorf("%w: negative confidence %d", ErrMalformedQuote, j.ConfidenceBps)
	}
	if j.ObservedAtMs <= 0 {
		return oracle.Quote{}, fmt.Errorf("%w: observed_at_ms is required", ErrMalformedQuote)
	}
	if j.Sequence == 0 {
		return oracle.Quote{}, fmt.Errorf("%w: sequence is required", ErrMalformedQuote)
	}

	return oracle.Quote{
		Source:        source,
		Asset:         asset,
		Price:         price,
		ConfidenceBps: j.ConfidenceBps,
		ObservedAt:    time.UnixMilli(j.ObservedAtMs).UTC(),
		Sequence:      j.Sequence,
	}, nil
}

// EncodeQuote is the inverse of ParseQuote. Used by feeders and tests.
func EncodeQuote(q oracle.Quote, reg *market.Registry) ([]byte, error) {
	return json.Marshal(quoteJSON{
		Source:        reg.SourceName(q.Source),
		Asset:         reg.AssetName(q.Asset),
		Price:         q.Price.String(),
		ConfidenceBps: q.ConfidenceBps,
		ObservedAtMs:  q.ObservedAt.UnixMilli(),
		Sequence:      q.Sequence,
	})
}

// QuoteSubject returns the subject a quote of source for asset is pushed on.
func QuoteSubject(source, asset string) string {
	return QuoteSubjectPrefix + "." + source + "." + asset
}

func parseQuoteSubject(subject string) (source, asset string, ok bool) {
	rest, found := strings.CutPrefix(subject, QuoteSubjectPrefix+".")
	if !found {
		return "", "", false
	}
	source, asset, ok = strings.Cut(rest, ".")
	return source, asset, ok && source != "" && asset != ""
}

func parsePrice(s string) (fpmath.Value, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fpmath.Zero, fmt.Errorf("%w: price %q: %v", ErrMalformedQuote, s, err)
	}
	if !d.IsPositive() {
		return fpmath.Zero, fmt.Errorf("%w: price %s must be positive", ErrMalformedQuote, d)
	}
	v, err := fpmath.FromDecimal(d)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("%w: price %s: %v", ErrMalformedQuote, d, err)
	}
	if !v.IsPositive() {
		return fpmath.Zero, fmt.Errorf("%w: price %s below resolution", ErrMalformedQuote, d)
	}
	return v, nil
}
