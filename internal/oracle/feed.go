package oracle

import (
	"context"
	"sync"

	"PerpRisk/internal/market"
)

// FeedSource holds the latest pushed quote per asset for one source. Quotes
// arrive from the NATS feed or from operator attestation. Stale sequences
// are ignored and gaps are tolerated.
type FeedSource struct {
	id market.SourceID

	mu     sync.RWMutex
	quotes map[market.AssetID]Quote
}

func NewFeedSource(id market.SourceID) *FeedSource {
	return &FeedSource{
		id:     id,
		quotes: make(map[market.AssetID]Quote),
	}
}

func (f *FeedSource) ID() market.SourceID {
	return f.id
}

// Update stores q if it is newer than the held quote. Returns false for
// quotes from another source or with a non-increasing sequence.
func (f *FeedSource) Update(q Quote) bool {
	if q.Source != f.id {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.quotes[q.Asset]; ok && q.Sequence <= cur.Sequence {
		return false
	}
	f.quotes[q.Asset] = q
	return true
}

// Attest stores an operator-supplied quote, assigning the next sequence.
func (f *FeedSource) Attest(q Quote) Quote {
	q.Source = f.id
	f.mu.Lock()
	defer f.mu.Unlock()
	q.Sequence = f.quotes[q.Asset].Sequence + 1
	f.quotes[q.Asset] = q
	return q
}

func (f *FeedSource) Quote(ctx context.Context, asset market.AssetID) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[asset]
	if !ok {
		return Quote{}, ErrUnavailable
	}
	return q, nil
}
