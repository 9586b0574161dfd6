package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// FundingEpoch is the funding rate recorded at one interval boundary.
type FundingEpoch struct {
	Market     market.MarketID
	Index      int64
	Boundary   time.Time
	Rate       fpmath.Value
	MarkPrice  fpmath.Value
	IndexPrice fpmath.Value
	Backfilled bool
}

// EpochIndex returns the index of the last boundary at or before t.
func EpochIndex(t time.Time, interval time.Duration) int64 {
	n := t.UnixNano()
	idx := n / int64(interval)
	if n < 0 && n%int64(interval) != 0 {
		idx--
	}
	return idx
}

// EpochBoundary returns the boundary time of epoch idx.
func EpochBoundary(idx int64, interval time.Duration) time.Time {
	return time.Unix(0, idx*int64(interval)).UTC()
}

type marketEpochs struct {
	interval time.Duration
	epochs   []FundingEpoch // ascending Boundary
}

// FundingManager tracks funding epochs per market
type FundingManager struct {
	mu      sync.RWMutex
	markets map[market.MarketID]*marketEpochs
}

func NewFundingManager() *FundingManager {
	return &FundingManager{
		markets: make(map[market.MarketID]*marketEpochs),
	}
}

// Record stores the rate for the epoch containing at. Epochs already
// recorded are a no-op. Epochs skipped since the last record are backfilled
// with a zero rate. Returns every epoch newly recorded, oldest first.
func (fm *FundingManager) Record(
	m market.MarketID,
	interval time.Duration,
	at time.Time,
	rate, mark, index fpmath.Value,
) ([]FundingEpoch, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("funding interval must be positive")
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	me := fm.markets[m]
	if me == nil {
		me = &marketEpochs{interval: interval}
		fm.markets[m] = me
	}

	idx := EpochIndex(at, interval)
	boundary := EpochBoundary(idx, interval)
	var recorded []FundingEpoch

	if n := len(me.epochs); n > 0 {
		last := me.epochs[n-1]
		if !boundary.After(last.Boundary) {
			// Duplicate - skip (idempotent)
			return nil, nil
		}
		// backfill only while the interval is unchanged
		if me.interval == interval {
			for missed := last.Index + 1; missed < idx; missed++ {
				e := FundingEpoch{
					Market:     m,
					Index:      missed,
					Boundary:   EpochBoundary(missed, interval),
					Rate:       fpmath.Zero,
					MarkPrice:  mark,
					IndexPrice: index,
					Backfilled: true,
				}
				me.epochs = append(me.epochs, e)
				recorded = append(recorded, e)
			}
		}
	}
	me.interval = interval

	e := FundingEpoch{
		Market:     m,
		Index:      idx,
		Boundary:   boundary,
		Rate:       rate,
		MarkPrice:  mark,
		IndexPrice: index,
	}
	me.epochs = append(me.epochs, e)
	recorded = append(recorded, e)
	return recorded, nil
}

// LastEpoch returns the most recent epoch of m.
func (fm *FundingManager) LastEpoch(m market.MarketID) (FundingEpoch, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	me := fm.markets[m]
	if me == nil || len(me.epochs) == 0 {
		return FundingEpoch{}, false
	}
	return me.epochs[len(me.epochs)-1], true
}

// Epochs returns a copy of every recorded epoch of m.
func (fm *FundingManager) Epochs(m market.MarketID) []FundingEpoch {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	me := fm.markets[m]
	if me == nil {
		return nil
	}
	out := make([]FundingEpoch, len(me.epochs))
	copy(out, me.epochs)
	return out
}

// PendingFunding is the unapplied funding of one position.
type PendingFunding struct {
	// Amount > 0 means the position owes, < 0 means it receives.
	Amount    fpmath.Value
	FromEpoch int64
	ToEpoch   int64
	// Through is the boundary of the last epoch included.
	Through time.Time
	Epochs  int
}

// Pending computes funding for every epoch with a boundary after the
// position's LastFundingTime. It does not mutate anything.
func (fm *FundingManager) Pending(p *Position) (PendingFunding, error) {
	out := PendingFunding{Amount: fpmath.Zero, Through: p.LastFundingTime}
	if p.IsFlat() {
		return out, nil
	}

	fm.mu.RLock()
	defer fm.mu.RUnlock()

	me := fm.markets[p.Market]
	if me == nil || len(me.epochs) == 0 {
		return out, nil
	}

	start := sort.Search(len(me.epochs), func(i int) bool {
		return me.epochs[i].Boundary.After(p.LastFundingTime)
	})
	for _, e := range me.epochs[start:] {
		payment, err := fpmath.FundingPayment(e.Rate, p.Size, e.MarkPrice, p.Sign())
		if err != nil {
			return PendingFunding{}, fmt.Errorf("funding epoch %d: %w", e.Index, err)
		}
		if out.Amount, err = fpmath.Add(out.Amount, payment); err != nil {
			return PendingFunding{}, err
		}
		if out.Epochs == 0 {
			out.FromEpoch = e.Index
		}
		out.ToEpoch = e.Index
		out.Through = e.Boundary
		out.Epochs++
	}
	return out, nil
}

// Restore loads previously persisted epochs of one market.
func (fm *FundingManager) Restore(m market.MarketID, interval time.Duration, epochs []FundingEpoch) error {
	sorted := make([]FundingEpoch, len(epochs))
	copy(sorted, epochs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Boundary.Before(sorted[j].Boundary) })
	for i := 1; i < len(sorted); i++ {
		if !sorted[i].Boundary.After(sorted[i-1].Boundary) {
			return fmt.Errorf("duplicate funding epoch for market %d at %s", m, sorted[i].Boundary)
		}
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.markets[m] = &marketEpochs{interval: interval, epochs: sorted}
	return nil
}
