package market

import (
	"fmt"
	"sync"
)

// AssetID, MarketID and SourceID are interned identifiers. Zero means unset.
type (
	AssetID  uint16
	MarketID uint16
	SourceID uint16
)

// Registry interns names to compact numeric IDs. Lookups on hot paths use
// the IDs; names exist only at the edges (config, wire formats, logs).
type Registry struct {
	mu      sync.RWMutex
	assets  table
	markets table
	sources table
}

type table struct {
	ids   map[string]uint16
	names []string // index = id - 1
}

func (t *table) intern(name string) (uint16, error) {
	if t.ids == nil {
		t.ids = make(map[string]uint16)
	}
	if id, ok := t.ids[name]; ok {
		return id, nil
	}
	if len(t.names) >= 1<<16-1 {
		return 0, fmt.Errorf("identifier table full, cannot intern %q", name)
	}
	t.names = append(t.names, name)
	id := uint16(len(t.names))
	t.ids[name] = id
	return id, nil
}

func (t *table) lookup(name string) (uint16, bool) {
	id, ok := t.ids[name]
	return id, ok
}

func (t *table) name(id uint16) string {
	if id == 0 || int(id) > len(t.names) {
		return fmt.Sprintf("#%d", id)
	}
	return t.names[id-1]
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Asset interns an asset symbol such as "USDC" or "ETH".
func (r *Registry) Asset(name string) (AssetID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.assets.intern(name)
	return AssetID(id), err
}

func (r *Registry) LookupAsset(name string) (AssetID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.assets.lookup(name)
	return AssetID(id), ok
}

func (r *Registry) AssetName(id AssetID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assets.name(uint16(id))
}

// Market interns a market symbol such as "ETH-PERP".
func (r *Registry) Market(symbol string) (MarketID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.markets.intern(symbol)
	return MarketID(id), err
}

func (r *Registry) LookupMarket(symbol string) (MarketID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.markets.lookup(symbol)
	return MarketID(id), ok
}

func (r *Registry) MarketName(id MarketID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.markets.name(uint16(id))
}

// Source interns an oracle source name such as "chainlink".
func (r *Registry) Source(name string) (SourceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.sources.intern(name)
	return SourceID(id), err
}

func (r *Registry) LookupSource(name string) (SourceID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sources.lookup(name)
	return SourceID(id), ok
}

func (r *Registry) SourceName(id SourceID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sources.name(uint16(id))
}
