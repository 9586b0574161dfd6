package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Source supplies market and collateral configuration. The core re-reads it
// on every operation so parameter changes take effect without a restart.
type Source interface {
	Market(ctx context.Context, id MarketID) (Config, error)
	Markets(ctx context.Context) ([]Config, error)
	Collateral(ctx context.Context, asset AssetID) (Collateral, error)
	Collaterals(ctx context.Context) ([]Collateral, error)
}

// StaticSource serves configuration held in memory, typically loaded from
// the config file. Updates go through Put*, which validate first.
type StaticSource struct {
	mu          sync.RWMutex
	markets     map[MarketID]Config
	collaterals map[AssetID]Collateral
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		markets:     make(map[MarketID]Config),
		collaterals: make(map[AssetID]Collateral),
	}
}

func (s *StaticSource) PutMarket(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid market config for %s: %w", cfg.Symbol, err)
	}
	s.mu.Lock()
	s.markets[cfg.ID] = cfg
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) PutCollateral(c Collateral) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid collateral config for asset %d: %w", c.Asset, err)
	}
	s.mu.Lock()
	s.collaterals[c.Asset] = c
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) Market(_ context.Context, id MarketID) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.markets[id]
	if !ok {
		return Config{}, fmt.Errorf("%w: %d", ErrUnknownMarket, id)
	}
	return cfg, nil
}

func (s *StaticSource) Markets(_ context.Context) ([]Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Config, 0, len(s.markets))
	for _, cfg := range s.markets {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *StaticSource) Collateral(_ context.Context, asset AssetID) (Collateral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collaterals[asset]
	if !ok {
		return Collateral{}, fmt.Errorf("%w: %d", ErrUnknownCollateral, asset)
	}
	return c, nil
}

func (s *StaticSource) Collaterals(_ context.Context) ([]Collateral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Collateral, 0, len(s.collaterals))
	for _, c := range s.collaterals {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

// TTLSource caches another Source for at most ttl. Errors are not cached.
type TTLSource struct {
	inner Source
	ttl   time.Duration
	now   func() time.Time

	mu          sync.Mutex
	markets     map[MarketID]cached[Config]
	collaterals map[AssetID]cached[Collateral]
	allMarkets  cached[[]Config]
	allColl     cached[[]Collateral]
}

type cached[T any] struct {
	value   T
	fetched time.Time
	ok      bool
}

func (c cached[T]) fresh(now time.Time, ttl time.Duration) bool {
	return c.ok && now.Sub(c.fetched) < ttl
}

func NewTTLSource(inner Source, ttl time.Duration) *TTLSource {
	return &TTLSource{
		inner:       inner,
		ttl:         ttl,
		now:         time.Now,
		markets:     make(map[MarketID]cached[Config]),
		collaterals: make(map[AssetID]cached[Collateral]),
	}
}

func (s *TTLSource) Market(ctx context.Context, id MarketID) (Config, error) {
	now := s.now()
	s.mu.Lock()
	c := s.markets[id]
	s.mu.Unlock()
	if c.fresh(now, s.ttl) {
		return c.value, nil
	}

	cfg, err := s.inner.Market(ctx, id)
	if err != nil {
		return Config{}, err
	}
	s.mu.Lock()
	s.markets[id] = cached[Config]{value: cfg, fetched: now, ok: true}
	s.mu.Unlock()
	return cfg, nil
}

func (s *TTLSource) Markets(ctx context.Context) ([]Config, error) {
	now := s.now()
	s.mu.Lock()
	c := s.allMarkets
	s.mu.Unlock()
	if c.fresh(now, s.ttl) {
		return c.value, nil
	}

	cfgs, err := s.inner.Markets(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.allMarkets = cached[[]Config]{value: cfgs, fetched: now, ok: true}
	s.mu.Unlock()
	return cfgs, nil
}

func (s *TTLSource) Collateral(ctx context.Context, asset AssetID) (Collateral, error) {
	now := s.now()
	s.mu.Lock()
	c := s.collaterals[asset]
	s.mu.Unlock()
	if c.fresh(now, s.ttl) {
		return c.value, nil
	}

	coll, err := s.inner.Collateral(ctx, asset)
	if err != nil {
		return Collateral{}, err
	}
	s.mu.Lock()
	s.collaterals[asset] = cached[Collateral]{value: coll, fetched: now, ok: true}
	s.mu.Unlock()
	return coll, nil
}

func (s *TTLSource) Collaterals(ctx context.Context) ([]Collateral, error) {
	now := s.now()
	s.mu.Lock()
	c := s.allColl
	s.mu.Unlock()
	if c.fresh(now, s.ttl) {
		return c.value, nil
	}

	colls, err := s.inner.Collaterals(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.allColl = cached[[]Collateral]{value: colls, fetched: now, ok: true}
	s.mu.Unlock()
	return colls, nil
}

// Invalidate drops all cached entries.
func (s *TTLSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets = make(map[MarketID]cached[Config])
	s.collaterals = make(map[AssetID]cached[Collateral])
	s.allMarkets = cached[[]Config]{}
	s.allColl = cached[[]Collateral]{}
}
