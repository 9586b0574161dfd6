package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
)

// RedisSource reads quotes that an external feeder keeps in Redis hashes:
//
//	HSET oracle:quote:{source}:{asset} price 3000.12 confidence_bps 8 observed_at_ms 1700000000000 sequence 42
type RedisSource struct {
	rdb       redis.Cmdable
	id        market.SourceID
	registry  *market.Registry
	keyPrefix string
}

func NewRedisSource(rdb redis.Cmdable, id market.SourceID, registry *market.Registry) *RedisSource {
	return &RedisSource{
		rdb:       rdb,
		id:        id,
		registry:  registry,
		keyPrefix: "oracle:quote",
	}
}

func (s *RedisSource) key(asset market.AssetID) string {
	return fmt.Sprintf("%s:%s:%s", s.keyPrefix, s.registry.SourceName(s.id), s.registry.AssetName(asset))
}

func (s *RedisSource) Quote(ctx context.Context, asset market.AssetID) (Quote, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(asset)).Result()
	if err != nil {
		return Quote{}, fmt.Errorf("redis quote %s: %w", s.key(asset), err)
	}
	if len(fields) == 0 {
		return Quote{}, ErrUnavailable
	}

	price, err := fpmath.Parse(fields["price"])
	if err != nil {
		return Quote{}, fmt.Errorf("redis quote %s: price: %w", s.key(asset), err)
	}
	conf, err := strconv.ParseInt(fields["confidence_bps"], 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("redis quote %s: confidence_bps: %w", s.key(asset), err)
	}
	observedMs, err := strconv.ParseInt(fields["observed_at_ms"], 10, 64)
	if err != nil {
		return Quote{}, fmt.Errorf("redis quote %s: observed_at_ms: %w", s.key(asset), err)
	}
	seq, _ := strconv.ParseUint(fields["sequence"], 10, 64)

	return Quote{
		Source:        s.id,
		Asset:         asset,
		Price:         price,
		ConfidenceBps: conf,
		ObservedAt:    time.UnixMilli(observedMs),
		Sequence:      seq,
	}, nil
}

// Store writes q in the feeder's format. Used by the attestation path and
// by tests; production feeders write the hash directly.
func (s *RedisSource) Store(ctx context.Context, q Quote) error {
	return s.rdb.HSet(ctx, s.key(q.Asset),
		"price", q.Price.String(),
		"confidence_bps", strconv.FormatInt(q.ConfidenceBps, 10),
		"observed_at_ms", strconv.FormatInt(q.ObservedAt.UnixMilli(), 10),
		"sequence", strconv.FormatUint(q.Sequence, 10),
	).Err()
}
