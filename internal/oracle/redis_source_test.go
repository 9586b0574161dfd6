package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"PerpRisk/internal/market"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/testutil"
)

// setupRedis connects to the integration Redis or skips.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	testutil.RequireIntegration(t)
	rdb := redis.NewClient(&redis.Options{Addr: testutil.TestRedisAddr()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisSource_RoundTrip(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	reg := market.NewRegistry()
	asset, _ := reg.Asset("TEST-" + time.Now().Format("150405.000000"))
	src, _ := reg.Source("redis-test")
	rs := oracle.NewRedisSource(rdb, src, reg)

	if _, err := rs.Quote(ctx, asset); !errors.Is(err, oracle.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for missing key, got %v", err)
	}

	want := oracle.Quote{
		Source:        src,
		Asset:         asset,
		Price:         fpmath.MustParse("3000.125"),
		ConfidenceBps: 8,
		ObservedAt:    time.UnixMilli(time.Now().UnixMilli()),
		Sequence:      42,
	}
	if err := rs.Store(ctx, want); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		rdb.Del(ctx, "oracle:quote:redis-test:"+reg.AssetName(asset))
	})

	got, err := rs.Quote(ctx, asset)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Price.Equal(want.Price) || got.ConfidenceBps != 8 || got.Sequence != 42 || !got.ObservedAt.Equal(want.ObservedAt) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
