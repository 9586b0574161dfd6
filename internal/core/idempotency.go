package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"PerpRisk/internal/observability"
)

var (
	// ErrDuplicateRequest is returned for a request key that was already
	// processed but whose result is no longer cached.
	ErrDuplicateRequest = errors.New("duplicate request")
	// ErrRequestInFlight is returned while the same request key is running.
	ErrRequestInFlight = errors.New("request already in flight")
)

// DBIdempotencyChecker is the interface for the Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, operation string, requester uuid.UUID, requestID string) (bool, error)
}

// IdempotencyChecker implements two-tier request deduplication.
// Tier 1 is an in-memory LRU holding the original result, tier 2 is the
// persisted intent log.
type IdempotencyChecker struct {
	lru       *lru.Cache
	dbChecker DBIdempotencyChecker

	mu       sync.Mutex
	inflight map[string]struct{}

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, logger zerolog.Logger, metrics *observability.Metrics) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		inflight:  make(map[string]struct{}),
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// compositeKey scopes requestID to the operation and the identity that
// submitted it, so two callers choosing the same id never collide.
func compositeKey(operation string, requester uuid.UUID, requestID string) string {
	return operation + ":" + requester.String() + ":" + requestID
}

// Outcome is the cached result of a completed request.
type Outcome struct {
	Result any
	Err    error
}

// Begin reserves requestID of requester for operation. When the request
// already completed, its cached outcome is returned. An empty requestID
// disables deduplication.
func (ic *IdempotencyChecker) Begin(ctx context.Context, operation string, requester uuid.UUID, requestID string) (*Outcome, error) {
	if requestID == "" {
		return nil, nil
	}
	key := compositeKey(operation, requester, requestID)

	// Tier 1: LRU check (hot path)
	if v, ok := ic.lru.Get(key); ok {
		out, _ := v.(*Outcome)
		if out == nil {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
		}
		ic.countReplay()
		return out, nil
	}

	ic.mu.Lock()
	if _, busy := ic.inflight[key]; busy {
		ic.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRequestInFlight, key)
	}
	ic.inflight[key] = struct{}{}
	ic.mu.Unlock()

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		dup, err := ic.dbChecker.IsDuplicate(ctx, operation, requester, requestID)
		if err != nil {
			// A database problem must not block risk operations.
			ic.logger.Warn().Err(err).Str("key", key).Msg("idempotency tier 2 lookup failed")
		} else if dup {
			ic.release(key)
			ic.lru.Add(key, (*Outcome)(nil))
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key)
		}
	}
	return nil, nil
}

// Finish releases the reservation. Committed outcomes are cached so a retry
// with the same key gets them unchanged; failed requests may be retried.
func (ic *IdempotencyChecker) Finish(operation string, requester uuid.UUID, requestID string, out Outcome, committed bool) {
	if requestID == "" {
		return
	}
	key := compositeKey(operation, requester, requestID)
	if committed {
		ic.lru.Add(key, &out)
	}
	ic.release(key)
}

func (ic *IdempotencyChecker) release(key string) {
	ic.mu.Lock()
	delete(ic.inflight, key)
	ic.mu.Unlock()
}

// Warm loads recently persisted keys so restarts do not fall through to
// tier 2 for every retry. Keys have the form operation:requester:request_id
// with the nil UUID for operator requests. Warmed keys carry no result.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		if !ic.lru.Contains(key) {
			ic.lru.Add(key, (*Outcome)(nil))
		}
	}
}

// Size returns current number of cached keys
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

func (ic *IdempotencyChecker) countReplay() {
	if ic.metrics != nil {
		ic.metrics.IdempotentReplays.Inc()
	}
}

// idempotent runs fn at most once per (operation, requester, requestID).
// fn reports whether its effects were committed, which may be true
// alongside an error.
func idempotent[T any](ctx context.Context, ic *IdempotencyChecker, operation string, requester uuid.UUID, requestID string, fn func() (T, bool, error)) (T, error) {
	var zero T
	cached, err := ic.Begin(ctx, operation, requester, requestID)
	if err != nil {
		return zero, err
	}
	if cached != nil {
		v, _ := cached.Result.(T)
		return v, cached.Err
	}

	result, committed, err := fn()
	ic.Finish(operation, requester, requestID, Outcome{Result: result, Err: err}, committed)
	return result, err
}
