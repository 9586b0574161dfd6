package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpRisk/internal/circuit"
	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/oracle"
	"PerpRisk/internal/state"
)

func deposited(amount string) *event.EventEnvelope {
	return event.NewEnvelope(&event.CollateralDeposited{
		DepositID: uuid.New(),
		Owner:     uuid.New(),
		Asset:     usdt,
		Amount:    d(amount),
	}, uuid.Nil, "", nil, t0)
}

// ============================================================================
// Test: Outbox & hash chain
// ============================================================================

func TestOutbox_SequencesAndChains(t *testing.T) {
	o := core.NewOutbox(4, zerolog.Nop(), nil)
	for i := 1; i <= 3; i++ {
		o.Append(deposited(fmt.Sprint(i)))
	}
	if o.Sequence() != 3 {
		t.Fatalf("expected sequence 3, got %d", o.Sequence())
	}

	envs, err := o.Since(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected 3 envelopes, got %d", len(envs))
	}
	if err := core.VerifyChain(core.GenesisHash(), envs); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if o.Tip() != envs[2].StateHash {
		t.Error("tip must be the hash of the last envelope")
	}

	// verification can start mid-chain from the previous hash
	if err := core.VerifyChain(envs[0].StateHash, envs[1:]); err != nil {
		t.Errorf("verify from sequence 2: %v", err)
	}
}

func TestOutbox_TamperingDetected(t *testing.T) {
	o := core.NewOutbox(8, zerolog.Nop(), nil)
	o.Append(deposited("1"), deposited("2"), deposited("3"))
	envs, _ := o.Since(1)

	envs[1].Owner = uuid.New()
	if err := core.VerifyChain(core.GenesisHash(), envs); err == nil {
		t.Fatal("expected altered envelope to break the chain")
	}
}

func TestOutbox_GapDetected(t *testing.T) {
	o := core.NewOutbox(8, zerolog.Nop(), nil)
	o.Append(deposited("1"), deposited("2"), deposited("3"))
	envs, _ := o.Since(1)

	err := core.VerifyChain(core.GenesisHash(), []*event.EventEnvelope{envs[0], envs[2]})
	if !errors.Is(err, core.ErrSequenceGap) {
		t.Errorf("expected ErrSequenceGap, got %v", err)
	}
}

func TestOutbox_Retention(t *testing.T) {
	o := core.NewOutbox(2, zerolog.Nop(), nil)
	o.Append(deposited("1"), deposited("2"), deposited("3"))

	if _, err := o.Since(1); !errors.Is(err, core.ErrOutboxTruncated) {
		t.Errorf("expected ErrOutboxTruncated, got %v", err)
	}
	envs, err := o.Since(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 2 || envs[0].Sequence != 2 || envs[1].Sequence != 3 {
		t.Errorf("expected sequences 2 and 3, got %d envelopes", len(envs))
	}
	if envs, _ := o.Since(4); len(envs) != 0 {
		t.Errorf("expected nothing past the head, got %d", len(envs))
	}
}

func TestOutbox_SlowSubscriberDropsAndRefetches(t *testing.T) {
	o := core.NewOutbox(16, zerolog.Nop(), nil)
	ch := o.Subscribe(1)
	o.Append(deposited("1"), deposited("2"), deposited("3"))

	sv := core.NewSequenceValidator()
	first := <-ch
	if err := sv.ValidateSequence("test", first.Sequence); err != nil {
		t.Fatal(err)
	}

	o.Append(deposited("4"))
	next := <-ch
	if err := sv.ValidateSequence("test", next.Sequence); !errors.Is(err, core.ErrSequenceGap) {
		t.Fatalf("expected a gap after dropped envelopes, got %v", err)
	}

	missed, err := o.Since(sv.GetExpectedSequence("test"))
	if err != nil {
		t.Fatal(err)
	}
	for _, env := range missed {
		if err := sv.ValidateSequence("test", env.Sequence); err != nil {
			t.Fatalf("refetched sequence %d: %v", env.Sequence, err)
		}
	}
	if sv.GetExpectedSequence("test") != 5 {
		t.Errorf("expected next sequence 5, got %d", sv.GetExpectedSequence("test"))
	}
	if sv.Metrics().GetGaps("test") != 1 {
		t.Errorf("expected 1 gap recorded, got %d", sv.Metrics().GetGaps("test"))
	}

	o.Close()
	if _, ok := <-ch; ok {
		t.Error("expected channel to close")
	}
}

func TestOutbox_RestoreContinuesChain(t *testing.T) {
	o := core.NewOutbox(8, zerolog.Nop(), nil)
	o.Append(deposited("1"), deposited("2"))
	tip := o.Tip()

	restored := core.NewOutbox(8, zerolog.Nop(), nil)
	restored.Restore(2, tip)
	restored.Append(deposited("3"))

	envs, _ := restored.Since(3)
	if len(envs) != 1 || envs[0].Sequence != 3 {
		t.Fatalf("expected sequence 3 after restore, got %+v", envs)
	}
	if err := core.VerifyChain(tip, envs); err != nil {
		t.Errorf("verify after restore: %v", err)
	}
}

// ============================================================================
// Test: Sequence validation
// ============================================================================

func TestSequenceValidator(t *testing.T) {
	sv := core.NewSequenceValidator()

	tests := []struct {
		seq  uint64
		want error
	}{
		{1, nil},
		{2, nil},
		{2, core.ErrSequenceReplay},
		{4, core.ErrSequenceGap},
		{3, nil},
		{4, nil},
	}
	for _, tt := range tests {
		err := sv.ValidateSequence("p", tt.seq)
		if !errors.Is(err, tt.want) {
			t.Errorf("seq %d: expected %v, got %v", tt.seq, tt.want, err)
		}
	}
	if sv.Metrics().GetReplays("p") != 1 {
		t.Errorf("expected 1 replay, got %d", sv.Metrics().GetReplays("p"))
	}
	// partitions are independent
	if err := sv.ValidateSequence("q", 1); err != nil {
		t.Errorf("new partition: %v", err)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

type stubDB struct {
	seen map[string]bool
	err  error
}

func (s *stubDB) IsDuplicate(_ context.Context, operation string, requester uuid.UUID, requestID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.seen[operation+":"+requester.String()+":"+requestID], nil
}

var alice, bob = uuid.MustParse("00000000-0000-0000-0000-00000000a11c"), uuid.MustParse("00000000-0000-0000-0000-000000000b0b")

func TestIdempotency_TwoTiers(t *testing.T) {
	db := &stubDB{seen: map[string]bool{"open:" + alice.String() + ":persisted": true}}
	ic, err := core.NewIdempotencyChecker(16, db, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// empty keys are never deduplicated
	if out, err := ic.Begin(ctx, "open", alice, ""); out != nil || err != nil {
		t.Errorf("empty key: got %v, %v", out, err)
	}

	if _, err := ic.Begin(ctx, "open", alice, "persisted"); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("tier 2 hit: expected ErrDuplicateRequest, got %v", err)
	}
	// now answered from tier 1
	db.seen = nil
	if _, err := ic.Begin(ctx, "open", alice, "persisted"); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("tier 1 hit: expected ErrDuplicateRequest, got %v", err)
	}

	if out, err := ic.Begin(ctx, "open", alice, "fresh"); out != nil || err != nil {
		t.Fatalf("fresh key: got %v, %v", out, err)
	}
	if _, err := ic.Begin(ctx, "open", alice, "fresh"); !errors.Is(err, core.ErrRequestInFlight) {
		t.Errorf("expected ErrRequestInFlight, got %v", err)
	}
	// same key under a different operation is distinct
	if _, err := ic.Begin(ctx, "close", alice, "fresh"); err != nil {
		t.Errorf("other operation: %v", err)
	}
	// and so is the same key from another requester
	if out, err := ic.Begin(ctx, "open", bob, "persisted"); out != nil || err != nil {
		t.Errorf("other requester: got %v, %v", out, err)
	}
	if out, err := ic.Begin(ctx, "open", bob, "fresh"); out != nil || err != nil {
		t.Errorf("other requester in flight: got %v, %v", out, err)
	}

	ic.Finish("open", alice, "fresh", core.Outcome{Result: 42}, true)
	out, err := ic.Begin(ctx, "open", alice, "fresh")
	if err != nil || out == nil || out.Result != 42 {
		t.Errorf("expected cached outcome 42, got %v, %v", out, err)
	}
}

func TestIdempotency_DatabaseErrorDoesNotBlock(t *testing.T) {
	ic, err := core.NewIdempotencyChecker(16, &stubDB{err: errors.New("connection refused")}, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ic.Begin(context.Background(), "deposit", alice, "k"); err != nil {
		t.Errorf("expected tier 2 failure to be ignored, got %v", err)
	}
	ic.Finish("deposit", alice, "k", core.Outcome{Err: errors.New("rejected")}, false)
	if _, err := ic.Begin(context.Background(), "deposit", alice, "k"); err != nil {
		t.Errorf("uncommitted request must be retryable, got %v", err)
	}
}

func TestIdempotency_Warm(t *testing.T) {
	ic, _ := core.NewIdempotencyChecker(16, nil, zerolog.Nop(), nil)
	ic.Warm([]string{"open:" + alice.String() + ":a", "open:" + alice.String() + ":b"})
	if ic.Size() != 2 {
		t.Errorf("expected 2 keys, got %d", ic.Size())
	}
	if _, err := ic.Begin(context.Background(), "open", alice, "a"); !errors.Is(err, core.ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest for warmed key, got %v", err)
	}
	if _, err := ic.Begin(context.Background(), "open", bob, "a"); err != nil {
		t.Errorf("warmed key of another requester: %v", err)
	}
}

// ============================================================================
// Test: Error classification
// ============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		want      core.ErrorKind
		retryable bool
	}{
		{nil, core.KindNone, false},
		{fmt.Errorf("wrap: %w", state.ErrStaleState), core.KindStaleState, true},
		{oracle.ErrTimeout, core.KindUnavailable, true},
		{context.DeadlineExceeded, core.KindUnavailable, true},
		{oracle.ErrInvalidPrice, core.KindInvalidPrice, false},
		{state.ErrInsufficientMargin, core.KindInsufficientMargin, false},
		{state.ErrNotLiquidatable, core.KindNotLiquidatable, false},
		{circuit.ErrCircuitTripped, core.KindCircuitTripped, false},
		{state.ErrInsuranceExhausted, core.KindInsuranceExhausted, false},
		{state.ErrPositionNotFound, core.KindNotFound, false},
		{core.ErrRequestInFlight, core.KindConflict, false},
		{state.ErrInvalidLeverage, core.KindInvalidArgument, false},
		{fpmath.ErrArithmeticOverflow, core.KindOverflow, false},
		{errors.New("boom"), core.KindInternal, false},
		// the most specific sentinel wins
		{errors.Join(state.ErrInsufficientMargin, state.ErrStaleState), core.KindStaleState, true},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := core.Classify(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
			if got := core.Retryable(tt.err); got != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}
