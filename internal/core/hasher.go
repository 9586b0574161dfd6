package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
)

const GenesisHashSeed = "PerpRisk:genesis:v1"

// StateHasher computes the hash chain over outbox envelopes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first envelope.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
func (h *StateHasher) ComputeHash(sequence uint64, digest []byte) [32]byte {
	hash := chainHash(h.prevHash, sequence, digest)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// Restore moves the chain tip, used when resuming from the intent log.
func (h *StateHasher) Restore(tip [32]byte) {
	h.prevHash = tip
}

func chainHash(prev [32]byte, sequence uint64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], sequence)
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// EnvelopeDigest returns the canonical bytes of an envelope: header fields
// followed by every journal of its batch in batch order.
func EnvelopeDigest(env *event.EventEnvelope) []byte {
	digest := make([]byte, 0, 128)
	digest = binary.LittleEndian.AppendUint32(digest, uint32(env.EventType))
	digest = binary.LittleEndian.AppendUint16(digest, uint16(env.MarketID))
	digest = append(digest, env.Owner[:]...)
	digest = append(digest, env.Requester[:]...)
	digest = binary.LittleEndian.AppendUint64(digest, uint64(env.Timestamp.UnixNano()))
	digest = appendString(digest, env.RequestID)
	digest = appendString(digest, env.Payload.IdempotencyKey())

	if env.Batch == nil {
		return digest
	}
	digest = append(digest, env.Batch.BatchID[:]...)
	for _, j := range env.Batch.Journals {
		digest = appendAccountKey(digest, j.DebitAccount)
		digest = appendAccountKey(digest, j.CreditAccount)
		digest = appendString(digest, j.Amount.String())
		digest = binary.LittleEndian.AppendUint32(digest, uint32(j.JournalType))
	}
	return digest
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendAccountKey(buf []byte, k ledger.AccountKey) []byte {
	buf = append(buf, byte(k.Scope))
	buf = append(buf, k.EntityID[:]...)
	buf = append(buf, byte(k.SubType))
	return binary.LittleEndian.AppendUint16(buf, uint16(k.AssetID))
}

// VerifyChain recomputes hashes of consecutive envelopes starting after tip.
// It reports the first sequence gap or hash mismatch.
func VerifyChain(tip [32]byte, envelopes []*event.EventEnvelope) error {
	sv := NewSequenceValidator()
	if len(envelopes) > 0 {
		sv.SetExpectedSequence("verify", envelopes[0].Sequence)
	}
	prev := tip
	for _, env := range envelopes {
		if err := sv.ValidateSequence("verify", env.Sequence); err != nil {
			return err
		}
		if env.PrevHash != prev {
			return fmt.Errorf("envelope %d: prev hash %x does not match chain tip %x", env.Sequence, env.PrevHash[:8], prev[:8])
		}
		want := chainHash(prev, env.Sequence, EnvelopeDigest(env))
		if env.StateHash != want {
			return fmt.Errorf("envelope %d: state hash mismatch", env.Sequence)
		}
		prev = want
	}
	return nil
}
