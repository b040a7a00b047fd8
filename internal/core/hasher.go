package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
)

const GenesisHashSeed = "PerpSettle:genesis:v1"

var ErrChainBroken = errs.New(errs.KindUnknown, "hash_chain_broken")

// StateHasher computes the hash chain over committed event records
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// ResumeStateHasher continues a chain from a committed tip. A zero tip is an
// empty log and starts from genesis.
func ResumeStateHasher(tip [32]byte) *StateHasher {
	if tip == ([32]byte{}) {
		return NewStateHasher()
	}
	return &StateHasher{prevHash: tip}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// Seal assigns the hash chain fields of a sequenced record.
func (h *StateHasher) Seal(rec *event.Record) {
	rec.PrevHash = h.prevHash
	rec.StateHash = h.ComputeHash(rec.Sequence, RecordDigest(rec))
}

// RecordDigest is the canonical byte form of a record: everything except
// the chain fields themselves.
func RecordDigest(rec *event.Record) []byte {
	digest := make([]byte, 0, 64+len(rec.Op)+len(rec.AccountID)+len(rec.Payload))
	digest = append(digest, rec.CallID[:]...)
	digest = appendString(digest, rec.Op)
	digest = appendString(digest, rec.IdempotencyKey)
	digest = appendInt64LE(digest, int64(rec.EventType))
	digest = appendString(digest, rec.AccountID)
	if rec.MarketID != nil {
		digest = appendString(digest, *rec.MarketID)
	} else {
		digest = appendInt64LE(digest, -1)
	}
	digest = appendInt64LE(digest, rec.Timestamp)
	return append(digest, rec.Payload...)
}

// VerifyChain recomputes the chain over records starting from prev.
func VerifyChain(prev [32]byte, records []event.Record) error {
	h := ResumeStateHasher(prev)
	for i := range records {
		rec := records[i]
		if rec.PrevHash != h.GetPrevHash() {
			return fmt.Errorf("%w: sequence %d prev hash mismatch", ErrChainBroken, rec.Sequence)
		}
		if got := h.ComputeHash(rec.Sequence, RecordDigest(&rec)); got != rec.StateHash {
			return fmt.Errorf("%w: sequence %d state hash mismatch", ErrChainBroken, rec.Sequence)
		}
	}
	return nil
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
