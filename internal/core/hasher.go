package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "MarketCore:genesis:v1:"

// GenesisHash is the chain root of one aggregate
func GenesisHash(aggregateID string) [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed + aggregateID))
}

// StateHasher computes deterministic per-aggregate state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher starts a chain at the aggregate's genesis hash
func NewStateHasher(aggregateID string) *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(aggregateID),
	}
}

// ResumeStateHasher continues a chain from a stored tip
func ResumeStateHasher(tip [32]byte) *StateHasher {
	return &StateHasher{prevHash: tip}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(h.prevHash[:])

	// Write sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	// Write state digest
	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	// Update prev_hash for next iteration
	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
