package core

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

const GenesisHashSeed = "PerpSettle:genesis:v1"

// GenesisHash is the chain tip before the first event.
func GenesisHash() common.Hash {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher chains event hashes: hash[N] = SHA-256(hash[N-1] || N || digest).
type StateHasher struct {
	tip common.Hash
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// Next hashes the event at sequence and returns the previous and new tip.
func (h *StateHasher) Next(sequence int64, digest []byte) (prev, next common.Hash) {
	prev = h.tip

	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	copy(next[:], hasher.Sum(nil))
	h.tip = next
	return prev, next
}

func (h *StateHasher) Tip() common.Hash {
	return h.tip
}

// Reset sets the tip, used when restoring from a snapshot.
func (h *StateHasher) Reset(tip common.Hash) {
	h.tip = tip
}

// envelopeDigest is the canonical byte string of an envelope's content.
func envelopeDigest(commandID string, index int, eventType int32, payload []byte) []byte {
	buf := make([]byte, 0, 16+len(commandID)+len(payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(eventType))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(commandID)))
	buf = append(buf, commandID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(index))
	buf = append(buf, payload...)
	return buf
}
