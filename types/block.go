package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

var ErrBlockIsNil = errors.New("block is nil")

// Block is the unit of the chain. Immutable once constructed: Hash covers
// every other field and is checked against the recomputed digest on every
// validation, so a mutated block is always detectable.
type Block struct {
	_          struct{} `cbor:",toarray"`
	Number     uint64
	ParentHash Hash256
	Hash       Hash256
	Timestamp  uint64
}

// NewBlock constructs a block at the given height and fills in its digest.
func NewBlock(number uint64, parentHash Hash256, timestamp uint64) *Block {
	b := &Block{
		Number:     number,
		ParentHash: parentHash,
		Timestamp:  timestamp,
	}
	b.Hash = b.ComputeHash()
	return b
}

// ComputeHash returns the digest over {Number, ParentHash, Timestamp} in
// fixed byte order: little-endian number, parent hash bytes, little-endian
// timestamp. Both ends of the wire must agree on this layout.
func (b *Block) ComputeHash() Hash256 {
	var buf [8 + HashLength + 8]byte
	binary.LittleEndian.PutUint64(buf[0:8], b.Number)
	copy(buf[8:8+HashLength], b.ParentHash[:])
	binary.LittleEndian.PutUint64(buf[8+HashLength:], b.Timestamp)
	return sha256.Sum256(buf[:])
}

// SelfConsistent reports whether the stored digest matches the recomputed one.
func (b *Block) SelfConsistent() bool {
	return b != nil && b.Hash == b.ComputeHash()
}

// IsGenesis reports whether the block claims the genesis sentinel as parent.
func (b *Block) IsGenesis() bool {
	return b != nil && b.ParentHash == GenesisParent
}
