package types

import (
	"encoding/hex"
	"fmt"
)

// HashLength is the size of a block digest in bytes.
const HashLength = 32

// PrefixLength is the number of leading digest bytes used as the
// hash index bucket key in the block store.
const PrefixLength = 4

type (
	// Hash256 is a SHA-256 block digest.
	Hash256 [HashLength]byte

	// HashPrefix is the truncated digest used as a hash index key.
	HashPrefix [PrefixLength]byte
)

// GenesisParent is the sentinel parent hash of the genesis block. It is a
// fixed value distinct from any computed digest, so a block claiming it as
// parent is validated with the genesis rules instead of a parent lookup.
var GenesisParent = Hash256{
	0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
	0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
	0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
	0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01,
}

// ParseHash256 converts a byte slice to a Hash256, the input must be
// exactly HashLength bytes.
func ParseHash256(b []byte) (Hash256, error) {
	var h Hash256
	if len(b) != HashLength {
		return h, fmt.Errorf("invalid hash length %d, expected %d", len(b), HashLength)
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash256) String() string {
	return hex.EncodeToString(h[:])
}

// Prefix returns the first PrefixLength bytes of the digest.
func (h Hash256) Prefix() HashPrefix {
	var p HashPrefix
	copy(p[:], h[:PrefixLength])
	return p
}

func (h Hash256) IsZero() bool {
	return h == Hash256{}
}

func (p HashPrefix) String() string {
	return hex.EncodeToString(p[:])
}
