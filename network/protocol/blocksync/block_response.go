package blocksync

import (
	"errors"

	"github.com/meridian-network/meridian/types"
)

var (
	ErrBlockResponseIsNil = errors.New("block response is nil")
	// ErrBlockDigestMismatch marks a block whose stored digest does not
	// match the digest recomputed over its content.
	ErrBlockDigestMismatch = errors.New("block digest does not match its content")
)

// BlockResponse answers a BlockRequest with the requested block.
type BlockResponse struct {
	_     struct{} `cbor:",toarray"`
	Block *types.Block
}

func (r *BlockResponse) IsValid() error {
	if r == nil {
		return ErrBlockResponseIsNil
	}
	return validBlock(r.Block)
}

func validBlock(block *types.Block) error {
	if block == nil {
		return types.ErrBlockIsNil
	}
	if !block.SelfConsistent() {
		return ErrBlockDigestMismatch
	}
	return nil
}
