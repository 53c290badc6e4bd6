package blocksync

import (
	"errors"

	"github.com/meridian-network/meridian/types"
)

var (
	ErrBlockRequestIsNil = errors.New("block request is nil")
	ErrMissingBlockHash  = errors.New("missing block hash")
)

// BlockRequest asks the receiving peer to send back the block with the
// given digest as a BlockResponse. Peers not holding the block stay silent,
// the requester retries through its own backfill loop.
type BlockRequest struct {
	_    struct{} `cbor:",toarray"`
	Hash types.Hash256
}

func (r *BlockRequest) IsValid() error {
	if r == nil {
		return ErrBlockRequestIsNil
	}
	if r.Hash.IsZero() {
		return ErrMissingBlockHash
	}
	return nil
}
