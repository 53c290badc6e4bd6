package blocksync

import (
	"errors"

	"github.com/meridian-network/meridian/types"
)

var ErrNewBlockIsNil = errors.New("new block announcement is nil")

// NewBlock announces a freshly committed block to the network.
type NewBlock struct {
	_     struct{} `cbor:",toarray"`
	Block *types.Block
}

func (n *NewBlock) IsValid() error {
	if n == nil {
		return ErrNewBlockIsNil
	}
	return validBlock(n.Block)
}
