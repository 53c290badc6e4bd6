/*
Package consensus implements the callback surface an external BFT voting
engine drives: block production and validation (Automaton, Committer), the
block broadcast contract (Relayer) and leader selection (Supervisor). The
engine owns rounds, timeouts and votes; this package owns blocks, their
storage and the validator registry the election runs on.

The components are wired at construction time: Proposer and Relay share the
block store and the election registry, the Proposer additionally holds the
Relay for fetch requests and block announcements. The Relay never calls back
into the Proposer.
*/
package consensus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridian-network/meridian/consensus/leader"
	"github.com/meridian-network/meridian/network"
	"github.com/meridian-network/meridian/types"
)

var (
	// ErrMissingParent aborts a proposal attempt whose parent block is not
	// stored locally. A fetch is issued alongside, the engine's retry
	// re-invokes the round once the parent has arrived.
	ErrMissingParent = errors.New("parent block is not stored")

	// block validation failures, in the order the rules are applied
	ErrInvalidParentHash  = errors.New("parent hash does not match the expected parent")
	ErrInvalidHash        = errors.New("block hash does not match its content")
	ErrInvalidBlockNumber = errors.New("block number is not parent number plus one")
	ErrInvalidTimestamp   = errors.New("block timestamp is not after parent timestamp")
)

type (
	// Automaton is the proposal side of the engine contract: produce a
	// candidate block for a round or give a verdict on somebody else's.
	Automaton interface {
		Genesis() types.Hash256
		Propose(ctx context.Context, round uint64, parent types.Hash256) (types.Hash256, error)
		Verify(ctx context.Context, round uint64, parent types.Hash256, candidate types.Hash256) (bool, error)
	}

	// Committer is notified when the engine reaches finality on a block.
	// The call must not fail, finality has already been decided.
	Committer interface {
		Committed(ctx context.Context, hash types.Hash256)
	}

	// Relayer is the broadcast contract of the engine: resolve a payload
	// hash to the stored block and distribute it to all validators.
	Relayer interface {
		Broadcast(ctx context.Context, payloadHash types.Hash256) error
	}

	// Supervisor answers the engine's round eligibility queries. The
	// queries degrade to "no leader" / "no participants" on an empty
	// registry, they never error.
	Supervisor interface {
		Leader(round uint64, seed uint64) (peer.ID, bool)
		Participants(round uint64) []peer.ID
		IsParticipant(round uint64, candidate peer.ID) (int, bool)
	}

	// ValidatorNet is the transport consumed by the Relay: direct streams
	// to named peers plus network wide gossip, incoming traffic of both
	// delivered on one channel.
	ValidatorNet interface {
		Send(ctx context.Context, msg any, receivers ...peer.ID) error
		Publish(ctx context.Context, msg any) error
		ReceivedChannel() <-chan network.ReceivedMessage
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}
)

var (
	_ Automaton  = (*Proposer)(nil)
	_ Committer  = (*Proposer)(nil)
	_ Relayer    = (*Relay)(nil)
	_ Supervisor = (*leader.RegionRotation)(nil)
)
