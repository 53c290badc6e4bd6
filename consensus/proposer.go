package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridian-network/meridian/blockstore"
	"github.com/meridian-network/meridian/logger"
	"github.com/meridian-network/meridian/network/protocol/blocksync"
	"github.com/meridian-network/meridian/types"
)

/*
Proposer answers the per round calls of the voting engine: produce a block
on top of a given parent, judge a candidate block, record finality. All
storage and network plumbing stays behind these three calls.

The latest committed hash is cached as a convenience for status reporting,
it is advisory only: validation always re-reads the store.
*/
type Proposer struct {
	store *blockstore.BlockStore
	relay *Relay
	now   func() uint64
	log   *slog.Logger

	mu     sync.Mutex
	latest types.Hash256

	proposed      metric.Int64Counter
	verifications metric.Int64Counter
}

func NewProposer(store *blockstore.BlockStore, relay *Relay, obs Observability) (*Proposer, error) {
	if store == nil {
		return nil, errors.New("block store is nil")
	}
	if relay == nil {
		return nil, errors.New("relay is nil")
	}
	p := &Proposer{
		store:  store,
		relay:  relay,
		now:    func() uint64 { return uint64(time.Now().Unix()) },
		log:    obs.Logger(),
		latest: types.GenesisParent,
	}
	if err := p.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return p, nil
}

func (p *Proposer) initMetrics(obs Observability) (err error) {
	m := obs.Meter("consensus.proposer")

	if p.proposed, err = m.Int64Counter(
		"blocks.proposed.count",
		metric.WithDescription("Number of blocks proposed by this node"),
		metric.WithUnit("{block}"),
	); err != nil {
		return fmt.Errorf("creating counter for proposed blocks: %w", err)
	}

	if p.verifications, err = m.Int64Counter(
		"verifications.count",
		metric.WithDescription("Number of candidate block verifications by verdict"),
		metric.WithUnit("{block}"),
	); err != nil {
		return fmt.Errorf("creating counter for verifications: %w", err)
	}

	return nil
}

// Genesis returns the sentinel hash standing in for the parent of the
// first block. Deterministic, no side effects.
func (p *Proposer) Genesis() types.Hash256 {
	return types.GenesisParent
}

/*
Propose builds, stores and announces a block on top of the given parent and
returns its digest. The block timestamp is the wall clock, pushed forward to
parent timestamp + 1 when the clock has not advanced past the parent.

When the parent is not stored a fetch for it is issued and the attempt fails
with ErrMissingParent, the engine retries the round after its timeout. A
storage or announce failure likewise aborts the attempt.
*/
func (p *Proposer) Propose(ctx context.Context, round uint64, parent types.Hash256) (types.Hash256, error) {
	var number, timestamp uint64
	if parent == types.GenesisParent {
		number, timestamp = 0, p.now()
	} else {
		parentBlock, err := p.store.ByHash(parent)
		if err != nil {
			if errors.Is(err, blockstore.ErrNotFound) {
				p.requestBlock(ctx, parent, round)
				return types.Hash256{}, fmt.Errorf("parent %s: %w", parent, ErrMissingParent)
			}
			return types.Hash256{}, fmt.Errorf("reading parent block: %w", err)
		}
		number = parentBlock.Number + 1
		timestamp = p.now()
		if timestamp <= parentBlock.Timestamp {
			timestamp = parentBlock.Timestamp + 1
		}
	}

	block := types.NewBlock(number, parent, timestamp)
	if err := p.store.Put(block); err != nil {
		return types.Hash256{}, fmt.Errorf("storing proposed block: %w", err)
	}
	if err := p.relay.SendTo(ctx, &blocksync.NewBlock{Block: block}); err != nil {
		return types.Hash256{}, fmt.Errorf("announcing proposed block: %w", err)
	}
	p.setLatest(block.Hash)

	p.proposed.Add(ctx, 1)
	p.log.InfoContext(ctx, fmt.Sprintf("proposed block %d (%s)", block.Number, block.Hash), logger.Round(round))
	return block.Hash, nil
}

/*
Verify reports whether the candidate block is a valid successor of the
expected parent. The verdict is the boolean, the error is reserved for
infrastructure faults (the engine treats those as a failed attempt and
retries).

A candidate or parent that is not stored yet yields a false verdict and a
fetch request, the engine's retry cadence re-invokes Verify once the block
has arrived.
*/
func (p *Proposer) Verify(ctx context.Context, round uint64, parent types.Hash256, candidate types.Hash256) (bool, error) {
	block, err := p.store.ByHash(candidate)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			p.countVerification(ctx, "missing")
			p.requestBlock(ctx, candidate, round)
			return false, nil
		}
		p.countVerification(ctx, "error")
		return false, fmt.Errorf("reading candidate block: %w", err)
	}

	if err := ValidateBlock(p.store, block, parent); err != nil {
		switch {
		case errors.Is(err, ErrMissingParent):
			p.countVerification(ctx, "missing")
			p.requestBlock(ctx, block.ParentHash, round)
			return false, nil
		case isRuleViolation(err):
			p.countVerification(ctx, "rejected")
			p.log.DebugContext(ctx, fmt.Sprintf("rejecting block %d (%s)", block.Number, block.Hash), logger.Round(round), logger.Error(err))
			return false, nil
		default:
			p.countVerification(ctx, "error")
			return false, err
		}
	}

	p.countVerification(ctx, "valid")
	return true, nil
}

/*
Committed records that the engine reached finality on the block: the cached
latest hash moves to it and peers are informed with a NewBlock announcement.
Never fails, finality has been decided upstream, so problems are logged and
swallowed.
*/
func (p *Proposer) Committed(ctx context.Context, hash types.Hash256) {
	p.setLatest(hash)

	block, err := p.store.ByHash(hash)
	if err != nil {
		p.log.WarnContext(ctx, fmt.Sprintf("committed block %s is not readable locally", hash), logger.Error(err))
		return
	}
	if err := p.relay.SendTo(ctx, &blocksync.NewBlock{Block: block}); err != nil {
		p.log.WarnContext(ctx, fmt.Sprintf("failed to announce committed block %d", block.Number), logger.Error(err))
		return
	}
	p.log.InfoContext(ctx, fmt.Sprintf("committed block %d (%s)", block.Number, block.Hash))
}

// LatestHash returns the most recently committed or proposed hash this node
// knows of. Advisory, callers needing correctness must consult the store.
func (p *Proposer) LatestHash() types.Hash256 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

func (p *Proposer) setLatest(hash types.Hash256) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = hash
}

// requestBlock fires a best effort fetch for a block this node is missing.
func (p *Proposer) requestBlock(ctx context.Context, hash types.Hash256, round uint64) {
	if err := p.relay.RequestBlock(ctx, hash); err != nil {
		p.log.WarnContext(ctx, fmt.Sprintf("failed to request block %s", hash), logger.Round(round), logger.Error(err))
	}
}

func (p *Proposer) countVerification(ctx context.Context, verdict string) {
	p.verifications.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String("verdict", verdict))))
}

/*
ValidateBlock applies the block acceptance rules in order, the first
violated rule names the error:

 1. the block's parent hash must equal the expected parent;
 2. on the genesis sentinel parent the block number must be zero, nothing
    else is checked;
 3. otherwise the parent block must be stored (ErrMissingParent if not),
    the block's digest must match its content, its number must be the
    parent's plus one and its timestamp must be after the parent's.

Read only except for the store lookup of the parent.
*/
func ValidateBlock(store *blockstore.BlockStore, block *types.Block, expectedParent types.Hash256) error {
	if block.ParentHash != expectedParent {
		return ErrInvalidParentHash
	}
	if expectedParent == types.GenesisParent {
		if block.Number != 0 {
			return ErrInvalidBlockNumber
		}
		return nil
	}

	parent, err := store.ByHash(block.ParentHash)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			return fmt.Errorf("parent %s: %w", block.ParentHash, ErrMissingParent)
		}
		return fmt.Errorf("reading parent block: %w", err)
	}

	if block.Hash != block.ComputeHash() {
		return ErrInvalidHash
	}
	if block.Number != parent.Number+1 {
		return ErrInvalidBlockNumber
	}
	if block.Timestamp <= parent.Timestamp {
		return ErrInvalidTimestamp
	}
	return nil
}

func isRuleViolation(err error) bool {
	for _, rule := range []error{ErrInvalidParentHash, ErrInvalidHash, ErrInvalidBlockNumber, ErrInvalidTimestamp} {
		if errors.Is(err, rule) {
			return true
		}
	}
	return false
}
