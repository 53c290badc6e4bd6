package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridian-network/meridian/blockstore"
	"github.com/meridian-network/meridian/consensus/leader"
	"github.com/meridian-network/meridian/logger"
	"github.com/meridian-network/meridian/network/protocol/blocksync"
	"github.com/meridian-network/meridian/network/protocol/election"
	"github.com/meridian-network/meridian/types"
)

// roundHorizon bounds the election bookkeeping: vote tallies and leader
// records of rounds this far behind the highest observed round are dropped.
const roundHorizon = 1024

type voteKey struct {
	round     uint64
	candidate peer.ID
}

/*
Relay is the sole path between this node and its peers: it serializes and
addresses outbound consensus messages and dispatches every inbound one to
the component it concerns (blocks to the store, election gossip to the
leader registry). It also runs the vote tally that closes a leader election
round with a single announcement.
*/
type Relay struct {
	self     peer.ID
	store    *blockstore.BlockStore
	election *leader.RegionRotation
	net      ValidatorNet
	log      *slog.Logger

	mu        sync.Mutex
	votes     map[voteKey]map[peer.ID]struct{}
	announced map[uint64]peer.ID
	maxRound  uint64

	msgHandled    metric.Int64Counter
	announcements metric.Int64Counter
}

func NewRelay(self peer.ID, store *blockstore.BlockStore, election *leader.RegionRotation, net ValidatorNet, obs Observability) (*Relay, error) {
	if store == nil {
		return nil, errors.New("block store is nil")
	}
	if election == nil {
		return nil, errors.New("leader election is nil")
	}
	if net == nil {
		return nil, errors.New("validator network is nil")
	}
	r := &Relay{
		self:      self,
		store:     store,
		election:  election,
		net:       net,
		log:       obs.Logger(),
		votes:     make(map[voteKey]map[peer.ID]struct{}),
		announced: make(map[uint64]peer.ID),
	}
	if err := r.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return r, nil
}

func (r *Relay) initMetrics(obs Observability) (err error) {
	m := obs.Meter("consensus.relay")

	if r.msgHandled, err = m.Int64Counter(
		"messages.handled.count",
		metric.WithDescription("Number of consensus messages dispatched, by type and outcome"),
		metric.WithUnit("{message}"),
	); err != nil {
		return fmt.Errorf("creating counter for handled messages: %w", err)
	}

	if r.announcements, err = m.Int64Counter(
		"leader.announcements.count",
		metric.WithDescription("Number of leader announcements this node published"),
		metric.WithUnit("{announcement}"),
	); err != nil {
		return fmt.Errorf("creating counter for leader announcements: %w", err)
	}

	return nil
}

// Run dispatches inbound messages until the context is cancelled. Handler
// errors are logged and the loop continues, a single bad message must not
// stall consensus traffic.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.net.ReceivedChannel():
			if !ok {
				return errors.New("received message channel is closed")
			}
			if err := r.HandleMessage(ctx, msg.From, msg.Message); err != nil {
				r.log.WarnContext(ctx, fmt.Sprintf("handling %s message", msg.Protocol), logger.NodeID(msg.From), logger.Error(err))
			}
		}
	}
}

/*
SendTo serializes the message and hands it to the network: with no
receivers it is published to the gossip topic of the message type, with
receivers it goes over direct streams. Callers treat failures as best
effort, consensus liveness never depends on a single send.
*/
func (r *Relay) SendTo(ctx context.Context, msg any, to ...peer.ID) error {
	if len(to) == 0 {
		if err := r.net.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publishing %T: %w", msg, err)
		}
		return nil
	}
	if err := r.net.Send(ctx, msg, to...); err != nil {
		return fmt.Errorf("sending %T: %w", msg, err)
	}
	return nil
}

/*
Broadcast distributes the block with the given digest to all validators.
This is the contract the voting engine calls with a payload hash it wants
propagated. A digest this node cannot resolve is skipped silently, there is
nothing to send and the engine must not be failed over it.
*/
func (r *Relay) Broadcast(ctx context.Context, payloadHash types.Hash256) error {
	block, err := r.store.ByHash(payloadHash)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			r.log.DebugContext(ctx, fmt.Sprintf("nothing to broadcast, block %s is not stored", payloadHash))
			return nil
		}
		return fmt.Errorf("reading block %s: %w", payloadHash, err)
	}
	return r.SendTo(ctx, &blocksync.NewBlock{Block: block})
}

/*
RequestBlock asks the other validators for the block with the given digest.
Requests go over direct streams to every known participant, there is no
gossip topic for them: any peer holding the block answers with a
BlockResponse and the rest stay silent. With no other participants known
there is nobody to ask and the request is a no-op.
*/
func (r *Relay) RequestBlock(ctx context.Context, hash types.Hash256) error {
	var receivers []peer.ID
	for _, id := range r.election.Participants(0) {
		if id != r.self {
			receivers = append(receivers, id)
		}
	}
	if len(receivers) == 0 {
		return nil
	}
	return r.SendTo(ctx, &blocksync.BlockRequest{Hash: hash}, receivers...)
}

// AnnounceValidator registers the validator in the local registry and
// broadcasts the announcement. Used with the node's own identity at
// startup, the local registration makes the node's view independent of
// gossip loop-back timing.
func (r *Relay) AnnounceValidator(ctx context.Context, id peer.ID, region string) error {
	if err := r.election.Register(region, id); err != nil {
		return err
	}
	return r.SendTo(ctx, &election.ValidatorAnnounce{NodeID: id.String(), Region: region})
}

// LeaveRegion removes the validator from the local registry and broadcasts
// the leave. Used with the node's own identity at orderly shutdown.
func (r *Relay) LeaveRegion(ctx context.Context, id peer.ID, region string) error {
	if err := r.election.Remove(region, id); err != nil {
		return err
	}
	return r.SendTo(ctx, &election.ValidatorLeave{NodeID: id.String(), Region: region})
}

// AnnouncedLeader returns the leader recorded for the round, either from a
// received announcement or from this node's own majority tally.
func (r *Relay) AnnouncedLeader(round uint64) (peer.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.announced[round]
	return id, ok
}

// HandleMessage dispatches one inbound message. The sender identity is the
// authenticated stream or gossip origin, handlers answering directly (block
// requests) address the reply to it.
func (r *Relay) HandleMessage(ctx context.Context, from peer.ID, msg any) (err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "err"
		}
		r.msgHandled.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
			attribute.String("msg", fmt.Sprintf("%T", msg)), attribute.String("status", status))))
	}()

	switch mt := msg.(type) {
	case *blocksync.BlockRequest:
		return r.handleBlockRequest(ctx, from, mt)
	case *blocksync.BlockResponse:
		if err := mt.IsValid(); err != nil {
			return err
		}
		return r.storeBlock(ctx, mt.Block)
	case *blocksync.NewBlock:
		if err := mt.IsValid(); err != nil {
			return err
		}
		return r.storeBlock(ctx, mt.Block)
	case *election.ViewChange:
		return r.handleViewChange(ctx, mt)
	case *election.LeaderProposal:
		return r.handleLeaderProposal(ctx, mt)
	case *election.LeaderVote:
		return r.handleLeaderVote(ctx, from, mt)
	case *election.LeaderAnnouncement:
		return r.handleLeaderAnnouncement(ctx, mt)
	case *election.ValidatorAnnounce:
		return r.handleValidatorAnnounce(ctx, mt)
	case *election.ValidatorLeave:
		return r.handleValidatorLeave(ctx, mt)
	default:
		return fmt.Errorf("unknown message type %T", msg)
	}
}

// handleBlockRequest answers with the requested block when this node holds
// it. A missing block means no reply, the requester retries elsewhere.
func (r *Relay) handleBlockRequest(ctx context.Context, from peer.ID, msg *blocksync.BlockRequest) error {
	if err := msg.IsValid(); err != nil {
		return err
	}
	block, err := r.store.ByHash(msg.Hash)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			r.log.DebugContext(ctx, fmt.Sprintf("no block %s to answer the request", msg.Hash), logger.NodeID(from))
			return nil
		}
		return fmt.Errorf("reading requested block: %w", err)
	}
	return r.SendTo(ctx, &blocksync.BlockResponse{Block: block}, from)
}

// storeBlock persists a block received from the network. Re-delivery of an
// already stored block is fine (Put is idempotent), a conflicting block at
// an occupied height surfaces as the store's conflict error.
func (r *Relay) storeBlock(ctx context.Context, block *types.Block) error {
	if err := r.store.Put(block); err != nil {
		return fmt.Errorf("storing block %d (%s): %w", block.Number, block.Hash, err)
	}
	r.log.DebugContext(ctx, fmt.Sprintf("stored block %d (%s)", block.Number, block.Hash))
	return nil
}

// handleViewChange nominates the round leader of the local rotation. With
// nothing registered there is no candidate and nothing to say.
func (r *Relay) handleViewChange(ctx context.Context, msg *election.ViewChange) error {
	if err := msg.IsValid(); err != nil {
		return err
	}
	leaderID, ok := r.election.Leader(msg.Round, 0)
	if !ok {
		r.log.DebugContext(ctx, "no validators registered, view change ignored", logger.Round(msg.Round))
		return nil
	}
	return r.SendTo(ctx, &election.LeaderProposal{Round: msg.Round, Candidate: leaderID.String()})
}

// handleLeaderProposal endorses a nominated candidate with this node's
// vote, provided the candidate is a registered participant.
func (r *Relay) handleLeaderProposal(ctx context.Context, msg *election.LeaderProposal) error {
	if err := msg.IsValid(); err != nil {
		return err
	}
	candidate, err := peer.Decode(msg.Candidate)
	if err != nil {
		return fmt.Errorf("invalid candidate identifier %q: %w", msg.Candidate, err)
	}
	if _, ok := r.election.IsParticipant(msg.Round, candidate); !ok {
		return fmt.Errorf("candidate %s: %w", msg.Candidate, leader.ErrInvalidValidator)
	}
	return r.SendTo(ctx, &election.LeaderVote{Round: msg.Round, Candidate: msg.Candidate})
}

/*
handleLeaderVote tallies the vote, the voter is the authenticated sender.
The vote completing a majority of the current participants closes the round:
the leader is recorded and announced. Everybody tallies independently, the
content addressed gossip deduplicates the identical announcements network
wide.
*/
func (r *Relay) handleLeaderVote(ctx context.Context, from peer.ID, msg *election.LeaderVote) error {
	if err := msg.IsValid(); err != nil {
		return err
	}
	candidate, err := peer.Decode(msg.Candidate)
	if err != nil {
		return fmt.Errorf("invalid candidate identifier %q: %w", msg.Candidate, err)
	}
	if _, ok := r.election.IsParticipant(msg.Round, from); !ok {
		return fmt.Errorf("voter %s: %w", from, leader.ErrInvalidValidator)
	}
	if _, ok := r.election.IsParticipant(msg.Round, candidate); !ok {
		return fmt.Errorf("candidate %s: %w", msg.Candidate, leader.ErrInvalidValidator)
	}

	participants := len(r.election.Participants(msg.Round))
	votes, announce := r.recordVote(msg.Round, candidate, from, participants)
	if !announce {
		r.log.DebugContext(ctx, fmt.Sprintf("%d of %d votes for %s", votes, participants, msg.Candidate), logger.Round(msg.Round))
		return nil
	}

	r.announcements.Add(ctx, 1)
	r.log.InfoContext(ctx, fmt.Sprintf("%s elected leader of round %d with %d of %d votes", msg.Candidate, msg.Round, votes, participants))
	return r.SendTo(ctx, &election.LeaderAnnouncement{Round: msg.Round, Leader: msg.Candidate})
}

// recordVote adds the vote to the tally and reports whether it completed
// the majority. That is true at most once per round: once a leader is
// recorded, later votes only top up the count.
func (r *Relay) recordVote(round uint64, candidate, voter peer.ID, participants int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneBelow(round)

	key := voteKey{round: round, candidate: candidate}
	tally := r.votes[key]
	if tally == nil {
		tally = make(map[peer.ID]struct{})
		r.votes[key] = tally
	}
	tally[voter] = struct{}{}

	count := len(tally)
	if _, done := r.announced[round]; done {
		return count, false
	}
	if participants == 0 || count <= participants/2 {
		return count, false
	}
	r.announced[round] = candidate
	return count, true
}

// handleLeaderAnnouncement records the announced leader. The first
// announcement of a round wins, a conflicting one is logged and dropped.
func (r *Relay) handleLeaderAnnouncement(ctx context.Context, msg *election.LeaderAnnouncement) error {
	if err := msg.IsValid(); err != nil {
		return err
	}
	leaderID, err := peer.Decode(msg.Leader)
	if err != nil {
		return fmt.Errorf("invalid leader identifier %q: %w", msg.Leader, err)
	}

	r.mu.Lock()
	r.pruneBelow(msg.Round)
	prev, known := r.announced[msg.Round]
	if !known {
		r.announced[msg.Round] = leaderID
	}
	r.mu.Unlock()

	if known && prev != leaderID {
		r.log.WarnContext(ctx, fmt.Sprintf("conflicting leader announcement for round %d: have %s, got %s", msg.Round, prev, msg.Leader))
	}
	return nil
}

func (r *Relay) handleValidatorAnnounce(ctx context.Context, msg *election.ValidatorAnnounce) error {
	if err := msg.IsValid(); err != nil {
		return err
	}
	id, err := peer.Decode(msg.NodeID)
	if err != nil {
		return fmt.Errorf("invalid node identifier %q: %w", msg.NodeID, err)
	}
	if err := r.election.Register(msg.Region, id); err != nil {
		return fmt.Errorf("registering validator: %w", err)
	}
	r.log.InfoContext(ctx, fmt.Sprintf("validator %s joined region %s", msg.NodeID, msg.Region), logger.Region(msg.Region))
	return nil
}

func (r *Relay) handleValidatorLeave(ctx context.Context, msg *election.ValidatorLeave) error {
	if err := msg.IsValid(); err != nil {
		return err
	}
	id, err := peer.Decode(msg.NodeID)
	if err != nil {
		return fmt.Errorf("invalid node identifier %q: %w", msg.NodeID, err)
	}
	if err := r.election.Remove(msg.Region, id); err != nil {
		return fmt.Errorf("removing validator: %w", err)
	}
	r.log.InfoContext(ctx, fmt.Sprintf("validator %s left region %s", msg.NodeID, msg.Region), logger.Region(msg.Region))
	return nil
}

// pruneBelow drops election bookkeeping that fell behind the round horizon.
// Caller must hold the mutex.
func (r *Relay) pruneBelow(round uint64) {
	if round <= r.maxRound {
		return
	}
	r.maxRound = round
	if r.maxRound < roundHorizon {
		return
	}
	floor := r.maxRound - roundHorizon
	for key := range r.votes {
		if key.round < floor {
			delete(r.votes, key)
		}
	}
	for rnd := range r.announced {
		if rnd < floor {
			delete(r.announced, rnd)
		}
	}
}
