package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-network/meridian/blockstore"
	"github.com/meridian-network/meridian/consensus"
	"github.com/meridian-network/meridian/consensus/leader"
	"github.com/meridian-network/meridian/logger"
	"github.com/meridian-network/meridian/network"
	"github.com/meridian-network/meridian/observability"
	"github.com/meridian-network/meridian/regions"
	"github.com/meridian-network/meridian/rpc"
	"github.com/meridian-network/meridian/types"
)

const (
	DefaultBackfillInterval    = 10 * time.Second
	DefaultMaxBackfillRequests = 32

	maxBodySize int64 = 1 << 20 // 1 MB
)

type (
	// ValidatorNetwork is the message exchange the node runs on. Normally the
	// libp2p implementation created by network.NewValidatorNetwork.
	ValidatorNetwork interface {
		Send(ctx context.Context, msg any, receivers ...peer.ID) error
		Publish(ctx context.Context, msg any) error
		ReceivedChannel() <-chan network.ReceivedMessage
		Subscribe(ctx context.Context) error
		Unsubscribe()
	}

	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		MetricsHandler() http.Handler
		Logger() *slog.Logger
	}

	Conf struct {
		Peer   *network.Peer
		Store  *blockstore.BlockStore
		Region string

		// Rotation is the region cycling order of the leader election,
		// regions.Default() when empty.
		Rotation []string

		// Net is the message exchange to use, when nil a libp2p network
		// is created on Peer.
		Net ValidatorNetwork

		// HTTPAddr is the status and metrics API listen address, empty
		// disables the listener.
		HTTPAddr string

		// GenesisTime postpones joining consensus until the given moment,
		// zero value starts immediately.
		GenesisTime time.Time

		BackfillInterval    time.Duration
		MaxBackfillRequests int
	}

	Node struct {
		conf     Conf
		peer     *network.Peer
		store    *blockstore.BlockStore
		net      ValidatorNetwork
		relay    *consensus.Relay
		proposer *consensus.Proposer

		obs    Observability
		log    *slog.Logger
		tracer trace.Tracer

		backfillRequests metric.Int64Counter
	}
)

// New assembles a validator node: leader election over the region rotation,
// the libp2p message exchange, the consensus relay and the block proposer,
// all sharing the block store of conf.
func New(ctx context.Context, conf Conf, obs Observability) (*Node, error) {
	if conf.Peer == nil {
		return nil, errors.New("peer is nil")
	}
	if conf.Store == nil {
		return nil, errors.New("block store is nil")
	}
	if conf.Region == "" {
		return nil, errors.New("validator region is unassigned")
	}
	if len(conf.Rotation) == 0 {
		conf.Rotation = regions.Default()
	}
	if conf.BackfillInterval <= 0 {
		conf.BackfillInterval = DefaultBackfillInterval
	}
	if conf.MaxBackfillRequests <= 0 {
		conf.MaxBackfillRequests = DefaultMaxBackfillRequests
	}

	election, err := leader.NewRegionRotation(conf.Rotation)
	if err != nil {
		return nil, fmt.Errorf("initializing leader election: %w", err)
	}

	net := conf.Net
	if net == nil {
		vn, err := network.NewValidatorNetwork(ctx, conf.Peer, network.DefaultValidatorNetworkOptions, obs)
		if err != nil {
			return nil, fmt.Errorf("initializing validator network: %w", err)
		}
		net = vn
	}

	relay, err := consensus.NewRelay(conf.Peer.ID(), conf.Store, election, net, obs)
	if err != nil {
		return nil, fmt.Errorf("initializing consensus relay: %w", err)
	}

	proposer, err := consensus.NewProposer(conf.Store, relay, obs)
	if err != nil {
		return nil, fmt.Errorf("initializing block proposer: %w", err)
	}

	meter := obs.Meter("validator.node", metric.WithInstrumentationAttributes(observability.PeerID("node.id", conf.Peer.ID())))
	node := &Node{
		conf:     conf,
		peer:     conf.Peer,
		store:    conf.Store,
		net:      net,
		relay:    relay,
		proposer: proposer,
		obs:      obs,
		log:      obs.Logger(),
		tracer:   obs.Tracer("validator.node"),
	}
	if err := node.initMetrics(meter); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return node, nil
}

func (n *Node) initMetrics(m metric.Meter) (err error) {
	n.backfillRequests, err = m.Int64Counter("backfill.requests",
		metric.WithDescription("Number of block requests sent to fill gaps in the locally stored chain"))
	if err != nil {
		return fmt.Errorf("creating backfill requests counter: %w", err)
	}

	_, err = m.Int64ObservableUpDownCounter("peers",
		metric.WithDescription("Number of connected peers"),
		metric.WithInt64Callback(func(_ context.Context, io metric.Int64Observer) error {
			io.Observe(int64(len(n.peer.Network().Peers())))
			return nil
		}))
	if err != nil {
		return fmt.Errorf("creating peer count counter: %w", err)
	}

	return nil
}

/*
Run starts the node and blocks until ctx is cancelled or a subsystem fails:
the consensus message dispatch loop, the backfill requester and, when
configured, the status API listener. The node announces its region on the way
in and leaves it on the way out.
*/
func (n *Node) Run(ctx context.Context) error {
	region := n.conf.Region
	if site, ok := regions.Lookup(region); ok {
		region = site.String()
	}
	n.log.InfoContext(ctx, fmt.Sprintf("Starting validator node. Region=%s; Addresses=%v; BuildInfo=%s",
		region, n.peer.MultiAddresses(), debug.ReadBuildInfo()))

	if err := n.waitGenesis(ctx); err != nil {
		return err
	}

	// join the gossip mesh before announcing the region so that answers
	// to the announcement can reach us
	if err := n.net.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribing to gossip: %w", err)
	}
	defer n.net.Unsubscribe()

	if err := n.relay.AnnounceValidator(ctx, n.peer.ID(), n.conf.Region); err != nil {
		return fmt.Errorf("announcing validator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := n.relay.Run(gctx)
		n.log.DebugContext(gctx, "message dispatch loop exit", logger.Error(err))
		return err
	})

	g.Go(func() error { return n.backfillLoop(gctx) })

	if n.conf.HTTPAddr != "" {
		g.Go(func() error {
			return httpsrv.Run(gctx,
				*rpc.NewRESTServer(n.conf.HTTPAddr, maxBodySize, n.obs, n.log, n.statusEndpoints(), rpc.MetricsEndpoints(n.obs)),
				httpsrv.ShutdownTimeout(5*time.Second))
		})
	}

	err := g.Wait()

	leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if e := n.relay.LeaveRegion(leaveCtx, n.peer.ID(), n.conf.Region); e != nil {
		n.log.Warn("leaving validator region", logger.Error(e))
	}
	return err
}

// Proposer returns the round automaton of the node, the integration point
// for the agreement engine driving propose/verify/commit.
func (n *Node) Proposer() *consensus.Proposer {
	return n.proposer
}

// LatestBlock returns the latest committed block, nil when nothing has been
// committed yet or the latest digest is not stored locally.
func (n *Node) LatestBlock() (*types.Block, error) {
	latest := n.proposer.LatestHash()
	if latest == n.proposer.Genesis() {
		return nil, nil
	}
	block, err := n.store.ByHash(latest)
	if err != nil {
		if errors.Is(err, blockstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading block %s: %w", latest, err)
	}
	return block, nil
}

func (n *Node) waitGenesis(ctx context.Context) error {
	if n.conf.GenesisTime.IsZero() {
		return nil
	}
	wait := time.Until(n.conf.GenesisTime)
	if wait <= 0 {
		return nil
	}
	n.log.InfoContext(ctx, fmt.Sprintf("waiting until genesis time %s", n.conf.GenesisTime.Format(time.RFC3339)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (n *Node) backfillLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.conf.BackfillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.requestMissingBlocks(ctx); err != nil {
				n.log.WarnContext(ctx, "requesting missing blocks", logger.Error(err))
			}
		}
	}
}

/*
requestMissingBlocks scans the store for holes above the prune point and asks
the region peers for the highest missing block of each one, at most
MaxBackfillRequests per pass. A block request can only name a digest the
store already links to, so every pass shrinks each hole by one block from
the top and consecutive passes walk the parent chain down until the store
is contiguous.
*/
func (n *Node) requestMissingBlocks(ctx context.Context) error {
	ctx, span := n.tracer.Start(ctx, "node.requestMissingBlocks")
	defer span.End()

	from, err := n.store.PrunedTo()
	if err != nil {
		return fmt.Errorf("reading prune point: %w", err)
	}

	for sent := 0; sent < n.conf.MaxBackfillRequests; sent++ {
		_, above, ok := n.store.NextGap(from)
		if !ok {
			return nil
		}
		bound, err := n.store.ByHeight(above)
		if err != nil {
			return fmt.Errorf("reading block %d: %w", above, err)
		}
		if err := n.relay.RequestBlock(ctx, bound.ParentHash); err != nil {
			return fmt.Errorf("requesting block %s: %w", bound.ParentHash, err)
		}
		n.backfillRequests.Add(ctx, 1)
		from = above + 1
	}
	return nil
}
