package validator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/meridian-network/meridian/blockstore"
	"github.com/meridian-network/meridian/consensus/leader"
	test "github.com/meridian-network/meridian/internal/testutils"
	"github.com/meridian-network/meridian/internal/testutils/observability"
	testpeer "github.com/meridian-network/meridian/internal/testutils/peer"
	"github.com/meridian-network/meridian/network"
	"github.com/meridian-network/meridian/network/protocol/blocksync"
	"github.com/meridian-network/meridian/network/protocol/election"
	"github.com/meridian-network/meridian/regions"
	"github.com/meridian-network/meridian/types"
)

type sentMsg struct {
	msg any
	to  []peer.ID
}

type mockNet struct {
	mu         sync.Mutex
	sent       []sentMsg
	published  []any
	sendErr    error
	publishErr error
	subscribed bool
	received   chan network.ReceivedMessage
}

func newMockNet() *mockNet {
	return &mockNet{received: make(chan network.ReceivedMessage, 10)}
}

func (m *mockNet) Send(_ context.Context, msg any, receivers ...peer.ID) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMsg{msg: msg, to: receivers})
	return nil
}

func (m *mockNet) Publish(_ context.Context, msg any) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, msg)
	return nil
}

func (m *mockNet) ReceivedChannel() <-chan network.ReceivedMessage {
	return m.received
}

func (m *mockNet) Subscribe(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = true
	return nil
}

func (m *mockNet) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = false
}

func (m *mockNet) sentMsgs() []sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMsg(nil), m.sent...)
}

func (m *mockNet) publishedMsgs() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.published...)
}

func (m *mockNet) isSubscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

func initBlockStore(t *testing.T) *blockstore.BlockStore {
	t.Helper()
	store, err := blockstore.New(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

// newTestNode builds a node on a mock network, filling in the conf fields
// the test left unset.
func newTestNode(t *testing.T, conf Conf) (*Node, *mockNet) {
	t.Helper()
	net := newMockNet()
	conf.Net = net
	if conf.Peer == nil {
		conf.Peer = testpeer.CreatePeer(t, testpeer.CreatePeerConfiguration(t))
	}
	if conf.Store == nil {
		conf.Store = initBlockStore(t)
	}
	if conf.Region == "" {
		conf.Region = regions.Frankfurt
	}
	node, err := New(context.Background(), conf, observability.Default(t))
	require.NoError(t, err)
	return node, net
}

func buildChain(t *testing.T, count int) []*types.Block {
	t.Helper()
	chain := make([]*types.Block, count)
	parent := types.GenesisParent
	for i := range chain {
		chain[i] = types.NewBlock(uint64(i), parent, uint64(1000+i))
		parent = chain[i].Hash
	}
	return chain
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	obs := observability.Default(t)

	t.Run("peer is required", func(t *testing.T) {
		_, err := New(ctx, Conf{Store: initBlockStore(t), Region: regions.Frankfurt}, obs)
		require.EqualError(t, err, "peer is nil")
	})

	t.Run("block store is required", func(t *testing.T) {
		p := testpeer.CreatePeer(t, testpeer.CreatePeerConfiguration(t))
		_, err := New(ctx, Conf{Peer: p, Region: regions.Frankfurt}, obs)
		require.EqualError(t, err, "block store is nil")
	})

	t.Run("region is required", func(t *testing.T) {
		p := testpeer.CreatePeer(t, testpeer.CreatePeerConfiguration(t))
		_, err := New(ctx, Conf{Peer: p, Store: initBlockStore(t)}, obs)
		require.EqualError(t, err, "validator region is unassigned")
	})

	t.Run("defaults are filled in", func(t *testing.T) {
		node, _ := newTestNode(t, Conf{})
		require.Equal(t, regions.Default(), node.conf.Rotation)
		require.Equal(t, DefaultBackfillInterval, node.conf.BackfillInterval)
		require.Equal(t, DefaultMaxBackfillRequests, node.conf.MaxBackfillRequests)
	})
}

func TestNode_RequestMissingBlocks(t *testing.T) {
	ctx := context.Background()

	// registers another validator so block requests have somebody to go to
	joinPeer := func(t *testing.T, node *Node, region string) peer.ID {
		t.Helper()
		id := testpeer.GeneratePeerIDs(t, 1)[0]
		require.NoError(t, node.relay.AnnounceValidator(ctx, id, region))
		return id
	}

	t.Run("empty store sends nothing", func(t *testing.T) {
		node, net := newTestNode(t, Conf{})
		joinPeer(t, node, regions.Amsterdam)

		require.NoError(t, node.requestMissingBlocks(ctx))
		require.Empty(t, net.sentMsgs())
	})

	t.Run("contiguous store sends nothing", func(t *testing.T) {
		node, net := newTestNode(t, Conf{})
		joinPeer(t, node, regions.Amsterdam)
		for _, b := range buildChain(t, 3) {
			require.NoError(t, node.store.Put(b))
		}

		require.NoError(t, node.requestMissingBlocks(ctx))
		require.Empty(t, net.sentMsgs())
	})

	t.Run("requests the highest missing block of every hole", func(t *testing.T) {
		node, net := newTestNode(t, Conf{})
		other := joinPeer(t, node, regions.Amsterdam)
		chain := buildChain(t, 10)
		for _, i := range []int{0, 1, 2, 5, 6, 9} {
			require.NoError(t, node.store.Put(chain[i]))
		}

		require.NoError(t, node.requestMissingBlocks(ctx))

		sent := net.sentMsgs()
		require.Len(t, sent, 2)
		require.Equal(t, &blocksync.BlockRequest{Hash: chain[4].Hash}, sent[0].msg)
		require.Equal(t, []peer.ID{other}, sent[0].to)
		require.Equal(t, &blocksync.BlockRequest{Hash: chain[8].Hash}, sent[1].msg)
		require.Equal(t, []peer.ID{other}, sent[1].to)
	})

	t.Run("request budget caps a pass", func(t *testing.T) {
		node, net := newTestNode(t, Conf{MaxBackfillRequests: 1})
		joinPeer(t, node, regions.Amsterdam)
		chain := buildChain(t, 10)
		for _, i := range []int{0, 1, 2, 5, 6, 9} {
			require.NoError(t, node.store.Put(chain[i]))
		}

		require.NoError(t, node.requestMissingBlocks(ctx))

		sent := net.sentMsgs()
		require.Len(t, sent, 1)
		require.Equal(t, &blocksync.BlockRequest{Hash: chain[4].Hash}, sent[0].msg)
	})

	t.Run("heights below the prune point are not refetched", func(t *testing.T) {
		node, net := newTestNode(t, Conf{})
		joinPeer(t, node, regions.Amsterdam)
		first := types.NewBlock(blockstore.BlocksPerWindow, types.GenesisParent, 1000)
		second := types.NewBlock(first.Number+1, first.Hash, 1001)
		require.NoError(t, node.store.Put(first))
		require.NoError(t, node.store.Put(second))
		require.NoError(t, node.store.Prune(blockstore.BlocksPerWindow))

		require.NoError(t, node.requestMissingBlocks(ctx))
		require.Empty(t, net.sentMsgs())
	})

	t.Run("send failure surfaces", func(t *testing.T) {
		node, net := newTestNode(t, Conf{})
		joinPeer(t, node, regions.Amsterdam)
		chain := buildChain(t, 5)
		for _, i := range []int{0, 1, 4} {
			require.NoError(t, node.store.Put(chain[i]))
		}
		net.sendErr = errors.New("boom")

		err := node.requestMissingBlocks(ctx)
		require.ErrorContains(t, err, "requesting block")
		require.ErrorContains(t, err, "boom")
	})
}

func TestNode_LatestBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing committed", func(t *testing.T) {
		node, _ := newTestNode(t, Conf{})
		block, err := node.LatestBlock()
		require.NoError(t, err)
		require.Nil(t, block)
	})

	t.Run("committed block is returned", func(t *testing.T) {
		node, _ := newTestNode(t, Conf{})
		hash, err := node.proposer.Propose(ctx, 0, node.proposer.Genesis())
		require.NoError(t, err)

		block, err := node.LatestBlock()
		require.NoError(t, err)
		require.NotNil(t, block)
		require.Equal(t, hash, block.Hash)
		require.EqualValues(t, 0, block.Number)
	})

	t.Run("commit of a digest the store does not hold", func(t *testing.T) {
		node, _ := newTestNode(t, Conf{})
		unknown := types.NewBlock(7, types.GenesisParent, 1007)
		node.proposer.Committed(ctx, unknown.Hash)

		block, err := node.LatestBlock()
		require.NoError(t, err)
		require.Nil(t, block)
	})
}

func TestNode_Run(t *testing.T) {
	t.Run("announces, dispatches and leaves", func(t *testing.T) {
		node, net := newTestNode(t, Conf{BackfillInterval: 50 * time.Millisecond})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- node.Run(ctx) }()

		// the node registered itself before starting the loop, so a view
		// change must produce a leader proposal once dispatch is live
		net.received <- network.ReceivedMessage{
			From:     testpeer.GeneratePeerIDs(t, 1)[0],
			Protocol: network.ProtocolViewChange,
			Message:  &election.ViewChange{Round: 1},
		}
		require.Eventually(t, func() bool {
			for _, msg := range net.publishedMsgs() {
				if _, ok := msg.(*election.LeaderProposal); ok {
					return true
				}
			}
			return false
		}, test.WaitDuration, test.WaitTick)

		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(test.WaitDuration):
			t.Fatal("node did not stop on context cancellation")
		}

		published := net.publishedMsgs()
		self := node.peer.ID().String()
		require.Equal(t, &election.ValidatorAnnounce{NodeID: self, Region: regions.Frankfurt}, published[0])
		require.Equal(t, &election.ValidatorLeave{NodeID: self, Region: regions.Frankfurt}, published[len(published)-1])
		require.False(t, net.isSubscribed())
	})

	t.Run("region not in the rotation is refused", func(t *testing.T) {
		node, net := newTestNode(t, Conf{Region: "moonbase"})
		err := node.Run(context.Background())
		require.ErrorContains(t, err, "announcing validator")
		require.ErrorIs(t, err, leader.ErrInvalidRegion)
		require.Empty(t, net.publishedMsgs())
	})

	t.Run("genesis wait blocks the start", func(t *testing.T) {
		node, net := newTestNode(t, Conf{GenesisTime: time.Now().Add(time.Hour)})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- node.Run(ctx) }()

		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(test.WaitDuration):
			t.Fatal("node did not stop on context cancellation")
		}
		require.Empty(t, net.publishedMsgs())
		require.False(t, net.isSubscribed())
	})

	t.Run("genesis time in the past starts immediately", func(t *testing.T) {
		node, net := newTestNode(t, Conf{GenesisTime: time.Now().Add(-time.Hour)})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- node.Run(ctx) }()

		require.Eventually(t, func() bool {
			return len(net.publishedMsgs()) > 0
		}, test.WaitDuration, test.WaitTick)

		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(test.WaitDuration):
			t.Fatal("node did not stop on context cancellation")
		}
	})
}
