package network

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/stretchr/testify/require"

	test "github.com/meridian-network/meridian/internal/testutils"
	"github.com/meridian-network/meridian/internal/testutils/observability"
	"github.com/meridian-network/meridian/network/protocol/blocksync"
	"github.com/meridian-network/meridian/network/protocol/election"
	"github.com/meridian-network/meridian/types"
)

func TestNewValidatorNetwork(t *testing.T) {
	h, err := libp2p.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	nw, err := NewValidatorNetwork(context.Background(), &Peer{host: h}, DefaultValidatorNetworkOptions, observability.Default(t))
	require.NoError(t, err)
	require.NotNil(t, nw)
	// each message type is registered for sending as value and as pointer
	require.Equal(t, 18, len(nw.sendProtocols))
	// the broadcast subset has a gossip topic each
	require.Equal(t, 7, len(nw.topicList))
	require.Equal(t, 14, len(nw.topics))
}

func TestValidatorNetwork_PublishUnknownType(t *testing.T) {
	h, err := libp2p.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	nw, err := NewValidatorNetwork(context.Background(), &Peer{host: h}, DefaultValidatorNetworkOptions, observability.Default(t))
	require.NoError(t, err)

	// block requests are direct stream only, they must not gossip
	err = nw.Publish(context.Background(), &blocksync.BlockRequest{Hash: types.GenesisParent})
	require.EqualError(t, err, "no gossip topic registered for messages of type *blocksync.BlockRequest")
}

func TestValidatorNetwork_SubscribeTwice(t *testing.T) {
	h, err := libp2p.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	nw, err := NewValidatorNetwork(context.Background(), &Peer{host: h}, DefaultValidatorNetworkOptions, observability.Default(t))
	require.NoError(t, err)

	require.NoError(t, nw.Subscribe(context.Background()))
	t.Cleanup(nw.Unsubscribe)
	require.EqualError(t, nw.Subscribe(context.Background()), "already subscribed to gossip topics")
}

func TestValidatorNetwork_SendBlockRequest(t *testing.T) {
	ctx := context.Background()
	obs := observability.Default(t)

	peer1 := createPeer(t)
	peer2 := createPeer(t)
	peer1.Network().Peerstore().AddAddrs(peer2.ID(), peer2.MultiAddresses(), peerstore.PermanentAddrTTL)

	nw1, err := NewValidatorNetwork(ctx, peer1, DefaultValidatorNetworkOptions, obs)
	require.NoError(t, err)
	nw2, err := NewValidatorNetwork(ctx, peer2, DefaultValidatorNetworkOptions, obs)
	require.NoError(t, err)

	req := &blocksync.BlockRequest{Hash: types.GenesisParent}
	require.NoError(t, nw1.Send(ctx, req, peer2.ID()))

	select {
	case rm := <-nw2.ReceivedChannel():
		require.Equal(t, peer1.ID(), rm.From)
		require.Equal(t, ProtocolBlockRequest, rm.Protocol)
		require.Equal(t, req, rm.Message)
	case <-time.After(test.WaitDuration):
		t.Fatal("timeout waiting for block request")
	}
}

func TestValidatorNetwork_Gossip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	obs := observability.Default(t)

	peer1 := createPeer(t)
	peer2 := createPeer(t)

	nw1, err := NewValidatorNetwork(ctx, peer1, DefaultValidatorNetworkOptions, obs)
	require.NoError(t, err)
	nw2, err := NewValidatorNetwork(ctx, peer2, DefaultValidatorNetworkOptions, obs)
	require.NoError(t, err)

	require.NoError(t, peer1.host.Connect(ctx, peer.AddrInfo{ID: peer2.ID(), Addrs: peer2.MultiAddresses()}))
	require.NoError(t, nw2.Subscribe(ctx))
	t.Cleanup(nw2.Unsubscribe)

	// mesh formation takes a moment so keep publishing until something
	// gets through. Payload must change between attempts, identical
	// payloads hash to the same message ID and are deduplicated.
	var round uint64
	var got ReceivedMessage
	require.Eventually(t, func() bool {
		round++
		if err := nw1.Publish(ctx, &election.ViewChange{Round: round}); err != nil {
			t.Logf("publishing view change: %v", err)
			return false
		}
		select {
		case got = <-nw2.ReceivedChannel():
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, test.WaitDuration, test.WaitTick, "no gossip message was delivered")

	require.Equal(t, peer1.ID(), got.From)
	require.Equal(t, ProtocolViewChange+gossipSuffix, got.Protocol)
	vc, ok := got.Message.(*election.ViewChange)
	require.True(t, ok, "expected view change, got %T", got.Message)
	require.GreaterOrEqual(t, round, vc.Round)
}
