package network

import (
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	pubsub_pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridian-network/meridian/logger"
	"github.com/meridian-network/meridian/network/protocol/blocksync"
	"github.com/meridian-network/meridian/network/protocol/election"
	"github.com/meridian-network/meridian/types"
)

const (
	ProtocolBlockRequest       = "/meridian/block-req/0.0.1"
	ProtocolBlockResponse      = "/meridian/block-resp/0.0.1"
	ProtocolNewBlock           = "/meridian/new-block/0.0.1"
	ProtocolViewChange         = "/meridian/view-change/0.0.1"
	ProtocolLeaderProposal     = "/meridian/leader-proposal/0.0.1"
	ProtocolLeaderVote         = "/meridian/leader-vote/0.0.1"
	ProtocolLeaderAnnouncement = "/meridian/leader-announcement/0.0.1"
	ProtocolValidatorAnnounce  = "/meridian/validator-announce/0.0.1"
	ProtocolValidatorLeave     = "/meridian/validator-leave/0.0.1"

	// gossip topic of a protocol is the protocol ID with this suffix
	gossipSuffix = "/gossip"
)

var DefaultValidatorNetworkOptions = ValidatorNetworkOptions{
	ReceivedChannelCapacity: 1000,
	BlockRequestTimeout:     300 * time.Millisecond,
	BlockResponseTimeout:    LargeMessageTimeout,
	NewBlockTimeout:         LargeMessageTimeout,
	ElectionTimeout:         300 * time.Millisecond,
	MembershipTimeout:       300 * time.Millisecond,
}

type (
	ValidatorNetworkOptions struct {
		// How many messages will be buffered (ReceivedChannel) in case of slow consumer.
		// Once buffer is full messages will be dropped (ie not processed)
		// until consumer catches up.
		ReceivedChannelCapacity uint

		// timeout configurations for Send operations.
		// timeout values are per receiver, ie when calling Send with multiple receivers
		// each receiver will have it's own timeout. The context used with Send call can
		// be used to set timeout for whole Send call.

		BlockRequestTimeout  time.Duration
		BlockResponseTimeout time.Duration
		NewBlockTimeout      time.Duration
		ElectionTimeout      time.Duration // view change, leader proposal, vote and announcement
		MembershipTimeout    time.Duration // validator announce and leave
	}

	gossipTopic struct {
		name   string
		topic  *pubsub.Topic
		typeFn func() any
	}

	validatorNetwork struct {
		*LibP2PNetwork
		topics map[reflect.Type]*gossipTopic
		// join order of the topics, ranged over by Subscribe
		topicList []*gossipTopic
		subs      []*pubsub.Subscription
		gsCancel  context.CancelFunc

		msgPublished  metric.Int64Counter
		gossipHandled metric.Int64Counter
	}
)

/*
NewValidatorNetwork creates the message exchange of a validator node: a
direct stream protocol for every consensus message type plus a gossip topic
for the broadcast set (everything except block request and response).

Gossip messages are not delivered until Subscribe is called.

Logger (log) is assumed to already have node_id attribute added, won't be added by NW component!
*/
func NewValidatorNetwork(ctx context.Context, self *Peer, opts ValidatorNetworkOptions, obs Observability) (*validatorNetwork, error) {
	base, err := newLibP2PNetwork(self, opts.ReceivedChannelCapacity, obs)
	if err != nil {
		return nil, err
	}

	n := &validatorNetwork{
		LibP2PNetwork: base,
		topics:        make(map[reflect.Type]*gossipTopic),
	}

	sendProtocolDescriptions := []sendProtocolDescription{
		{
			protocolID: ProtocolBlockRequest,
			timeout:    opts.BlockRequestTimeout,
			msgType:    blocksync.BlockRequest{},
		},
		{
			protocolID: ProtocolBlockResponse,
			timeout:    opts.BlockResponseTimeout,
			msgType:    blocksync.BlockResponse{},
		},
		{
			protocolID: ProtocolNewBlock,
			timeout:    opts.NewBlockTimeout,
			msgType:    blocksync.NewBlock{},
		},
		{
			protocolID: ProtocolViewChange,
			timeout:    opts.ElectionTimeout,
			msgType:    election.ViewChange{},
		},
		{
			protocolID: ProtocolLeaderProposal,
			timeout:    opts.ElectionTimeout,
			msgType:    election.LeaderProposal{},
		},
		{
			protocolID: ProtocolLeaderVote,
			timeout:    opts.ElectionTimeout,
			msgType:    election.LeaderVote{},
		},
		{
			protocolID: ProtocolLeaderAnnouncement,
			timeout:    opts.ElectionTimeout,
			msgType:    election.LeaderAnnouncement{},
		},
		{
			protocolID: ProtocolValidatorAnnounce,
			timeout:    opts.MembershipTimeout,
			msgType:    election.ValidatorAnnounce{},
		},
		{
			protocolID: ProtocolValidatorLeave,
			timeout:    opts.MembershipTimeout,
			msgType:    election.ValidatorLeave{},
		},
	}
	if err = n.registerSendProtocols(sendProtocolDescriptions); err != nil {
		return nil, fmt.Errorf("registering send protocols: %w", err)
	}

	receiveProtocolDescriptions := []receiveProtocolDescription{
		{
			protocolID: ProtocolBlockRequest,
			typeFn:     func() any { return &blocksync.BlockRequest{} },
		},
		{
			protocolID: ProtocolBlockResponse,
			typeFn:     func() any { return &blocksync.BlockResponse{} },
		},
		{
			protocolID: ProtocolNewBlock,
			typeFn:     func() any { return &blocksync.NewBlock{} },
		},
		{
			protocolID: ProtocolViewChange,
			typeFn:     func() any { return &election.ViewChange{} },
		},
		{
			protocolID: ProtocolLeaderProposal,
			typeFn:     func() any { return &election.LeaderProposal{} },
		},
		{
			protocolID: ProtocolLeaderVote,
			typeFn:     func() any { return &election.LeaderVote{} },
		},
		{
			protocolID: ProtocolLeaderAnnouncement,
			typeFn:     func() any { return &election.LeaderAnnouncement{} },
		},
		{
			protocolID: ProtocolValidatorAnnounce,
			typeFn:     func() any { return &election.ValidatorAnnounce{} },
		},
		{
			protocolID: ProtocolValidatorLeave,
			typeFn:     func() any { return &election.ValidatorLeave{} },
		},
	}
	if err = n.registerReceiveProtocols(receiveProtocolDescriptions); err != nil {
		return nil, fmt.Errorf("registering receive protocols: %w", err)
	}

	if err := n.initGossip(ctx); err != nil {
		return nil, fmt.Errorf("initializing gossip: %w", err)
	}

	if err := n.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	return n, nil
}

func (n *validatorNetwork) initGossip(ctx context.Context) error {
	gs, err := pubsub.NewGossipSub(ctx, n.self.host)
	if err != nil {
		return err
	}

	gossipDescriptions := []struct {
		protocolID string
		msgType    any
		typeFn     func() any
	}{
		{ProtocolNewBlock, blocksync.NewBlock{}, func() any { return &blocksync.NewBlock{} }},
		{ProtocolViewChange, election.ViewChange{}, func() any { return &election.ViewChange{} }},
		{ProtocolLeaderProposal, election.LeaderProposal{}, func() any { return &election.LeaderProposal{} }},
		{ProtocolLeaderVote, election.LeaderVote{}, func() any { return &election.LeaderVote{} }},
		{ProtocolLeaderAnnouncement, election.LeaderAnnouncement{}, func() any { return &election.LeaderAnnouncement{} }},
		{ProtocolValidatorAnnounce, election.ValidatorAnnounce{}, func() any { return &election.ValidatorAnnounce{} }},
		{ProtocolValidatorLeave, election.ValidatorLeave{}, func() any { return &election.ValidatorLeave{} }},
	}

	for _, gd := range gossipDescriptions {
		name := gd.protocolID + gossipSuffix
		n.log.InfoContext(ctx, fmt.Sprintf("Joining gossipsub topic %s", name))
		// message ID is the hash of the content so identical re-publishes
		// are deduplicated network wide
		topic, err := gs.Join(name, pubsub.WithTopicMessageIdFn(
			func(msg *pubsub_pb.Message) string {
				hasher := crypto.SHA256.New()
				hasher.Write(msg.Data)
				return hex.EncodeToString(hasher.Sum(nil))
			}),
		)
		if err != nil {
			return fmt.Errorf("joining topic %s: %w", name, err)
		}

		td := &gossipTopic{name: name, topic: topic, typeFn: gd.typeFn}
		typ := reflect.TypeOf(gd.msgType)
		n.topics[typ] = td
		n.topics[reflect.PointerTo(typ)] = td
		n.topicList = append(n.topicList, td)
	}

	return nil
}

func (n *validatorNetwork) initMetrics(obs Observability) (err error) {
	m := obs.Meter("validator.network")

	if n.msgPublished, err = m.Int64Counter(
		"gossip.published.count",
		metric.WithDescription("Number of messages published to gossip topics"),
		metric.WithUnit("{message}"),
	); err != nil {
		return fmt.Errorf("creating counter for published messages: %w", err)
	}

	if n.gossipHandled, err = m.Int64Counter(
		"gossip.received.count",
		metric.WithDescription("Number of messages received from gossip topics"),
		metric.WithUnit("{message}"),
	); err != nil {
		return fmt.Errorf("creating counter for received gossip messages: %w", err)
	}

	return nil
}

/*
Subscribe joins the subscription side of every gossip topic and starts
feeding decoded messages into the received channel. Messages published by
this node itself are delivered too (local loop-back of the gossip router).
*/
func (n *validatorNetwork) Subscribe(ctx context.Context) error {
	if n.gsCancel != nil {
		return errors.New("already subscribed to gossip topics")
	}
	ctx, n.gsCancel = context.WithCancel(ctx)

	for _, td := range n.topicList {
		n.log.InfoContext(ctx, fmt.Sprintf("Subscribing to gossipsub topic %s", td.name))
		sub, err := td.topic.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribing to topic %s: %w", td.name, err)
		}
		n.subs = append(n.subs, sub)
		go n.handleGossip(ctx, sub, td)
	}

	return nil
}

func (n *validatorNetwork) Unsubscribe() {
	if n.gsCancel == nil {
		return
	}
	for _, sub := range n.subs {
		n.log.Info(fmt.Sprintf("Unsubscribing from gossipsub topic %s", sub.Topic()))
		sub.Cancel()
	}
	n.subs = nil
	n.gsCancel()
	n.gsCancel = nil
}

/*
Publish broadcasts the message to all validators subscribed to the gossip
topic of the message type. Delivery is best effort, there is no feedback
about how many validators got the message.
*/
func (n *validatorNetwork) Publish(ctx context.Context, msg any) error {
	td, ok := n.topics[reflect.TypeOf(msg)]
	if !ok {
		return fmt.Errorf("no gossip topic registered for messages of type %T", msg)
	}

	data, err := types.Cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %T as CBOR: %w", msg, err)
	}

	n.msgPublished.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String("topic", td.name))))
	return td.topic.Publish(ctx, data)
}

func (n *validatorNetwork) handleGossip(ctx context.Context, sub *pubsub.Subscription, td *gossipTopic) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			n.log.DebugContext(ctx, fmt.Sprintf("gossip handling for %s stopped", td.name), logger.Error(err))
			return
		}

		m := td.typeFn()
		if err := types.Cbor.Unmarshal(msg.Data, m); err != nil {
			n.log.WarnContext(ctx, fmt.Sprintf("failed to decode %s message", td.name), logger.Error(err))
			n.gossipHandled.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
				attribute.String("topic", td.name), attribute.String("status", "err.decode"))))
			continue
		}

		n.gossipHandled.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
			attribute.String("topic", td.name), attribute.String("status", "ok"))))
		n.receivedMsg(msg.ReceivedFrom, msg.GetTopic(), m)
	}
}
