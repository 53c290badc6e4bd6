package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridian-network/meridian/logger"
)

// LargeMessageTimeout is the default send timeout for protocols which carry
// whole blocks, ie the payload may be large.
const LargeMessageTimeout = 1 * time.Second

type (
	sendProtocolDescription struct {
		protocolID string
		msgType    any           // value of the message type of the protocol
		timeout    time.Duration // timeout per receiver
	}

	receiveProtocolDescription struct {
		protocolID string
		// constructor which returns pointer to a data struct into which
		// received message can be stored
		typeFn  func() any
		handler libp2pNetwork.StreamHandler
	}

	sendProtocolData struct {
		protocolID string
		timeout    time.Duration // per receiver timeout
	}

	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}
)

/*
ReceivedMessage is an inbound message and the identity of the peer which sent
it. Handlers which answer directly (ie block requests) address the response
to From.
*/
type ReceivedMessage struct {
	From     peer.ID
	Protocol string
	Message  any
}

/*
LibP2PNetwork implements the validator message exchange using libp2p.

Zero value is not useable, use one of the constructors to create network!
*/
type LibP2PNetwork struct {
	self          *Peer
	sendProtocols map[reflect.Type]*sendProtocolData
	receivedMsgs  chan ReceivedMessage
	tracer        trace.Tracer
	log           *slog.Logger
}

/*
newLibP2PNetwork creates a new libp2p network without protocols (protocols need to be
registered separately to make the network actually useful).

In case of slow consumer up to "capacity" messages are buffered, after that messages will be dropped.

Logger (log) is assumed to already have node_id attribute added, won't be added by NW component!
*/
func newLibP2PNetwork(self *Peer, capacity uint, obs Observability) (*LibP2PNetwork, error) {
	if self == nil {
		return nil, errors.New("peer is nil")
	}

	n := &LibP2PNetwork{
		self:          self,
		sendProtocols: make(map[reflect.Type]*sendProtocolData),
		receivedMsgs:  make(chan ReceivedMessage, capacity),
		tracer:        obs.Tracer("LibP2PNetwork"),
		log:           obs.Logger(),
	}
	return n, nil
}

func (n *LibP2PNetwork) ReceivedChannel() <-chan ReceivedMessage {
	return n.receivedMsgs
}

// Send - send single message to one or more peers.
// Sending to zero receivers is no-op, not an error (single validator network).
func (n *LibP2PNetwork) Send(ctx context.Context, msg any, receivers ...peer.ID) error {
	if len(receivers) == 0 {
		return nil
	}

	p, f := n.sendProtocols[reflect.TypeOf(msg)]
	if !f {
		return fmt.Errorf("no protocol registered for messages of type %T", msg)
	}
	if err := n.send(ctx, p, msg, receivers); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	return nil
}

func (n *LibP2PNetwork) send(ctx context.Context, protocol *sendProtocolData, msg any, receivers []peer.ID) error {
	ctx, span := n.tracer.Start(ctx, "LibP2PNetwork.send")
	defer span.End()

	data, err := serializeMsg(msg)
	if err != nil {
		return fmt.Errorf("serializing message: %w", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(receivers))
	for _, receiver := range receivers {
		// loop-back for self-messages as libp2p would otherwise error:
		// open stream error: failed to dial: dial to self attempted
		if receiver == n.self.ID() {
			n.receivedMsg(n.self.ID(), protocol.protocolID, msg)
			continue
		}
		wg.Add(1)
		go func(receiverID peer.ID) {
			defer wg.Done()
			ctx, span := n.tracer.Start(ctx, "LibP2PNetwork.send.func", trace.WithNewRoot(), trace.WithLinks(trace.LinkFromContext(ctx)), trace.WithAttributes(attribute.String("protocol", protocol.protocolID)))
			defer span.End()
			sendCtx, cancel := context.WithTimeout(ctx, protocol.timeout)
			defer cancel()
			if err := sendMsg(sendCtx, n.self, protocol.protocolID, data, receiverID); err != nil {
				errs <- err
			}
		}(receiver)
	}
	wg.Wait()

	close(errs)
	count := 0
	var allErr error
	for err := range errs {
		if err != nil {
			count++
			allErr = errors.Join(allErr, err)
		}
	}
	if count == len(receivers) {
		return fmt.Errorf("send failed: %w", allErr)
	}
	return nil
}

// sendMsg writes already serialized message data to the receiver over a
// fresh stream of the given protocol.
func sendMsg(ctx context.Context, self *Peer, protocolID string, data []byte, receiverID peer.ID) error {
	s, err := self.CreateStream(ctx, receiverID, protocolID)
	if err != nil {
		return fmt.Errorf("open p2p stream: %w", err)
	}
	deadline, _ := ctx.Deadline()
	_ = s.SetWriteDeadline(deadline)
	if _, err = s.Write(data); err != nil {
		// on error reset to make sure that the next stream is not affected by the same error
		// reset forces close of both ends of the stream
		if resetErr := s.Reset(); resetErr != nil {
			return errors.Join(fmt.Errorf("writing data to p2p stream: %w", err), fmt.Errorf("stream reset: %w", resetErr))
		}
		return fmt.Errorf("writing data to p2p stream: %w", err)
	}
	if err = s.Close(); err != nil {
		return fmt.Errorf("closing p2p stream: %w", err)
	}
	return nil
}

/*
streamHandlerForProtocol returns libp2p stream handler for given protocolID.
The "ctor" is constructor which returns pointer to a data struct into which
incoming message can be stored.
*/
func (n *LibP2PNetwork) streamHandlerForProtocol(protocolID string, ctor func() any) libp2pNetwork.StreamHandler {
	return func(s libp2pNetwork.Stream) {
		success := false
		defer func() {
			if success {
				if err := s.Close(); err != nil {
					n.log.Warn(fmt.Sprintf("closing p2p stream %q", protocolID), logger.Error(err))
				}
			} else {
				if err := s.Reset(); err != nil {
					n.log.Warn(fmt.Sprintf("reset p2p stream %q", protocolID), logger.Error(err))
				}
			}
		}()
		// set reader timeout - node should not wait here forever
		err := s.SetReadDeadline(time.Now().Add(1000 * time.Millisecond))
		if err != nil {
			n.log.Warn(fmt.Sprintf("failed to set read deadline for stream %q", protocolID))
			return
		}
		reader := bufio.NewReader(s)
		for {
			msg := ctor()
			if err = deserializeMsg(reader, msg); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				n.log.Warn(fmt.Sprintf("reading %q message", protocolID), logger.Error(err))
				return
			}
			n.receivedMsg(s.Conn().RemotePeer(), protocolID, msg)
		}
		success = true
	}
}

func (n *LibP2PNetwork) receivedMsg(from peer.ID, protocolID string, msg any) {
	select {
	case n.receivedMsgs <- ReceivedMessage{From: from, Protocol: protocolID, Message: msg}:
	default:
		n.log.Warn(fmt.Sprintf("dropping %s message from %s because of slow consumer", protocolID, from))
	}
}

func (n *LibP2PNetwork) registerReceiveProtocols(protocols []receiveProtocolDescription) error {
	if len(protocols) == 0 {
		return errors.New("at least one protocol description must be given")
	}

	for _, p := range protocols {
		if err := n.registerReceiveProtocol(p); err != nil {
			return fmt.Errorf("registering protocol %q: %w", p.protocolID, err)
		}
	}

	return nil
}

func (n *LibP2PNetwork) registerReceiveProtocol(protoc receiveProtocolDescription) error {
	if protoc.protocolID == "" {
		return errors.New("protocol ID must be assigned")
	}
	if slices.Contains(n.self.host.Mux().Protocols(), protocol.ID(protoc.protocolID)) {
		return fmt.Errorf("protocol %q is already registered", protoc.protocolID)
	}

	if protoc.handler != nil {
		n.self.RegisterProtocolHandler(protoc.protocolID, protoc.handler)
		return nil
	}

	if protoc.typeFn == nil {
		return errors.New("data struct constructor or handler must be assigned")
	}
	msg := protoc.typeFn()
	if msg == nil {
		return errors.New("data struct constructor returns nil")
	}
	switch typ := reflect.TypeOf(msg); typ.Kind() {
	case reflect.Pointer:
		if typ.Elem().Kind() != reflect.Struct {
			return fmt.Errorf("data struct constructor must return pointer to struct but returns %s", typ)
		}
		if reflect.ValueOf(msg).IsNil() {
			return fmt.Errorf("data struct constructor returns uninitialized pointer")
		}
	default:
		return fmt.Errorf("data struct constructor must return pointer to struct but returns %s", typ)
	}

	n.self.RegisterProtocolHandler(protoc.protocolID, n.streamHandlerForProtocol(protoc.protocolID, protoc.typeFn))
	return nil
}

/*
registerSendProtocols allows to register multiple send protocols with single call.
It calls "registerSendProtocol" for each element in the "protocols" parameter.
*/
func (n *LibP2PNetwork) registerSendProtocols(protocols []sendProtocolDescription) error {
	if len(protocols) == 0 {
		return errors.New("at least one protocol description must be given")
	}

	for _, pd := range protocols {
		if err := n.registerSendProtocol(pd); err != nil {
			return fmt.Errorf("registering protocol %q: %w", pd.protocolID, err)
		}
	}
	return nil
}

func (n *LibP2PNetwork) registerSendProtocol(protocol sendProtocolDescription) error {
	if protocol.protocolID == "" {
		return errors.New("protocol ID must be assigned")
	}

	if protocol.timeout < 0 {
		return fmt.Errorf("negative duration is not allowed for timeout, got %s for %s", protocol.timeout, protocol.protocolID)
	}

	typ := reflect.TypeOf(protocol.msgType)
	if typ == nil {
		return errors.New("message data type must be assigned")
	}
	if typ.Kind() != reflect.Struct {
		return fmt.Errorf("message data type must be struct, got %T", protocol.msgType)
	}

	if spd, ok := n.sendProtocols[typ]; ok {
		return fmt.Errorf("data type %s has been already registered for protocol %s", typ, spd.protocolID)
	}

	spx := &sendProtocolData{protocolID: protocol.protocolID, timeout: protocol.timeout}
	n.sendProtocols[typ] = spx
	n.sendProtocols[reflect.PointerTo(typ)] = spx
	return nil
}
