// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package endpoint implements the connection state machine of a single ruft
// connection: the three way nonce handshake, the connected data phase driving
// a transfer.Engine, and the orderly teardown.
//
// An Endpoint performs no I/O and keeps no clock; the caller feeds it
// received frames, a millisecond timestamp and a frame sink on every call.
// State changes and received packets surface as Events through PollEvents.
package endpoint

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/ruft-net/ruft-go/frame"
	"github.com/ruft-net/ruft-go/transfer"
)

// State identifies a connection phase.
type State uint8

const (
	// StateHandshaking covers the three way exchange. No application data
	// is transmitted; outgoing packets are queued for the data phase.
	StateHandshaking State = iota

	// StateConnected is the data phase.
	StateConnected

	// StateDisconnecting drains the final Disconnect exchange after all
	// pending sends have been flushed.
	StateDisconnecting

	// StateClosed is terminal. The endpoint stays around briefly to
	// acknowledge duplicated teardown frames, then reports itself done.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// EventKind identifies a connection event.
type EventKind uint8

const (
	// EventConnect signals a completed handshake.
	EventConnect EventKind = iota

	// EventDisconnect signals an orderly teardown, local or remote.
	EventDisconnect

	// EventReceive carries a delivered packet.
	EventReceive

	// EventHandshakeError signals a refused connection attempt.
	EventHandshakeError

	// EventTimeout signals that the peer fell silent and the connection
	// was abandoned.
	EventTimeout
)

// Event is a connection status change or a delivered packet.
type Event struct {
	Kind EventKind

	// Data and ChannelID are set for EventReceive.
	Data      []byte
	ChannelID uint8

	// HandshakeError is set for EventHandshakeError.
	HandshakeError frame.HandshakeErrorKind
}

const (
	handshakeResendIntervalMS uint64 = 2000
	handshakeResendCount             = 8

	disconnectResendCount = 8
	// Bounds on the RTO derived disconnect resend interval
	disconnectResendMinMS = 500
	disconnectResendMaxMS = 2000

	activeTimeoutMS     uint64 = 20000
	keepaliveIntervalMS uint64 = 5000
	closedLingerMS      uint64 = 15000
)

type sendEntry struct {
	data      []byte
	channelID uint8
	mode      transfer.SendMode
}

// Endpoint is the state machine of one connection.
type Endpoint struct {
	cfg   Config
	state State

	// Handshake state
	localNonce   uint32
	synBytes     []byte
	synSentAtMS  uint64
	initialSends []sendEntry

	// Resend bookkeeping for the handshake and disconnect exchanges
	sentOnce     bool
	resendTimeMS uint64
	resendsLeft  int

	engine          *transfer.Engine
	disconnectFlush bool

	rtt rttEstimator

	lastRecvMS uint64
	lastEmitMS uint64

	forgetTimeMS uint64
	done         bool

	events []Event
}

// New creates an endpoint initiating a connection. The handshake begins with
// the first Step call.
func New(cfg Config) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint config: %w", err)
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("drawing the handshake nonce: %w", err)
	}
	syn := frame.HandshakeSynFrame{
		Version:         frame.ProtocolVersion,
		Nonce:           nonce,
		MaxReceiveRate:  clampU32(cfg.MaxReceiveRate),
		MaxPacketSize:   clampU32(cfg.MaxPacketSize),
		MaxReceiveAlloc: clampU32(cfg.MaxReceiveAlloc),
	}

	return &Endpoint{
		cfg:         cfg,
		state:       StateHandshaking,
		localNonce:  nonce,
		synBytes:    frame.Marshal(&syn),
		resendsLeft: handshakeResendCount,
		rtt:         newRTTEstimator(),
	}, nil
}

// NewAccepted creates an endpoint for a connection a listener has already
// completed the handshake for. The listener's nonce and the initiator's
// HandshakeSyn parameters fix the data phase configuration.
func NewAccepted(cfg Config, nowMS uint64, localNonce uint32, syn *frame.HandshakeSynFrame) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endpoint config: %w", err)
	}

	e := &Endpoint{
		cfg:        cfg,
		localNonce: localNonce,
		rtt:        newRTTEstimator(),
	}
	e.enterConnected(nowMS, syn.Nonce, syn.MaxReceiveRate, syn.MaxReceiveAlloc)
	return e, nil
}

// State returns the current connection phase.
func (e *Endpoint) State() State {
	return e.state
}

// Done reports whether the endpoint has finished its teardown linger and may
// be forgotten.
func (e *Endpoint) Done() bool {
	return e.done
}

// Send queues a packet for delivery. During the handshake packets are held
// back and enter the data phase in order once it completes.
func (e *Endpoint) Send(data []byte, channelID uint8, mode transfer.SendMode) error {
	if channelID >= frame.MaxChannels {
		return fmt.Errorf("channel ID %d exceeds maximum %d", channelID, frame.MaxChannels-1)
	}
	if len(data) > e.cfg.MaxPacketSize {
		return fmt.Errorf("packet of %d bytes exceeds configured maximum %d", len(data), e.cfg.MaxPacketSize)
	}

	switch e.state {
	case StateHandshaking:
		e.initialSends = append(e.initialSends, sendEntry{data, channelID, mode})
	case StateConnected:
		e.engine.Send(data, channelID, mode)
	default:
		return fmt.Errorf("connection is %v", e.state)
	}
	return nil
}

// Disconnect starts an orderly teardown. Pending sends are flushed first;
// once they are delivered the Disconnect exchange begins.
func (e *Endpoint) Disconnect(nowMS uint64) {
	switch e.state {
	case StateHandshaking:
		// Nothing sent worth draining
		e.events = append(e.events, Event{Kind: EventDisconnect})
		e.enterClosed(nowMS, 0)
	case StateConnected:
		e.disconnectFlush = true
	}
}

// PendingBytes returns the total payload bytes awaiting delivery to the
// peer.
func (e *Endpoint) PendingBytes() int {
	switch e.state {
	case StateHandshaking:
		total := 0
		for _, s := range e.initialSends {
			total += len(s.data)
		}
		return total
	case StateConnected:
		return e.engine.PendingBytes()
	default:
		return 0
	}
}

// RTTMillis returns the smoothed round trip estimate, or false before the
// first measurement.
func (e *Endpoint) RTTMillis() (uint64, bool) {
	if e.state == StateConnected {
		if rtt, ok := e.engine.RTTMillis(); ok {
			return rtt, true
		}
	}
	if e.rtt.haveSample {
		return uint64(e.rtt.rttMS() + 0.5), true
	}
	return 0, false
}

// PollEvents returns the connection events and delivered packets produced
// since the last call.
func (e *Endpoint) PollEvents() []Event {
	if e.state == StateConnected {
		e.engine.Receive((*eventPacketSink)(&e.events))
	}

	events := e.events
	e.events = nil
	return events
}

// HandleFrame feeds one received frame to the state machine. Frames not
// matching the current phase are dropped.
func (e *Endpoint) HandleFrame(nowMS uint64, f frame.Frame, sink transfer.FrameSink) {
	switch e.state {
	case StateHandshaking:
		e.handleFrameHandshaking(nowMS, f, sink)
	case StateConnected:
		e.handleFrameConnected(nowMS, f, sink)
	case StateDisconnecting:
		e.handleFrameDisconnecting(nowMS, f, sink)
	case StateClosed:
		// Keep acknowledging teardown requests while lingering
		if _, ok := f.(*frame.DisconnectFrame); ok {
			sink.SendFrame(frame.Marshal(&frame.DisconnectAckFrame{}))
		}
	}
}

func (e *Endpoint) handleFrameHandshaking(nowMS uint64, f frame.Frame, sink transfer.FrameSink) {
	switch f := f.(type) {
	case *frame.HandshakeSynAckFrame:
		if f.NonceAck != e.localNonce {
			// A duplicate from some earlier handshake
			return
		}

		sink.SendFrame(frame.Marshal(&frame.HandshakeAckFrame{NonceAck: f.Nonce}))

		if e.sentOnce {
			e.rtt.update(float64(nowMS - e.synSentAtMS))
		}
		e.enterConnected(nowMS, f.Nonce, f.MaxReceiveRate, f.MaxReceiveAlloc)

	case *frame.HandshakeErrorFrame:
		e.events = append(e.events, Event{Kind: EventHandshakeError, HandshakeError: f.Error})
		e.enterClosed(nowMS, 0)

	case *frame.DisconnectFrame:
		sink.SendFrame(frame.Marshal(&frame.DisconnectAckFrame{}))
		e.enterClosed(nowMS, 0)
	}
}

func (e *Endpoint) handleFrameConnected(nowMS uint64, f frame.Frame, sink transfer.FrameSink) {
	switch f := f.(type) {
	case *frame.HandshakeSynAckFrame:
		// Our final handshake ack was lost; repeat it
		if f.NonceAck == e.localNonce {
			sink.SendFrame(frame.Marshal(&frame.HandshakeAckFrame{NonceAck: f.Nonce}))
		}

	case *frame.DataFrame:
		e.lastRecvMS = nowMS
		e.engine.HandleDataFrame(f)

	case *frame.SyncFrame:
		e.lastRecvMS = nowMS
		e.engine.HandleSyncFrame(f)

	case *frame.AckFrame:
		e.lastRecvMS = nowMS
		e.engine.HandleAckFrame(f)

	case *frame.DisconnectFrame:
		sink.SendFrame(frame.Marshal(&frame.DisconnectAckFrame{}))

		// Surface what has been delivered before tearing down
		e.engine.Receive((*eventPacketSink)(&e.events))
		e.events = append(e.events, Event{Kind: EventDisconnect})
		e.enterClosed(nowMS, closedLingerMS)
	}
}

func (e *Endpoint) handleFrameDisconnecting(nowMS uint64, f frame.Frame, sink transfer.FrameSink) {
	switch f.(type) {
	case *frame.DisconnectFrame:
		// The peer is tearing down as well
		sink.SendFrame(frame.Marshal(&frame.DisconnectAckFrame{}))
		e.events = append(e.events, Event{Kind: EventDisconnect})
		e.enterClosed(nowMS, closedLingerMS)

	case *frame.DisconnectAckFrame:
		e.events = append(e.events, Event{Kind: EventDisconnect})
		e.enterClosed(nowMS, 0)
	}
}

// Step performs the time driven work of the current phase: handshake and
// disconnect retransmission, engine stepping, keepalive and the silence
// watchdog.
func (e *Endpoint) Step(nowMS uint64, sink transfer.FrameSink) {
	switch e.state {
	case StateHandshaking:
		if !e.sentOnce || nowMS >= e.resendTimeMS {
			if e.resendsLeft == 0 {
				e.events = append(e.events, Event{Kind: EventTimeout})
				e.enterClosed(nowMS, 0)
				return
			}
			sink.SendFrame(e.synBytes)
			e.sentOnce = true
			e.synSentAtMS = nowMS
			e.resendTimeMS = nowMS + handshakeResendIntervalMS
			e.resendsLeft--
		}

	case StateConnected:
		if nowMS-e.lastRecvMS >= activeTimeoutMS {
			e.events = append(e.events, Event{Kind: EventTimeout})
			e.enterClosed(nowMS, 0)
			return
		}

		if rtt, ok := e.engine.RTTMillis(); ok {
			e.rtt.update(float64(rtt))
		}

		rec := recordingSink{sink: sink}
		e.engine.Step(nowMS, &rec)
		if rec.sent {
			e.lastEmitMS = nowMS
		}

		if e.cfg.Keepalive && nowMS-e.lastEmitMS >= keepaliveIntervalMS {
			e.engine.EmitSync(nowMS, sink)
			e.lastEmitMS = nowMS
		}

		e.engine.Receive((*eventPacketSink)(&e.events))

		if e.disconnectFlush && !e.engine.IsSendPending() {
			e.enterDisconnecting(nowMS, sink)
		}

	case StateDisconnecting:
		if nowMS >= e.resendTimeMS {
			if e.resendsLeft == 0 {
				e.events = append(e.events, Event{Kind: EventTimeout})
				e.enterClosed(nowMS, 0)
				return
			}
			sink.SendFrame(frame.Marshal(&frame.DisconnectFrame{}))
			e.resendTimeMS = nowMS + e.teardownResendIntervalMS()
			e.resendsLeft--
		}

	case StateClosed:
		if nowMS >= e.forgetTimeMS {
			e.done = true
		}
	}
}

// Flush emits pending acknowledgements and queued data within the sending
// credit already earned, without advancing any timers.
func (e *Endpoint) Flush(nowMS uint64, sink transfer.FrameSink) {
	if e.state != StateConnected {
		return
	}

	rec := recordingSink{sink: sink}
	e.engine.Flush(nowMS, &rec)
	if rec.sent {
		e.lastEmitMS = nowMS
	}

	if e.disconnectFlush && !e.engine.IsSendPending() {
		e.enterDisconnecting(nowMS, sink)
	}
}

func (e *Endpoint) enterConnected(nowMS uint64, remoteNonce, remoteMaxReceiveRate, remoteMaxReceiveAlloc uint32) {
	rateLimit := clampU32(e.cfg.MaxSendRate)
	if remoteMaxReceiveRate < rateLimit {
		rateLimit = remoteMaxReceiveRate
	}

	e.engine = transfer.NewEngine(transfer.Config{
		TxAlloc: int(remoteMaxReceiveAlloc),
		RxAlloc: e.cfg.MaxReceiveAlloc,

		TxBaseID: e.localNonce & frame.IDMask,
		RxBaseID: remoteNonce & frame.IDMask,

		TxRateLimit: rateLimit,
	})

	for _, s := range e.initialSends {
		e.engine.Send(s.data, s.channelID, s.mode)
	}
	e.initialSends = nil

	e.state = StateConnected
	e.lastRecvMS = nowMS
	e.lastEmitMS = nowMS

	e.events = append(e.events, Event{Kind: EventConnect})
}

func (e *Endpoint) enterDisconnecting(nowMS uint64, sink transfer.FrameSink) {
	// Surface everything delivered so far; the data phase is over
	e.engine.Receive((*eventPacketSink)(&e.events))

	sink.SendFrame(frame.Marshal(&frame.DisconnectFrame{}))

	e.state = StateDisconnecting
	e.resendTimeMS = nowMS + e.teardownResendIntervalMS()
	e.resendsLeft = disconnectResendCount
}

func (e *Endpoint) enterClosed(nowMS uint64, lingerMS uint64) {
	e.state = StateClosed
	e.engine = nil
	e.initialSends = nil
	e.forgetTimeMS = nowMS + lingerMS
	e.done = lingerMS == 0
}

// teardownResendIntervalMS derives the Disconnect resend interval from the
// RTO estimate, bounded to keep the exchange responsive on fast links and
// patient on slow ones.
func (e *Endpoint) teardownResendIntervalMS() uint64 {
	interval := uint64(e.rtt.rtoMS() + 0.5)
	if interval < disconnectResendMinMS {
		interval = disconnectResendMinMS
	}
	if interval > disconnectResendMaxMS {
		interval = disconnectResendMaxMS
	}
	return interval
}

// randomNonce draws a handshake nonce. The nonce doubles as a proof of
// address ownership, so a predictable source would invite spoofing.
func randomNonce() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// eventPacketSink appends delivered packets to an event queue.
type eventPacketSink []Event

func (s *eventPacketSink) DeliverPacket(data []byte, channelID uint8) {
	*s = append(*s, Event{Kind: EventReceive, Data: data, ChannelID: channelID})
}

// recordingSink notes whether any frame passed through, for keepalive
// scheduling.
type recordingSink struct {
	sink transfer.FrameSink
	sent bool
}

func (s *recordingSink) SendFrame(data []byte) {
	s.sent = true
	s.sink.SendFrame(data)
}
