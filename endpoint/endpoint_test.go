// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	"bytes"
	"testing"

	"github.com/ruft-net/ruft-go/frame"
	"github.com/ruft-net/ruft-go/transfer"
)

// testFrameLink buffers marshalled frames between two endpoints.
type testFrameLink struct {
	frames [][]byte
}

func (l *testFrameLink) SendFrame(data []byte) {
	l.frames = append(l.frames, data)
}

func (l *testFrameLink) deliver(t *testing.T, nowMS uint64, dst *Endpoint, sink transfer.FrameSink) {
	t.Helper()

	for _, data := range l.frames {
		f, err := frame.Unmarshal(data)
		if err != nil {
			t.Fatalf("emitted frame failed to parse: %v", err)
		}
		dst.HandleFrame(nowMS, f, sink)
	}
	l.frames = l.frames[:0]
}

// popKind parses the single buffered frame, checks it against want and
// returns it.
func (l *testFrameLink) popKind(t *testing.T, want frame.Kind) frame.Frame {
	t.Helper()

	if len(l.frames) != 1 {
		t.Fatalf("%d frames buffered, expected 1", len(l.frames))
	}
	f, err := frame.Unmarshal(l.frames[0])
	if err != nil {
		t.Fatalf("emitted frame failed to parse: %v", err)
	}
	if f.Kind() != want {
		t.Fatalf("frame kind is %v, expected %v", f.Kind(), want)
	}
	l.frames = l.frames[:0]
	return f
}

// startHandshake steps a fresh endpoint once and returns its HandshakeSyn.
func startHandshake(t *testing.T, e *Endpoint, link *testFrameLink) *frame.HandshakeSynFrame {
	t.Helper()

	e.Step(0, link)
	return link.popKind(t, frame.KindHandshakeSyn).(*frame.HandshakeSynFrame)
}

// connectedPair completes a handshake between an initiating and an accepting
// endpoint and returns both with their events drained.
func connectedPair(t *testing.T, clientCfg, serverCfg Config) (*Endpoint, *Endpoint) {
	t.Helper()

	client, err := New(clientCfg)
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}

	var link testFrameLink
	syn := startHandshake(t, client, &link)

	const serverNonce = 0x7AB31

	server, err := NewAccepted(serverCfg, 0, serverNonce, syn)
	if err != nil {
		t.Fatalf("server creation failed: %v", err)
	}

	synAck := frame.HandshakeSynAckFrame{
		NonceAck:        syn.Nonce,
		Nonce:           serverNonce,
		MaxReceiveRate:  clampU32(serverCfg.MaxReceiveRate),
		MaxPacketSize:   clampU32(serverCfg.MaxPacketSize),
		MaxReceiveAlloc: clampU32(serverCfg.MaxReceiveAlloc),
	}
	client.HandleFrame(0, &synAck, &link)

	if client.State() != StateConnected {
		t.Fatalf("client is %v after the handshake", client.State())
	}
	link.popKind(t, frame.KindHandshakeAck)

	events := client.PollEvents()
	if len(events) != 1 || events[0].Kind != EventConnect {
		t.Fatalf("client events after the handshake: %+v", events)
	}

	return client, server
}

func TestHandshakeCompletes(t *testing.T) {
	client, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}
	if client.State() != StateHandshaking {
		t.Fatalf("fresh endpoint is %v", client.State())
	}

	var link testFrameLink
	syn := startHandshake(t, client, &link)

	if syn.Version != frame.ProtocolVersion {
		t.Fatalf("advertised version %d", syn.Version)
	}
	if syn.MaxReceiveRate != 2_000_000 || syn.MaxPacketSize != 1_000_000 || syn.MaxReceiveAlloc != 1_000_000 {
		t.Fatalf("advertised parameters: %+v", syn)
	}

	synAck := frame.HandshakeSynAckFrame{
		NonceAck:        syn.Nonce,
		Nonce:           0x5C2D9,
		MaxReceiveRate:  1_000_000,
		MaxPacketSize:   1_000_000,
		MaxReceiveAlloc: 1_000_000,
	}
	client.HandleFrame(100, &synAck, &link)

	ack := link.popKind(t, frame.KindHandshakeAck).(*frame.HandshakeAckFrame)
	if ack.NonceAck != synAck.Nonce {
		t.Fatalf("handshake ack echoes nonce %#x, expected %#x", ack.NonceAck, synAck.Nonce)
	}

	if client.State() != StateConnected {
		t.Fatalf("client is %v after the handshake", client.State())
	}
	events := client.PollEvents()
	if len(events) != 1 || events[0].Kind != EventConnect {
		t.Fatalf("events after the handshake: %+v", events)
	}

	if rtt, ok := client.RTTMillis(); !ok || rtt != 100 {
		t.Fatalf("handshake round trip estimate: %d, %v", rtt, ok)
	}
}

func TestHandshakeIgnoresSpoofedSynAck(t *testing.T) {
	client, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}

	var link testFrameLink
	syn := startHandshake(t, client, &link)

	forged := frame.HandshakeSynAckFrame{
		NonceAck:        syn.Nonce + 1,
		Nonce:           0x11111,
		MaxReceiveRate:  1_000_000,
		MaxPacketSize:   1_000_000,
		MaxReceiveAlloc: 1_000_000,
	}
	client.HandleFrame(100, &forged, &link)

	if client.State() != StateHandshaking {
		t.Fatalf("client is %v after a forged syn ack", client.State())
	}
	if len(link.frames) != 0 {
		t.Fatalf("%d frames emitted in response to a forged syn ack", len(link.frames))
	}
	if events := client.PollEvents(); len(events) != 0 {
		t.Fatalf("events after a forged syn ack: %+v", events)
	}
}

func TestHandshakeIgnoresData(t *testing.T) {
	client, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}

	var link testFrameLink
	startHandshake(t, client, &link)

	data := frame.DataFrame{FrameID: 0, Nonce: true}
	client.HandleFrame(100, &data, &link)
	sync := frame.SyncFrame{FrameID: 1, Nonce: false, SenderNextID: 0}
	client.HandleFrame(100, &sync, &link)

	if client.State() != StateHandshaking {
		t.Fatalf("client is %v after stray data", client.State())
	}
	if len(link.frames) != 0 {
		t.Fatalf("%d frames emitted in response to stray data", len(link.frames))
	}
}

func TestHandshakeResendsAndTimesOut(t *testing.T) {
	client, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}

	var link testFrameLink
	now := uint64(0)
	for i := 0; i < handshakeResendCount; i++ {
		client.Step(now, &link)
		if len(link.frames) != 1 {
			t.Fatalf("%d frames after step %d, expected a lone syn", len(link.frames), i)
		}
		link.frames = link.frames[:0]

		// Between resends nothing is emitted
		client.Step(now+handshakeResendIntervalMS/2, &link)
		if len(link.frames) != 0 {
			t.Fatalf("syn resent before its interval elapsed")
		}

		now += handshakeResendIntervalMS
	}

	client.Step(now, &link)
	if client.State() != StateClosed {
		t.Fatalf("client is %v after the resends ran out", client.State())
	}
	events := client.PollEvents()
	if len(events) != 1 || events[0].Kind != EventTimeout {
		t.Fatalf("events after the handshake gave up: %+v", events)
	}
	if !client.Done() {
		t.Fatal("timed out endpoint not done")
	}
}

func TestHandshakeError(t *testing.T) {
	client, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}

	var link testFrameLink
	startHandshake(t, client, &link)

	client.HandleFrame(100, &frame.HandshakeErrorFrame{Error: frame.HandshakeErrorFull}, &link)

	if client.State() != StateClosed {
		t.Fatalf("client is %v after a handshake error", client.State())
	}
	events := client.PollEvents()
	if len(events) != 1 || events[0].Kind != EventHandshakeError || events[0].HandshakeError != frame.HandshakeErrorFull {
		t.Fatalf("events after a handshake error: %+v", events)
	}
}

func TestDuplicateSynAckReacked(t *testing.T) {
	client, _ := connectedPair(t, DefaultConfig(), DefaultConfig())

	var link testFrameLink
	dup := frame.HandshakeSynAckFrame{
		NonceAck:        client.localNonce,
		Nonce:           0x7AB31,
		MaxReceiveRate:  2_000_000,
		MaxPacketSize:   1_000_000,
		MaxReceiveAlloc: 1_000_000,
	}
	client.HandleFrame(500, &dup, &link)

	ack := link.popKind(t, frame.KindHandshakeAck).(*frame.HandshakeAckFrame)
	if ack.NonceAck != dup.Nonce {
		t.Fatalf("repeated handshake ack echoes nonce %#x", ack.NonceAck)
	}
	if client.State() != StateConnected {
		t.Fatalf("client is %v after a duplicated syn ack", client.State())
	}
}

// pump drives both endpoints until neither has pending sends or until both
// have closed, and returns the events each produced.
func pump(t *testing.T, a, b *Endpoint, startMS uint64) ([]Event, []Event) {
	t.Helper()

	var linkAB, linkBA testFrameLink
	var eventsA, eventsB []Event

	now := startMS
	for i := 0; i < 2000; i++ {
		a.Step(now, &linkAB)
		linkAB.deliver(t, now, b, &linkBA)

		b.Step(now, &linkBA)
		linkBA.deliver(t, now, a, &linkAB)

		eventsA = append(eventsA, a.PollEvents()...)
		eventsB = append(eventsB, b.PollEvents()...)

		idle := a.PendingBytes() == 0 && b.PendingBytes() == 0 &&
			a.State() == StateConnected && b.State() == StateConnected &&
			!a.disconnectFlush && !b.disconnectFlush
		closed := a.State() == StateClosed && b.State() == StateClosed
		if (idle && i > 2) || closed {
			return eventsA, eventsB
		}
		now += 20
	}

	t.Fatal("endpoints still busy after the deadline")
	return nil, nil
}

func TestConnectedTransfer(t *testing.T) {
	client, server := connectedPair(t, DefaultConfig(), DefaultConfig())

	data := bytes.Repeat([]byte{0xA5}, 4000)
	if err := client.Send(data, 5, transfer.Reliable); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if client.PendingBytes() != 4000 {
		t.Fatalf("%d bytes pending after send", client.PendingBytes())
	}

	_, serverEvents := pump(t, client, server, 20)

	var received []Event
	for _, ev := range serverEvents {
		if ev.Kind == EventReceive {
			received = append(received, ev)
		}
	}
	if len(received) != 1 {
		t.Fatalf("%d packets received, expected 1", len(received))
	}
	if received[0].ChannelID != 5 {
		t.Fatalf("packet received on channel %d", received[0].ChannelID)
	}
	if !bytes.Equal(received[0].Data, data) {
		t.Fatal("received packet differs from the original")
	}
	if client.PendingBytes() != 0 {
		t.Fatalf("%d bytes still pending after delivery", client.PendingBytes())
	}
}

func TestSendBeforeConnectIsReplayed(t *testing.T) {
	cfg := DefaultConfig()
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}

	data := bytes.Repeat([]byte{0x3C}, 600)
	if err := client.Send(data, 0, transfer.Reliable); err != nil {
		t.Fatalf("send while handshaking failed: %v", err)
	}
	if client.PendingBytes() != 600 {
		t.Fatalf("%d bytes pending while handshaking", client.PendingBytes())
	}

	var link testFrameLink
	syn := startHandshake(t, client, &link)

	server, err := NewAccepted(cfg, 0, 0x19D5F, syn)
	if err != nil {
		t.Fatalf("server creation failed: %v", err)
	}
	synAck := frame.HandshakeSynAckFrame{
		NonceAck:        syn.Nonce,
		Nonce:           0x19D5F,
		MaxReceiveRate:  clampU32(cfg.MaxReceiveRate),
		MaxPacketSize:   clampU32(cfg.MaxPacketSize),
		MaxReceiveAlloc: clampU32(cfg.MaxReceiveAlloc),
	}
	client.HandleFrame(0, &synAck, &link)
	link.frames = link.frames[:0]
	client.PollEvents()

	_, serverEvents := pump(t, client, server, 20)

	for _, ev := range serverEvents {
		if ev.Kind == EventReceive {
			if !bytes.Equal(ev.Data, data) {
				t.Fatal("replayed packet differs from the original")
			}
			return
		}
	}
	t.Fatal("packet queued before the handshake never arrived")
}

func TestSendRejectsOversized(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPacketSize = 1000

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}

	if err := client.Send(make([]byte, 1001), 0, transfer.Reliable); err == nil {
		t.Fatal("oversized packet accepted")
	}
	if err := client.Send(make([]byte, 10), frame.MaxChannels, transfer.Reliable); err == nil {
		t.Fatal("out of range channel accepted")
	}
	if err := client.Send(make([]byte, 1000), frame.MaxChannels-1, transfer.Reliable); err != nil {
		t.Fatalf("packet at the limits rejected: %v", err)
	}
}

func TestKeepalive(t *testing.T) {
	client, _ := connectedPair(t, DefaultConfig(), DefaultConfig())

	var link testFrameLink
	client.Step(1000, &link)
	if len(link.frames) != 0 {
		t.Fatalf("%d frames emitted on an idle connection", len(link.frames))
	}

	client.Step(keepaliveIntervalMS, &link)
	link.popKind(t, frame.KindSync)

	// The keepalive resets the idle clock
	client.Step(keepaliveIntervalMS+1000, &link)
	if len(link.frames) != 0 {
		t.Fatalf("keepalive emitted before its interval elapsed")
	}
}

func TestKeepaliveDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keepalive = false
	client, _ := connectedPair(t, cfg, DefaultConfig())

	var link testFrameLink
	client.Step(keepaliveIntervalMS, &link)
	client.Step(3*keepaliveIntervalMS, &link)
	if len(link.frames) != 0 {
		t.Fatalf("%d frames emitted with keepalive disabled", len(link.frames))
	}
}

func TestActiveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keepalive = false
	client, _ := connectedPair(t, cfg, DefaultConfig())

	var link testFrameLink
	client.Step(activeTimeoutMS-1, &link)
	if client.State() != StateConnected {
		t.Fatalf("client is %v before the timeout", client.State())
	}

	client.Step(activeTimeoutMS, &link)
	if client.State() != StateClosed {
		t.Fatalf("client is %v after the peer fell silent", client.State())
	}
	events := client.PollEvents()
	if len(events) != 1 || events[0].Kind != EventTimeout {
		t.Fatalf("events after the timeout: %+v", events)
	}
	if !client.Done() {
		t.Fatal("timed out endpoint not done")
	}
}

func TestDisconnectDrainsAndCloses(t *testing.T) {
	client, server := connectedPair(t, DefaultConfig(), DefaultConfig())

	data := bytes.Repeat([]byte{0xE7}, 2500)
	if err := client.Send(data, 1, transfer.Reliable); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	client.Disconnect(20)

	clientEvents, serverEvents := pump(t, client, server, 20)

	// The queued packet arrives before the teardown event
	sawData := false
	for _, ev := range serverEvents {
		switch ev.Kind {
		case EventReceive:
			if !bytes.Equal(ev.Data, data) {
				t.Fatal("received packet differs from the original")
			}
			sawData = true
		case EventDisconnect:
			if !sawData {
				t.Fatal("teardown reported before the pending packet")
			}
		}
	}
	if !sawData {
		t.Fatal("pending packet was not delivered before the teardown")
	}

	if len(clientEvents) != 1 || clientEvents[0].Kind != EventDisconnect {
		t.Fatalf("client events after the teardown: %+v", clientEvents)
	}
	if client.State() != StateClosed || !client.Done() {
		t.Fatalf("client is %v, done %v", client.State(), client.Done())
	}

	// The server lingers to re-ack a duplicated Disconnect, then expires
	if server.State() != StateClosed || server.Done() {
		t.Fatalf("server is %v, done %v", server.State(), server.Done())
	}

	var link testFrameLink
	server.HandleFrame(30000, &frame.DisconnectFrame{}, &link)
	link.popKind(t, frame.KindDisconnectAck)

	server.Step(server.forgetTimeMS, &link)
	if !server.Done() {
		t.Fatal("server not done after its linger expired")
	}
}

func TestDisconnectWhileHandshaking(t *testing.T) {
	client, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("client creation failed: %v", err)
	}

	client.Disconnect(0)
	if client.State() != StateClosed || !client.Done() {
		t.Fatalf("client is %v, done %v", client.State(), client.Done())
	}
	events := client.PollEvents()
	if len(events) != 1 || events[0].Kind != EventDisconnect {
		t.Fatalf("events after an early teardown: %+v", events)
	}
}

func TestRemoteDisconnect(t *testing.T) {
	client, _ := connectedPair(t, DefaultConfig(), DefaultConfig())

	var link testFrameLink
	client.HandleFrame(1000, &frame.DisconnectFrame{}, &link)

	link.popKind(t, frame.KindDisconnectAck)
	if client.State() != StateClosed {
		t.Fatalf("client is %v after a remote teardown", client.State())
	}
	events := client.PollEvents()
	if len(events) != 1 || events[0].Kind != EventDisconnect {
		t.Fatalf("events after a remote teardown: %+v", events)
	}
}
