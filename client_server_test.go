// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ruft

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/ruft-net/ruft-go/endpoint"
	"github.com/ruft-net/ruft-go/frame"
)

const eventWait = 10 * time.Second

// nextEvent returns the next event or fails the test after a deadline.
func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(eventWait):
		t.Fatal("no event within the deadline")
		return Event{}
	}
}

// waitKind skips events until one of the wanted kind arrives.
func waitKind(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()

	for {
		ev := nextEvent(t, events)
		if ev.Kind == kind {
			return ev
		}
		if ev.Kind == EventError || ev.Kind == EventTimeout {
			t.Fatalf("connection failed while waiting for %v: %v", kind, ev.Kind)
		}
	}
}

func newPair(t *testing.T, serverCfg ServerConfig, clientCfg endpoint.Config) (*Server, *Client, *Peer) {
	t.Helper()

	server, err := Listen("127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { _ = server.Close() })

	client, err := NewClient("127.0.0.1:0")
	if err != nil {
		t.Fatalf("client socket failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	peer, err := client.Connect(server.LocalAddr().String(), clientCfg)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	return server, client, peer
}

func TestClientServerTransfer(t *testing.T) {
	server, client, peer := newPair(t, DefaultServerConfig(), endpoint.DefaultConfig())

	waitKind(t, client.Events(), EventConnect)
	serverPeer := waitKind(t, server.Events(), EventConnect).Peer

	payloads := [][]byte{
		bytes.Repeat([]byte{0x01}, 100),
		bytes.Repeat([]byte{0x02}, 5000),
		bytes.Repeat([]byte{0x03}, 20),
	}
	for i, data := range payloads {
		if err := peer.Send(data, uint8(i), Reliable); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	peer.Flush()

	for i, want := range payloads {
		ev := waitKind(t, server.Events(), EventReceive)
		if ev.ChannelID != uint8(i) {
			t.Fatalf("packet %d arrived on channel %d", i, ev.ChannelID)
		}
		if !bytes.Equal(ev.Data, want) {
			t.Fatalf("packet %d differs from the original", i)
		}
	}

	// And back the other way
	echo := bytes.Repeat([]byte{0xEE}, 3000)
	if err := serverPeer.Send(echo, 7, Reliable); err != nil {
		t.Fatalf("echo send failed: %v", err)
	}

	ev := waitKind(t, client.Events(), EventReceive)
	if ev.ChannelID != 7 || !bytes.Equal(ev.Data, echo) {
		t.Fatal("echo packet differs from the original")
	}

	if _, ok := peer.RTT(); !ok {
		t.Fatal("no round trip estimate after a transfer")
	}

	peer.Disconnect()
	waitKind(t, client.Events(), EventDisconnect)
	waitKind(t, server.Events(), EventDisconnect)
}

func TestServerRefusesVersionMismatch(t *testing.T) {
	server, err := Listen("127.0.0.1:0", DefaultServerConfig())
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer func() { _ = server.Close() }()

	conn, err := net.Dial("udp", server.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	syn := frame.HandshakeSynFrame{
		Version:         frame.ProtocolVersion + 1,
		Nonce:           0x123,
		MaxReceiveRate:  1000,
		MaxPacketSize:   1000,
		MaxReceiveAlloc: 1000,
	}
	if _, err := conn.Write(frame.Marshal(&syn)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	buf := make([]byte, 1500)
	_ = conn.SetReadDeadline(time.Now().Add(eventWait))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no reply to a version mismatch: %v", err)
	}

	f, err := frame.Unmarshal(buf[:n])
	if err != nil {
		t.Fatalf("reply failed to parse: %v", err)
	}
	herr, ok := f.(*frame.HandshakeErrorFrame)
	if !ok {
		t.Fatalf("reply is %v, expected a handshake error", f.Kind())
	}
	if herr.Error != frame.HandshakeErrorVersion {
		t.Fatalf("handshake error is %v, expected a version mismatch", herr.Error)
	}
}

func TestServerIgnoresStrayData(t *testing.T) {
	server, err := Listen("127.0.0.1:0", DefaultServerConfig())
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer func() { _ = server.Close() }()

	conn, err := net.Dial("udp", server.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Data from an address without a connection earns no reply and no state
	data := frame.DataFrame{FrameID: 1, Nonce: true}
	if _, err := conn.Write(frame.Marshal(&data)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	buf := make([]byte, 1500)
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("server replied %d bytes to stray data", n)
	}

	select {
	case ev := <-server.Events():
		t.Fatalf("server produced an event for stray data: %v", ev.Kind)
	default:
	}
}

func TestServerRefusesOversizedPackets(t *testing.T) {
	serverCfg := DefaultServerConfig()
	serverCfg.Endpoint.MaxReceiveAlloc = 500_000

	// The client wants to send packets larger than the server can assemble
	_, client, _ := newPair(t, serverCfg, endpoint.DefaultConfig())

	ev := waitEventOrError(t, client.Events())
	if ev.Kind != EventError {
		t.Fatalf("client event is %v, expected an error", ev.Kind)
	}
	if ev.HandshakeError != frame.HandshakeErrorParameter {
		t.Fatalf("handshake error is %v, expected a parameter refusal", ev.HandshakeError)
	}
}

func TestServerRefusesAtCapacity(t *testing.T) {
	serverCfg := DefaultServerConfig()
	serverCfg.MaxPeers = 1

	server, client, _ := newPair(t, serverCfg, endpoint.DefaultConfig())

	waitKind(t, client.Events(), EventConnect)
	waitKind(t, server.Events(), EventConnect)

	second, err := NewClient("127.0.0.1:0")
	if err != nil {
		t.Fatalf("second client socket failed: %v", err)
	}
	defer func() { _ = second.Close() }()

	if _, err := second.Connect(server.LocalAddr().String(), endpoint.DefaultConfig()); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}

	ev := waitEventOrError(t, second.Events())
	if ev.Kind != EventError || ev.HandshakeError != frame.HandshakeErrorFull {
		t.Fatalf("second client event is %v/%v, expected a capacity refusal", ev.Kind, ev.HandshakeError)
	}
}

func TestPeerUsableAfterClose(t *testing.T) {
	server, client, peer := newPair(t, DefaultServerConfig(), endpoint.DefaultConfig())

	waitKind(t, client.Events(), EventConnect)
	serverPeer := waitKind(t, server.Events(), EventConnect).Peer

	if err := client.Close(); err != nil {
		t.Fatalf("client close failed: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("server close failed: %v", err)
	}

	// Peer calls arriving after the socket closed go nowhere, but must not
	// panic on the closed event channel
	_ = peer.Send([]byte{1}, 0, Reliable)
	peer.Flush()
	peer.Disconnect()
	serverPeer.Flush()
}

// waitEventOrError returns the next non-receive event.
func waitEventOrError(t *testing.T, events <-chan Event) Event {
	t.Helper()

	for {
		ev := nextEvent(t, events)
		if ev.Kind != EventReceive {
			return ev
		}
	}
}
