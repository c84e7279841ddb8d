// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ruft

import (
	"container/heap"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/ruft-net/ruft-go/endpoint"
	"github.com/ruft-net/ruft-go/frame"
)

const (
	pendingResendIntervalMS uint64 = 5000
	pendingResendCount             = 5
)

// ServerConfig carries the listener parameters. Endpoint applies to every
// accepted connection.
type ServerConfig struct {
	Endpoint endpoint.Config

	// MaxPeers caps the total number of connections, pending handshakes
	// included. Further attempts are refused with a handshake error.
	MaxPeers int

	// MaxPendingPeers caps the handshakes in flight. The cap bounds the
	// state an unacknowledged flood of connection requests can occupy.
	MaxPendingPeers int
}

// DefaultServerConfig returns a configuration accepting up to 128
// connections with the default endpoint parameters.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Endpoint:        endpoint.DefaultConfig(),
		MaxPeers:        128,
		MaxPendingPeers: 64,
	}
}

// pendingPeer is a handshake the listener has answered but not completed.
// No connection state exists yet; a spoofed request costs one table entry
// and nothing more.
type pendingPeer struct {
	addr  *net.UDPAddr
	nonce uint32

	// The initiator's advertised parameters, fixed for the data phase.
	syn frame.HandshakeSynFrame

	synAckBytes []byte

	resendTimeMS uint64
	resendsLeft  int

	index   int
	removed bool
}

// pendingQueue orders pending handshakes by their next resend time.
type pendingQueue []*pendingPeer

func (q pendingQueue) Len() int            { return len(q) }
func (q pendingQueue) Less(i, j int) bool  { return q[i].resendTimeMS < q[j].resendTimeMS }
func (q pendingQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *pendingQueue) Push(x interface{}) { pp := x.(*pendingPeer); pp.index = len(*q); *q = append(*q, pp) }
func (q *pendingQueue) Pop() interface{} {
	old := *q
	n := len(old)
	pp := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return pp
}

// Server listens for incoming connections on a UDP socket.
type Server struct {
	sock *socket
	cfg  ServerConfig

	pending map[string]*pendingPeer
	queue   pendingQueue
}

// Listen opens a listening socket on the given address.
func Listen(address string, cfg ServerConfig) (*Server, error) {
	if err := cfg.Endpoint.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolving listen address: %w", err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("binding UDP socket: %w", err)
	}

	s := &Server{
		sock:    newSocket(conn),
		cfg:     cfg,
		pending: make(map[string]*pendingPeer),
	}
	s.sock.handleStray = s.handleStray
	s.sock.onTick = s.resendPending
	s.sock.start()

	log.WithField("address", conn.LocalAddr()).Info("Server listening")
	return s, nil
}

// Events returns the channel carrying connection events and received
// packets. The channel closes when the server is closed.
func (s *Server) Events() <-chan Event {
	return s.sock.events
}

// LocalAddr returns the bound socket address.
func (s *Server) LocalAddr() net.Addr {
	return s.sock.conn.LocalAddr()
}

// SetEndpointConfig replaces the parameters applied to connections accepted
// from now on. Established connections keep the parameters they were
// accepted with.
func (s *Server) SetEndpointConfig(cfg endpoint.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid endpoint config: %w", err)
	}

	s.sock.mu.Lock()
	s.cfg.Endpoint = cfg
	s.sock.mu.Unlock()

	log.WithFields(log.Fields{
		"maxSendRate":    cfg.MaxSendRate,
		"maxReceiveRate": cfg.MaxReceiveRate,
	}).Info("Server endpoint parameters updated")
	return nil
}

// Stats returns a snapshot of the socket's traffic counters.
func (s *Server) Stats() Stats {
	st := s.sock.stats()

	s.sock.mu.Lock()
	st.PendingHandshakes = len(s.pending)
	s.sock.mu.Unlock()

	return st
}

// Close shuts the socket down. Connections are dropped without a teardown
// exchange.
func (s *Server) Close() error {
	s.sock.close()
	return nil
}

// handleStray takes frames from addresses without a connection: the server
// side of the handshake. Runs under the socket mutex.
func (s *Server) handleStray(nowMS uint64, src *net.UDPAddr, f frame.Frame) []Event {
	switch f := f.(type) {
	case *frame.HandshakeSynFrame:
		s.handleSyn(nowMS, src, f)

	case *frame.HandshakeAckFrame:
		return s.handleAck(nowMS, src, f)

	case *frame.DisconnectFrame:
		// The connection is already forgotten; keep acknowledging so the
		// peer's teardown completes.
		s.send(src, frame.Marshal(&frame.DisconnectAckFrame{}))
	}

	return nil
}

func (s *Server) handleSyn(nowMS uint64, src *net.UDPAddr, syn *frame.HandshakeSynFrame) {
	key := src.String()

	// A duplicated request gets the answer it lost, nothing new. The reply
	// is barely larger than the request, so a spoofed source address gains
	// no amplification either.
	if pp, ok := s.pending[key]; ok {
		s.send(src, pp.synAckBytes)
		return
	}

	if syn.Version != frame.ProtocolVersion {
		log.WithFields(log.Fields{
			"source":  src,
			"version": syn.Version,
		}).Debug("Server refused a connection attempt with a version mismatch")

		s.send(src, frame.Marshal(&frame.HandshakeErrorFrame{Error: frame.HandshakeErrorVersion}))
		return
	}

	if int(syn.MaxPacketSize) > s.cfg.Endpoint.MaxReceiveAlloc {
		log.WithFields(log.Fields{
			"source":        src,
			"maxPacketSize": syn.MaxPacketSize,
		}).Debug("Server refused a connection attempt exceeding the receive allocation")

		s.send(src, frame.Marshal(&frame.HandshakeErrorFrame{Error: frame.HandshakeErrorParameter}))
		return
	}

	if len(s.sock.peers)+len(s.pending) >= s.cfg.MaxPeers || len(s.pending) >= s.cfg.MaxPendingPeers {
		log.WithField("source", src).Debug("Server refused a connection attempt at capacity")

		s.send(src, frame.Marshal(&frame.HandshakeErrorFrame{Error: frame.HandshakeErrorFull}))
		return
	}

	nonce, err := randomNonce()
	if err != nil {
		log.WithField("error", err).Error("Server failed to draw a handshake nonce")
		return
	}

	synAck := frame.HandshakeSynAckFrame{
		NonceAck:        syn.Nonce,
		Nonce:           nonce,
		MaxReceiveRate:  clampU32(s.cfg.Endpoint.MaxReceiveRate),
		MaxPacketSize:   clampU32(s.cfg.Endpoint.MaxPacketSize),
		MaxReceiveAlloc: clampU32(s.cfg.Endpoint.MaxReceiveAlloc),
	}

	pp := &pendingPeer{
		addr:         src,
		nonce:        nonce,
		syn:          *syn,
		synAckBytes:  frame.Marshal(&synAck),
		resendTimeMS: nowMS + pendingResendIntervalMS,
		resendsLeft:  pendingResendCount,
	}
	s.pending[key] = pp
	heap.Push(&s.queue, pp)

	s.send(src, pp.synAckBytes)

	log.WithField("source", src).Debug("Server answered a connection attempt")
}

func (s *Server) handleAck(nowMS uint64, src *net.UDPAddr, ack *frame.HandshakeAckFrame) []Event {
	key := src.String()

	pp, ok := s.pending[key]
	if !ok || ack.NonceAck != pp.nonce {
		// Not the nonce we handed out; whoever sent this never saw our
		// answer and so never proved their address.
		return nil
	}

	delete(s.pending, key)
	pp.removed = true

	ep, err := endpoint.NewAccepted(s.cfg.Endpoint, nowMS, pp.nonce, &pp.syn)
	if err != nil {
		log.WithFields(log.Fields{
			"source": src,
			"error":  err,
		}).Warn("Server failed to accept a validated connection")
		return nil
	}

	p := &Peer{sock: s.sock, addr: pp.addr, ep: ep}
	s.sock.peers[key] = p

	log.WithField("peer", p).Info("Server accepted a connection")

	return mapEvents(p, ep.PollEvents())
}

// resendPending repeats unanswered handshake replies and expires the ones
// that ran out of attempts. Runs under the socket mutex on every tick.
func (s *Server) resendPending(nowMS uint64) {
	for len(s.queue) > 0 {
		pp := s.queue[0]

		if pp.removed {
			heap.Pop(&s.queue)
			continue
		}
		if pp.resendTimeMS > nowMS {
			return
		}

		if pp.resendsLeft == 0 {
			heap.Pop(&s.queue)
			delete(s.pending, pp.addr.String())

			log.WithField("source", pp.addr).Debug("Server gave up on an unanswered handshake")
			continue
		}

		s.send(pp.addr, pp.synAckBytes)
		pp.resendsLeft--
		pp.resendTimeMS = nowMS + pendingResendIntervalMS
		heap.Fix(&s.queue, pp.index)
	}
}

func (s *Server) send(addr *net.UDPAddr, data []byte) {
	sink := udpSink{sock: s.sock, addr: addr}
	sink.SendFrame(data)
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

// clampU32 truncates a non-negative parameter to its 32 bit wire field.
func clampU32(v int) uint32 {
	if uint64(v) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
