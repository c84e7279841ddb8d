// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ruft

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ruft-net/ruft-go/endpoint"
	"github.com/ruft-net/ruft-go/frame"
)

const (
	// stepInterval is the cadence of the time driven connection work:
	// retransmission, congestion control ticks, keepalive.
	stepInterval = 20 * time.Millisecond

	readBufferSize = 2048
	eventBacklog   = 64
)

// socket drives all connections sharing one UDP socket. A reader goroutine
// feeds received frames to their endpoints; a ticker goroutine steps every
// endpoint and retires finished ones.
type socket struct {
	conn  *net.UDPConn
	epoch time.Time

	mu    sync.Mutex
	peers map[string]*Peer

	// handleStray takes frames from addresses without a connection, under
	// mu. The listener hooks the server side of the handshake in here.
	handleStray func(nowMS uint64, src *net.UDPAddr, f frame.Frame) []Event

	// onTick runs at the start of every step, under mu.
	onTick func(nowMS uint64)

	// emitMu and emitClosed fence emit against the closing of the events
	// channel, so that Peer calls arriving after a Close do not panic.
	emitMu     sync.RWMutex
	emitClosed bool

	events chan Event

	// Traffic counters, updated atomically.
	framesIn  uint64
	framesOut uint64
	bytesIn   uint64
	bytesOut  uint64
	malformed uint64

	closeOnce sync.Once
	stopSyn   chan struct{}
	stopAck   chan struct{}
	readDone  chan struct{}
}

func newSocket(conn *net.UDPConn) *socket {
	return &socket{
		conn:     conn,
		epoch:    time.Now(),
		peers:    make(map[string]*Peer),
		events:   make(chan Event, eventBacklog),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (s *socket) start() {
	go s.readLoop()
	go s.tickLoop()
}

// nowMS returns the socket's monotonic clock in milliseconds. All endpoint
// timestamps share this epoch.
func (s *socket) nowMS() uint64 {
	return uint64(time.Since(s.epoch) / time.Millisecond)
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		close(s.stopSyn)
		<-s.stopAck
	})
}

func (s *socket) readLoop() {
	defer close(s.readDone)

	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-s.stopSyn:
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
			log.WithField("error", err).Warn("Socket failed to set its read deadline")
			return
		}

		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			log.WithField("error", err).Warn("Socket read failed")
			continue
		}

		atomic.AddUint64(&s.framesIn, 1)
		atomic.AddUint64(&s.bytesIn, uint64(n))

		data := make([]byte, n)
		copy(data, buf[:n])

		f, err := frame.Unmarshal(data)
		if err != nil {
			atomic.AddUint64(&s.malformed, 1)
			log.WithFields(log.Fields{
				"source": src,
				"error":  err,
			}).Debug("Socket dropped a malformed frame")
			continue
		}

		now := s.nowMS()
		var out []Event

		s.mu.Lock()
		if p, ok := s.peers[src.String()]; ok {
			p.ep.HandleFrame(now, f, &udpSink{sock: s, addr: p.addr})
			out = mapEvents(p, p.ep.PollEvents())
		} else if s.handleStray != nil {
			out = s.handleStray(now, src, f)
		}
		s.mu.Unlock()

		s.emit(out)
	}
}

func (s *socket) tickLoop() {
	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSyn:
			_ = s.conn.Close()
			<-s.readDone

			s.emitMu.Lock()
			s.emitClosed = true
			s.emitMu.Unlock()

			close(s.events)
			close(s.stopAck)
			return

		case <-ticker.C:
			now := s.nowMS()
			var out []Event

			s.mu.Lock()
			if s.onTick != nil {
				s.onTick(now)
			}
			for key, p := range s.peers {
				p.ep.Step(now, &udpSink{sock: s, addr: p.addr})
				out = append(out, mapEvents(p, p.ep.PollEvents())...)

				if p.ep.Done() {
					delete(s.peers, key)
				}
			}
			s.mu.Unlock()

			s.emit(out)
		}
	}
}

// Stats is a snapshot of a socket's traffic counters.
type Stats struct {
	FramesReceived  uint64
	FramesSent      uint64
	BytesReceived   uint64
	BytesSent       uint64
	MalformedFrames uint64

	// Peers counts the established connections.
	Peers int

	// PendingHandshakes counts a server's handshakes in flight. Always
	// zero for a client.
	PendingHandshakes int
}

func (s *socket) stats() Stats {
	st := Stats{
		FramesReceived:  atomic.LoadUint64(&s.framesIn),
		FramesSent:      atomic.LoadUint64(&s.framesOut),
		BytesReceived:   atomic.LoadUint64(&s.bytesIn),
		BytesSent:       atomic.LoadUint64(&s.bytesOut),
		MalformedFrames: atomic.LoadUint64(&s.malformed),
	}

	s.mu.Lock()
	st.Peers = len(s.peers)
	s.mu.Unlock()

	return st
}

func (s *socket) emit(events []Event) {
	if len(events) == 0 {
		return
	}

	s.emitMu.RLock()
	defer s.emitMu.RUnlock()

	if s.emitClosed {
		return
	}

	for _, ev := range events {
		select {
		case s.events <- ev:
		case <-s.stopSyn:
			// Shutdown began; the consumer is gone.
			return
		}
	}
}

// udpSink writes marshalled frames to one remote address. Write errors are
// not surfaced; an undeliverable connection dies by its own timeout.
type udpSink struct {
	sock *socket
	addr *net.UDPAddr
}

func (s *udpSink) SendFrame(data []byte) {
	if _, err := s.sock.conn.WriteToUDP(data, s.addr); err != nil {
		log.WithFields(log.Fields{
			"destination": s.addr,
			"error":       err,
		}).Debug("Socket write failed")
		return
	}

	atomic.AddUint64(&s.sock.framesOut, 1)
	atomic.AddUint64(&s.sock.bytesOut, uint64(len(data)))
}

// Peer is one connection on a Client or Server socket.
type Peer struct {
	sock *socket
	addr *net.UDPAddr
	ep   *endpoint.Endpoint
}

// RemoteAddr returns the peer's UDP address.
func (p *Peer) RemoteAddr() *net.UDPAddr {
	return p.addr
}

// Send queues a packet for delivery on the given channel. Packets queued
// while the connection is still being established are delivered in order
// once it is.
func (p *Peer) Send(data []byte, channelID uint8, mode SendMode) error {
	p.sock.mu.Lock()
	defer p.sock.mu.Unlock()

	return p.ep.Send(data, channelID, mode)
}

// Flush pushes queued packets out immediately, within the sending credit
// already earned, instead of waiting for the next step tick.
func (p *Peer) Flush() {
	now := p.sock.nowMS()

	p.sock.mu.Lock()
	p.ep.Flush(now, &udpSink{sock: p.sock, addr: p.addr})
	out := mapEvents(p, p.ep.PollEvents())
	p.sock.mu.Unlock()

	p.sock.emit(out)
}

// Disconnect starts an orderly teardown. Queued packets are delivered
// first; the closing EventDisconnect follows on the event channel.
func (p *Peer) Disconnect() {
	now := p.sock.nowMS()

	p.sock.mu.Lock()
	defer p.sock.mu.Unlock()

	p.ep.Disconnect(now)
}

// PendingBytes returns the payload bytes queued for the peer but not yet
// delivered.
func (p *Peer) PendingBytes() int {
	p.sock.mu.Lock()
	defer p.sock.mu.Unlock()

	return p.ep.PendingBytes()
}

// RTT returns the smoothed round trip estimate, or false before the first
// measurement.
func (p *Peer) RTT() (time.Duration, bool) {
	p.sock.mu.Lock()
	defer p.sock.mu.Unlock()

	ms, ok := p.ep.RTTMillis()
	return time.Duration(ms) * time.Millisecond, ok
}

// State returns the connection phase.
func (p *Peer) State() endpoint.State {
	p.sock.mu.Lock()
	defer p.sock.mu.Unlock()

	return p.ep.State()
}

func (p *Peer) String() string {
	return "ruft://" + p.addr.String()
}
