// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ruft

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/ruft-net/ruft-go/endpoint"
)

// Client dials outgoing connections, all sharing one UDP socket.
type Client struct {
	sock *socket
}

// NewClient opens a client socket bound to the given local address. An empty
// address binds an ephemeral port on all interfaces.
func NewClient(localAddress string) (*Client, error) {
	var laddr *net.UDPAddr
	if localAddress != "" {
		var err error
		laddr, err = net.ResolveUDPAddr("udp", localAddress)
		if err != nil {
			return nil, fmt.Errorf("resolving local address: %w", err)
		}
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("binding UDP socket: %w", err)
	}

	c := &Client{sock: newSocket(conn)}
	c.sock.start()

	log.WithField("address", conn.LocalAddr()).Debug("Client socket opened")
	return c, nil
}

// Connect starts a connection to a listening server. The returned Peer may
// be sent to immediately; an EventConnect arrives once the handshake
// completes, an EventError or EventTimeout if it does not.
func (c *Client) Connect(address string, cfg endpoint.Config) (*Peer, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolving remote address: %w", err)
	}

	ep, err := endpoint.New(cfg)
	if err != nil {
		return nil, err
	}

	p := &Peer{sock: c.sock, addr: raddr, ep: ep}
	key := raddr.String()

	c.sock.mu.Lock()
	defer c.sock.mu.Unlock()

	if _, exists := c.sock.peers[key]; exists {
		return nil, fmt.Errorf("already connected to %s", key)
	}
	c.sock.peers[key] = p

	// Get the first handshake frame out now rather than on the next tick
	ep.Step(c.sock.nowMS(), &udpSink{sock: c.sock, addr: raddr})

	log.WithField("peer", p).Debug("Client connection attempt started")
	return p, nil
}

// Events returns the channel carrying connection events and received
// packets. The channel closes when the client is closed.
func (c *Client) Events() <-chan Event {
	return c.sock.events
}

// LocalAddr returns the bound socket address.
func (c *Client) LocalAddr() net.Addr {
	return c.sock.conn.LocalAddr()
}

// Stats returns a snapshot of the socket's traffic counters.
func (c *Client) Stats() Stats {
	return c.sock.stats()
}

// Close shuts the socket down. Connections are dropped without a teardown
// exchange; use Peer.Disconnect first for an orderly exit.
func (c *Client) Close() error {
	c.sock.close()
	return nil
}
