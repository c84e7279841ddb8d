// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ruft provides connection oriented, channel multiplexed and
// congestion controlled data transfer over UDP.
//
// A Client dials out to listening Servers; both sides then talk through Peer
// values carrying packets on 64 logical channels with a per-packet
// reliability mode. Connection status changes and received packets surface
// on an event channel.
package ruft

import (
	"github.com/ruft-net/ruft-go/endpoint"
	"github.com/ruft-net/ruft-go/frame"
	"github.com/ruft-net/ruft-go/transfer"
)

// SendMode selects the delivery guarantees of a single packet.
type SendMode = transfer.SendMode

const (
	// TimeSensitive packets are dropped at the sender when they cannot be
	// sent immediately.
	TimeSensitive = transfer.TimeSensitive

	// Unreliable packets are sent once and never resent.
	Unreliable = transfer.Unreliable

	// Persistent packets are resent until a newer packet on the same
	// channel supersedes them.
	Persistent = transfer.Persistent

	// Reliable packets are resent until acknowledged and delivered in
	// order relative to other Reliable packets.
	Reliable = transfer.Reliable
)

// MaxChannels is the number of logical channels per connection.
const MaxChannels = frame.MaxChannels

// EventKind identifies a connection event.
type EventKind uint8

const (
	// EventConnect signals a newly established connection.
	EventConnect EventKind = iota

	// EventDisconnect signals an orderly teardown.
	EventDisconnect

	// EventReceive carries a received packet.
	EventReceive

	// EventError signals a refused connection attempt.
	EventError

	// EventTimeout signals a connection abandoned after silence.
	EventTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	case EventError:
		return "error"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is a connection status change or a received packet.
type Event struct {
	// Peer is the connection the event belongs to.
	Peer *Peer

	Kind EventKind

	// Data and ChannelID are set for EventReceive.
	Data      []byte
	ChannelID uint8

	// HandshakeError is set for EventError.
	HandshakeError frame.HandshakeErrorKind
}

func mapEvents(p *Peer, evs []endpoint.Event) []Event {
	if len(evs) == 0 {
		return nil
	}

	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		e := Event{Peer: p}
		switch ev.Kind {
		case endpoint.EventConnect:
			e.Kind = EventConnect
		case endpoint.EventDisconnect:
			e.Kind = EventDisconnect
		case endpoint.EventReceive:
			e.Kind = EventReceive
			e.Data = ev.Data
			e.ChannelID = ev.ChannelID
		case endpoint.EventHandshakeError:
			e.Kind = EventError
			e.HandshakeError = ev.HandshakeError
		case endpoint.EventTimeout:
			e.Kind = EventTimeout
		}
		out = append(out, e)
	}
	return out
}
