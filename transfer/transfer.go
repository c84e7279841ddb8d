// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transfer implements the data phase of a ruft connection: packet
// queueing and fragmentation, the coupled frame ID and packet sequence ID
// windows, retransmission, acknowledgement generation and validation, and
// the TFRC-shaped emission of frames.
//
// The Engine is single-threaded and performs no I/O of its own. It is driven
// by Step and Flush calls with an externally supplied millisecond clock and
// writes outbound frames to a caller provided FrameSink.
package transfer

import (
	"fmt"
)

// SendMode selects the delivery semantics of a single outgoing packet.
type SendMode uint8

const (
	// TimeSensitive packets are dropped instead of sent if they cannot be
	// sent during the flush they were enqueued for.
	TimeSensitive SendMode = iota

	// Unreliable packets are sent at most once.
	Unreliable

	// Persistent packets are resent until acknowledged or until the
	// receiver's window has advanced past them, whichever comes first. A
	// newer packet on the same channel supersedes them.
	Persistent

	// Reliable packets are resent until acknowledged. Delivery of later
	// packets on the same channel waits for them.
	Reliable
)

func (m SendMode) String() string {
	switch m {
	case TimeSensitive:
		return "TimeSensitive"
	case Unreliable:
		return "Unreliable"
	case Persistent:
		return "Persistent"
	case Reliable:
		return "Reliable"
	default:
		return fmt.Sprintf("SendMode(%d)", uint8(m))
	}
}

// resend reports whether packets of this mode enter the retransmission
// queue.
func (m SendMode) resend() bool {
	return m == Persistent || m == Reliable
}

// Window sizes of the two ID spaces. Both are powers of two dividing the
// ID span, so window slot indices may be computed by masking.
const (
	// MaxPacketWindowSize is the size of the packet sequence ID window,
	// per direction.
	MaxPacketWindowSize uint32 = 4096

	// MaxFrameWindowSize is the size of the frame ID window.
	MaxFrameWindowSize uint32 = 16384
)

// FrameSink receives marshalled frames ready for transmission.
type FrameSink interface {
	SendFrame(data []byte)
}

// PacketSink receives reassembled application packets in delivery order.
type PacketSink interface {
	DeliverPacket(data []byte, channelID uint8)
}
