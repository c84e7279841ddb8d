// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"github.com/ruft-net/ruft-go/frame"
)

// allocSize returns the number of bytes the receiver will reserve for a
// packet of the given size. Fragmented packets are charged whole fragment
// buffers.
func allocSize(packetSize int) int {
	if packetSize > frame.MaxFragmentSize {
		return (packetSize + frame.MaxFragmentSize - 1) / frame.MaxFragmentSize * frame.MaxFragmentSize
	}
	return packetSize
}

type datagramSink interface {
	sendDatagram(dg frame.Datagram, resend bool)
}

type sendWindowEntry struct {
	used      bool
	allocSize int
	channelID uint8
}

type sendChannel struct {
	// Sequence ID of the newest Reliable packet sent on this channel, if
	// any. Later packets on the channel express their dependency on it via
	// the channel parent lead.
	parentID  uint32
	hasParent bool
}

type queuedPacket struct {
	data      []byte
	channelID uint8
	mode      SendMode
	flushID   uint32
}

// packetSender assigns sequence IDs to outgoing packets, splits them into
// datagrams and tracks the in-flight window against the receiver's
// allocation limit.
type packetSender struct {
	sendQueue      []queuedPacket
	sendQueueBytes int

	baseID uint32
	nextID uint32
	window [MaxPacketWindowSize]sendWindowEntry

	alloc    int
	maxAlloc int

	parentID  uint32
	hasParent bool
	channels  [frame.MaxChannels]sendChannel
}

func newPacketSender(maxAlloc int, baseID uint32) *packetSender {
	return &packetSender{
		baseID:   baseID,
		nextID:   baseID,
		maxAlloc: maxAlloc,
	}
}

func (ps *packetSender) pendingCount() int {
	return len(ps.sendQueue)
}

func (ps *packetSender) pendingBytes() int {
	return ps.sendQueueBytes
}

// enqueuePacket places a packet on the send queue. Packets which could never
// be sent are dropped silently.
func (ps *packetSender) enqueuePacket(data []byte, channelID uint8, mode SendMode, flushID uint32) {
	if len(data) > frame.MaxPacketSize {
		return
	}
	if allocSize(len(data)) > ps.maxAlloc {
		return
	}
	if channelID >= frame.MaxChannels {
		return
	}

	ps.sendQueue = append(ps.sendQueue, queuedPacket{data, channelID, mode, flushID})
	ps.sendQueueBytes += len(data)
}

// emitDatagrams moves as many queued packets as possible into the given
// sink, respecting the transfer window and the receiver's allocation limit.
// Stale TimeSensitive packets are dropped on the way.
func (ps *packetSender) emitDatagrams(flushID uint32, sink datagramSink) {
	for len(ps.sendQueue) > 0 {
		head := &ps.sendQueue[0]

		if head.mode == TimeSensitive && head.flushID != flushID {
			ps.sendQueueBytes -= len(head.data)
			ps.sendQueue = ps.sendQueue[1:]
			continue
		}

		if frame.DeltaID(ps.nextID, ps.baseID) >= MaxPacketWindowSize {
			return
		}

		packetAlloc := allocSize(len(head.data))
		if ps.alloc+packetAlloc > ps.maxAlloc {
			return
		}

		packet := *head
		ps.sendQueueBytes -= len(packet.data)
		ps.sendQueue = ps.sendQueue[1:]

		sequenceID := ps.nextID
		channel := &ps.channels[packet.channelID]

		var windowParentLead uint16
		if ps.hasParent {
			windowParentLead = uint16(frame.DeltaID(sequenceID, ps.parentID))
		}

		var channelParentLead uint16
		if channel.hasParent {
			channelParentLead = uint16(frame.DeltaID(sequenceID, channel.parentID))
		}

		if packet.mode == Reliable {
			ps.parentID = sequenceID
			ps.hasParent = true
			channel.parentID = sequenceID
			channel.hasParent = true
		}

		ps.nextID = frame.NextID(ps.nextID)
		ps.alloc += packetAlloc

		entry := &ps.window[sequenceID%MaxPacketWindowSize]
		entry.used = true
		entry.allocSize = packetAlloc
		entry.channelID = packet.channelID

		emitFragments(packet, sequenceID, windowParentLead, channelParentLead, sink)
	}
}

// emitFragments splits a packet into datagrams of at most MaxFragmentSize
// bytes each.
func emitFragments(packet queuedPacket, sequenceID uint32, windowParentLead, channelParentLead uint16, sink datagramSink) {
	numFragments := (len(packet.data) + frame.MaxFragmentSize - 1) / frame.MaxFragmentSize
	if numFragments == 0 {
		numFragments = 1
	}

	resend := packet.mode.resend()

	if numFragments == 1 {
		sink.sendDatagram(frame.Datagram{
			SequenceID:        sequenceID,
			ChannelID:         packet.channelID,
			WindowParentLead:  windowParentLead,
			ChannelParentLead: channelParentLead,
			Data:              packet.data,
		}, resend)
		return
	}

	last := numFragments - 1
	for i := 0; i < numFragments; i++ {
		end := (i + 1) * frame.MaxFragmentSize
		if end > len(packet.data) {
			end = len(packet.data)
		}

		sink.sendDatagram(frame.Datagram{
			SequenceID:        sequenceID,
			ChannelID:         packet.channelID,
			WindowParentLead:  windowParentLead,
			ChannelParentLead: channelParentLead,
			Fragment:          frame.FragmentID{Index: uint16(i), Last: uint16(last)},
			Data:              packet.data[i*frame.MaxFragmentSize : end],
		}, resend)
	}
}

// nextSequenceID returns the ID the next enqueued packet will be assigned.
func (ps *packetSender) nextSequenceID() uint32 {
	return ps.nextID
}

// acknowledge responds to a receive window report. Window state up to the
// receiver's base is forgotten, freeing transfer window and allocation
// space.
func (ps *packetSender) acknowledge(receiverBaseID uint32) {
	windowSize := frame.DeltaID(ps.nextID, ps.baseID)
	ackDelta := frame.DeltaID(receiverBaseID, ps.baseID)

	if ackDelta > windowSize {
		return
	}

	for ps.baseID != receiverBaseID {
		entry := &ps.window[ps.baseID%MaxPacketWindowSize]
		if !entry.used {
			// Window bookkeeping out of sync with the ID range; this
			// cannot happen for well-formed acknowledgements.
			break
		}

		channel := &ps.channels[entry.channelID]

		if ps.hasParent && ps.parentID == ps.baseID {
			ps.hasParent = false
		}
		if channel.hasParent && channel.parentID == ps.baseID {
			channel.hasParent = false
		}

		ps.alloc -= entry.allocSize
		entry.used = false

		ps.baseID = frame.NextID(ps.baseID)
	}
}
