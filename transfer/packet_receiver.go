// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"github.com/ruft-net/ruft-go/frame"
)

type receiveEntry struct {
	used              bool
	channelID         uint8
	windowParentLead  uint16
	channelParentLead uint16
	data              []byte
	delivered         bool
}

type receiveChannel struct {
	// To ensure that only newer packets are delivered, a channel which has
	// had packets taken from it keeps a base ID ahead of the receive
	// window's base ID. Once the receive window catches up, the channel's
	// base ID is unset and the window's base ID applies again.
	baseID    uint32
	hasBaseID bool
}

// packetReceiver accepts datagrams into the receive window, reassembles
// fragmented packets and delivers completed packets in dependency order.
type packetReceiver struct {
	baseID uint32
	endID  uint32

	assembly *assemblyWindow

	window [MaxPacketWindowSize]receiveEntry

	channels [frame.MaxChannels]receiveChannel

	// channelBaseMarkers[windowIndex(id)] records which channel holds id as
	// its base ID, so advancing the window can unset it in constant time.
	channelBaseMarkers [MaxPacketWindowSize]uint8
	channelBaseSet     [MaxPacketWindowSize]bool
}

func newPacketReceiver(maxAlloc int, baseID uint32) *packetReceiver {
	return &packetReceiver{
		baseID:   baseID,
		endID:    baseID,
		assembly: newAssemblyWindow(maxAlloc),
	}
}

func windowIndex(sequenceID uint32) uint32 {
	return sequenceID % MaxPacketWindowSize
}

func (pr *packetReceiver) windowBaseID() uint32 {
	return pr.baseID
}

// handleDatagram merges a datagram into the assembly window, placing the
// resulting packet into the receive window once complete. Datagrams outside
// the receive window, or behind their channel's base ID, are dropped.
func (pr *packetReceiver) handleDatagram(dg frame.Datagram) {
	sequenceID := dg.SequenceID

	if dg.ChannelID >= frame.MaxChannels || dg.Validate() != nil {
		return
	}

	seqDelta := frame.DeltaID(sequenceID, pr.baseID)
	if seqDelta >= MaxPacketWindowSize {
		// Packet not contained by receive window
		return
	}

	channel := &pr.channels[dg.ChannelID]
	if channel.hasBaseID && seqDelta < frame.DeltaID(channel.baseID, pr.baseID) {
		// Packet already surpassed by this channel
		return
	}

	windowIdx := windowIndex(sequenceID)

	// Only a new packet reserves memory. Follow-up fragments of an active
	// reassembly are already charged and must not evict their own entry.
	if pr.assembly.isOpen(windowIdx) {
		if need := packetAllocSize(&dg); pr.assembly.wouldExceed(need) {
			pr.evictOldestIncomplete(need)
		}
	}

	packet, ok := pr.assembly.tryAdd(windowIdx, dg)
	if !ok {
		return
	}

	pr.window[windowIdx] = receiveEntry{
		used:              true,
		channelID:         packet.channelID,
		windowParentLead:  packet.windowParentLead,
		channelParentLead: packet.channelParentLead,
		data:              packet.data,
		delivered:         packet.dud,
	}

	// Advance end ID if this packet is newer
	if frame.DeltaID(sequenceID, pr.endID) < MaxPacketWindowSize {
		pr.endID = frame.NextID(sequenceID)
	}
}

// evictOldestIncomplete discards incomplete reassemblies, oldest first,
// until the requested allocation fits or none remain. Evicted packets are
// lost; Reliable and Persistent senders resend them, restarting their
// reassembly.
func (pr *packetReceiver) evictOldestIncomplete(need int) {
	for i := uint32(0); i < MaxPacketWindowSize && pr.assembly.wouldExceed(need); i++ {
		pr.assembly.evict(windowIndex(frame.AddID(pr.baseID, i)))
	}
}

func (pr *packetReceiver) setChannelBaseID(channelID uint8, newID uint32) {
	channel := &pr.channels[channelID]

	if channel.hasBaseID {
		pr.channelBaseSet[windowIndex(channel.baseID)] = false
	}

	idx := windowIndex(newID)
	pr.channelBaseMarkers[idx] = channelID
	pr.channelBaseSet[idx] = true

	channel.baseID = newID
	channel.hasBaseID = true
}

func (pr *packetReceiver) tryUnsetChannelBaseID(sequenceID uint32) {
	idx := windowIndex(sequenceID)

	if pr.channelBaseSet[idx] {
		pr.channels[pr.channelBaseMarkers[idx]].hasBaseID = false
		pr.channelBaseSet[idx] = false
	}
}

func (pr *packetReceiver) advanceWindow(newBaseID uint32) {
	newBaseDelta := frame.DeltaID(newBaseID, pr.baseID)
	if newBaseDelta == 0 {
		return
	}

	for i := uint32(0); i < newBaseDelta; i++ {
		sequenceID := frame.AddID(pr.baseID, i)
		pr.assembly.clear(windowIndex(sequenceID))
		pr.window[windowIndex(sequenceID)] = receiveEntry{}

		pr.tryUnsetChannelBaseID(frame.AddID(pr.baseID, i+1))
	}

	if frame.DeltaID(pr.endID, pr.baseID) < newBaseDelta {
		pr.endID = newBaseID
	}

	pr.baseID = newBaseID
}

// receive delivers as many completed packets as possible in dependency
// order, advancing channel base IDs accordingly. The receive window is then
// advanced as far as no pending reliable packets would be skipped.
func (pr *packetReceiver) receive(sink PacketSink) {
	baseID := pr.baseID
	slotNum := frame.DeltaID(pr.endID, baseID)

	// One bit per channel still considered for delivery this round.
	channelFlags := ^uint64(0)

	for i := uint32(0); i < slotNum; i++ {
		if channelFlags == 0 {
			break
		}

		sequenceID := frame.AddID(baseID, i)
		entry := &pr.window[windowIndex(sequenceID)]
		if !entry.used {
			continue
		}

		channelBit := uint64(1) << entry.channelID
		if channelFlags&channelBit == 0 {
			continue
		}

		channel := &pr.channels[entry.channelID]

		channelBaseID := baseID
		if channel.hasBaseID {
			channelBaseID = channel.baseID
		}

		channelParentLead := uint32(entry.channelParentLead)
		channelDelta := frame.DeltaID(sequenceID, channelBaseID)

		if channelParentLead == 0 || channelParentLead > channelDelta {
			if !entry.delivered {
				entry.delivered = true
				sink.DeliverPacket(entry.data, entry.channelID)
				entry.data = nil
			}

			pr.setChannelBaseID(entry.channelID, frame.NextID(sequenceID))
		} else {
			// A packet on this channel still awaits its parent. Skip the
			// channel for the rest of this round.
			channelFlags &^= channelBit
		}
	}

	newBaseID := baseID

	for i := uint32(0); i < slotNum; i++ {
		sequenceID := frame.AddID(baseID, i)
		entry := &pr.window[windowIndex(sequenceID)]
		if !entry.used {
			continue
		}

		windowParentLead := uint32(entry.windowParentLead)
		windowDelta := frame.DeltaID(sequenceID, newBaseID)

		if windowParentLead == 0 || windowParentLead > windowDelta {
			newBaseID = frame.NextID(sequenceID)
		} else {
			break
		}
	}

	pr.advanceWindow(newBaseID)
}

// resynchronize responds to a synchronization request by the sender.
// Advances the receive window to the given sequence ID, or to the ID of the
// first undelivered packet, whichever comes first. Incomplete packets are
// skipped; the sender guarantees all reliable packets have been received in
// full before issuing the request.
func (pr *packetReceiver) resynchronize(senderNextID uint32) {
	senderDelta := frame.DeltaID(senderNextID, pr.baseID)

	if senderDelta > MaxPacketWindowSize {
		return
	}

	for i := uint32(0); i < senderDelta; i++ {
		sequenceID := frame.AddID(pr.baseID, i)

		if pr.window[windowIndex(sequenceID)].used {
			// This packet awaits delivery. Stop advancement here.
			pr.advanceWindow(sequenceID)
			return
		}
	}

	pr.advanceWindow(senderNextID)
}
