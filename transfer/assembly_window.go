// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"github.com/ruft-net/ruft-go/frame"
)

const (
	entryOpen = iota
	entryClosed
	entryActive
)

type assemblyEntry struct {
	state int

	allocSize int

	// Fields of the first datagram, used to validate later fragments.
	channelID         uint8
	windowParentLead  uint16
	channelParentLead uint16
	lastFragmentID    uint16

	buffer *fragmentBuffer
}

// assembledPacket is the result of a completed reassembly. A nil Data field
// marks a dud produced in place of a packet the window had no memory for.
type assembledPacket struct {
	channelID         uint8
	sequenceID        uint32
	windowParentLead  uint16
	channelParentLead uint16
	data              []byte
	dud               bool
}

// packetAllocSize returns the number of bytes reserved for the packet this
// datagram belongs to. Fragmented packets are charged whole fragment
// buffers.
func packetAllocSize(dg *frame.Datagram) int {
	numFragments := int(dg.Fragment.Last) + 1
	if numFragments > 1 {
		return numFragments * frame.MaxFragmentSize
	}
	return len(dg.Data)
}

// assemblyWindow collects datagrams into packets, one slot per packet
// sequence ID, subject to a total memory limit.
type assemblyWindow struct {
	window [MaxPacketWindowSize]assemblyEntry

	alloc    int
	maxAlloc int
}

func newAssemblyWindow(maxAlloc int) *assemblyWindow {
	// Round up so that at least one maximum size fragment buffer fits.
	maxAllocCeil := (maxAlloc + frame.MaxFragmentSize - 1) / frame.MaxFragmentSize * frame.MaxFragmentSize

	return &assemblyWindow{
		maxAlloc: maxAllocCeil,
	}
}

// tryAdd merges a datagram into the window slot. When the datagram completes
// a packet, that packet is returned. When accepting the packet would exceed
// the memory limit, the slot is closed and a dud packet is returned so that
// the receive window may still advance past it.
func (aw *assemblyWindow) tryAdd(idx uint32, dg frame.Datagram) (assembledPacket, bool) {
	entry := &aw.window[idx]

	switch entry.state {
	case entryOpen:
		// New packet
		allocSize := packetAllocSize(&dg)

		if aw.alloc+allocSize > aw.maxAlloc {
			*entry = assemblyEntry{state: entryClosed, allocSize: 0}

			return assembledPacket{
				channelID:         dg.ChannelID,
				sequenceID:        dg.SequenceID,
				windowParentLead:  dg.WindowParentLead,
				channelParentLead: dg.ChannelParentLead,
				dud:               true,
			}, true
		}

		aw.alloc += allocSize

		if dg.Fragment.Last == 0 {
			*entry = assemblyEntry{state: entryClosed, allocSize: allocSize}

			return assembledPacket{
				channelID:         dg.ChannelID,
				sequenceID:        dg.SequenceID,
				windowParentLead:  dg.WindowParentLead,
				channelParentLead: dg.ChannelParentLead,
				data:              dg.Data,
			}, true
		}

		*entry = assemblyEntry{
			state:             entryActive,
			allocSize:         allocSize,
			channelID:         dg.ChannelID,
			windowParentLead:  dg.WindowParentLead,
			channelParentLead: dg.ChannelParentLead,
			lastFragmentID:    dg.Fragment.Last,
			buffer:            newFragmentBuffer(int(dg.Fragment.Last) + 1),
		}
		entry.buffer.write(int(dg.Fragment.Index), dg.Data)

		return assembledPacket{}, false

	case entryClosed:
		// Packet has been rejected or has already been received
		return assembledPacket{}, false

	default:
		// In-progress packet, validate against the first fragment
		if dg.ChannelID != entry.channelID ||
			dg.WindowParentLead != entry.windowParentLead ||
			dg.ChannelParentLead != entry.channelParentLead ||
			dg.Fragment.Last != entry.lastFragmentID {
			return assembledPacket{}, false
		}

		entry.buffer.write(int(dg.Fragment.Index), dg.Data)

		if !entry.buffer.isFinished() {
			return assembledPacket{}, false
		}

		data := entry.buffer.finalize()
		*entry = assemblyEntry{state: entryClosed, allocSize: entry.allocSize}

		return assembledPacket{
			channelID:         dg.ChannelID,
			sequenceID:        dg.SequenceID,
			windowParentLead:  dg.WindowParentLead,
			channelParentLead: dg.ChannelParentLead,
			data:              data,
		}, true
	}
}

// isOpen reports whether the window slot holds no packet yet.
func (aw *assemblyWindow) isOpen(idx uint32) bool {
	return aw.window[idx].state == entryOpen
}

// wouldExceed reports whether reserving size more bytes passes the memory
// limit.
func (aw *assemblyWindow) wouldExceed(size int) bool {
	return aw.alloc+size > aw.maxAlloc
}

// evict discards the incomplete reassembly at idx, if any, refunding its
// allocation. The slot reopens, so a resend of the evicted packet restarts
// its reassembly from scratch.
func (aw *assemblyWindow) evict(idx uint32) bool {
	entry := &aw.window[idx]

	if entry.state != entryActive {
		return false
	}

	aw.alloc -= entry.allocSize
	*entry = assemblyEntry{}

	return true
}

// clear reopens a window slot and refunds its allocation.
func (aw *assemblyWindow) clear(idx uint32) {
	entry := &aw.window[idx]

	if entry.state != entryOpen {
		aw.alloc -= entry.allocSize
	}
	*entry = assemblyEntry{}
}
