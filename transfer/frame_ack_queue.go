// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"github.com/ruft-net/ruft-go/frame"
)

type frameAckEntry struct {
	baseID    uint32
	bitfield  uint32
	nonceBits uint32
}

// frameAckQueue groups received frame IDs into 32-frame acknowledgement
// bitfields. The XOR of the nonces of all acknowledged frames travels with
// each group, allowing the sender to verify the receiver saw those frames.
type frameAckQueue struct {
	entries []frameAckEntry
}

// markSeen records a received frame. Frames within 32 IDs of the newest
// group's base extend that group, anything else starts a new group.
func (aq *frameAckQueue) markSeen(frameID uint32, nonce bool) {
	if len(aq.entries) > 0 {
		last := &aq.entries[len(aq.entries)-1]

		bit := frame.DeltaID(frameID, last.baseID)
		if bit < 32 {
			if last.bitfield&(1<<bit) == 0 {
				last.bitfield |= 1 << bit
				if nonce {
					last.nonceBits |= 1 << bit
				}
			}
			return
		}
	}

	entry := frameAckEntry{baseID: frameID, bitfield: 1}
	if nonce {
		entry.nonceBits = 1
	}
	aq.entries = append(aq.entries, entry)
}

// pop removes the oldest pending group and folds its nonce bits into the
// single nonce of the resulting acknowledgement.
func (aq *frameAckQueue) pop() (frame.FrameAck, bool) {
	if len(aq.entries) == 0 {
		return frame.FrameAck{}, false
	}

	entry := aq.entries[0]
	aq.entries = aq.entries[1:]

	nonce := false
	for bit := uint32(0); bit < 32; bit++ {
		if entry.bitfield&(1<<bit) != 0 && entry.nonceBits&(1<<bit) != 0 {
			nonce = !nonce
		}
	}

	return frame.FrameAck{
		BaseID:   entry.baseID,
		Bitfield: entry.bitfield,
		Nonce:    nonce,
	}, true
}

func (aq *frameAckQueue) pendingCount() int {
	return len(aq.entries)
}
