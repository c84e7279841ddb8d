// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tfrc

import (
	"github.com/ruft-net/ruft-go/frame"
)

// sentFrame records the metadata of one transmitted frame for later matching
// against acknowledgements.
type sentFrame struct {
	size        int
	sendTimeMS  uint64
	nonce       bool
	rateLimited bool
}

// frameLog is a contiguous record of sent frames, indexed by frame ID
// relative to its base.
type frameLog struct {
	baseID uint32
	nextID uint32
	frames []sentFrame
}

func newFrameLog(baseID uint32) *frameLog {
	return &frameLog{
		baseID: baseID,
		nextID: baseID,
	}
}

func (fl *frameLog) push(frameID uint32, f sentFrame) {
	if frameID != fl.nextID {
		panic("frame logged out of order")
	}
	fl.frames = append(fl.frames, f)
	fl.nextID = frame.NextID(fl.nextID)
}

// countExpired returns the number of leading frames sent before the
// threshold.
func (fl *frameLog) countExpired(threshMS uint64) uint32 {
	count := uint32(0)
	for _, f := range fl.frames {
		if f.sendTimeMS >= threshMS {
			break
		}
		count++
	}
	return count
}

func (fl *frameLog) drainFront(count uint32) {
	fl.frames = fl.frames[count:]
	fl.baseID = frame.AddID(fl.baseID, count)
}

func (fl *frameLog) get(frameID uint32) (sentFrame, bool) {
	idx := frame.DeltaID(frameID, fl.baseID)
	if idx >= uint32(len(fl.frames)) {
		return sentFrame{}, false
	}
	return fl.frames[idx], true
}
