// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"github.com/ruft-net/ruft-go/frame"
)

// frameWindow tracks which frame IDs have been seen on the receive side so
// that duplicated frames, resends included, are processed at most once. The
// window is anchored at the newest accepted ID and slides forward as newer
// frames arrive.
type frameWindow struct {
	baseID uint32
	seen   [MaxFrameWindowSize / 64]uint64
}

func newFrameWindow(baseID uint32) *frameWindow {
	return &frameWindow{baseID: baseID}
}

// accept reports whether the frame ID is new, recording it in the window.
// IDs further than the window size behind the newest accepted ID are treated
// as duplicates.
func (fw *frameWindow) accept(frameID uint32) bool {
	delta := frame.DeltaID(frameID, fw.baseID)

	if delta < MaxFrameWindowSize {
		idx := windowBit(frameID)
		if fw.seen[idx/64]&(1<<(idx%64)) != 0 {
			return false
		}
		fw.seen[idx/64] |= 1 << (idx % 64)
		return true
	}

	if delta >= frame.IDSpan-MaxFrameWindowSize {
		// Behind the window, stale or duplicated
		return false
	}

	// Far ahead of the window, resynchronize around the new ID
	fw.advance(frameID)

	idx := windowBit(frameID)
	fw.seen[idx/64] |= 1 << (idx % 64)
	return true
}

// advance moves the window base forward, clearing the bits of every ID which
// falls out of it.
func (fw *frameWindow) advance(newBaseID uint32) {
	shift := frame.DeltaID(newBaseID, fw.baseID)
	if shift == 0 {
		return
	}

	if shift >= MaxFrameWindowSize {
		for i := range fw.seen {
			fw.seen[i] = 0
		}
	} else {
		for i := uint32(0); i < shift; i++ {
			idx := windowBit(frame.AddID(fw.baseID, i))
			fw.seen[idx/64] &^= 1 << (idx % 64)
		}
	}

	fw.baseID = newBaseID
}

func windowBit(frameID uint32) uint32 {
	return frameID % MaxFrameWindowSize
}
