// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"github.com/ruft-net/ruft-go/frame"
)

// fragmentBuffer reassembles one multi-fragment packet. The buffer for all
// fragments is allocated up front; a bitfield guards against duplicate
// writes.
type fragmentBuffer struct {
	buffer             []byte
	fragmentsRemaining int
	received           []uint64
	totalSize          int
}

func newFragmentBuffer(numFragments int) *fragmentBuffer {
	return &fragmentBuffer{
		buffer:             make([]byte, numFragments*frame.MaxFragmentSize),
		fragmentsRemaining: numFragments,
		received:           make([]uint64, (numFragments+63)/64),
	}
}

// write stores fragment data at the given index. Duplicate or oversized
// fragments are ignored.
func (fb *fragmentBuffer) write(index int, data []byte) {
	if fb.received[index/64]&(1<<(index%64)) != 0 {
		return
	}
	if len(data) > frame.MaxFragmentSize {
		return
	}

	copy(fb.buffer[index*frame.MaxFragmentSize:], data)
	fb.received[index/64] |= 1 << (index % 64)
	fb.fragmentsRemaining--
	fb.totalSize += len(data)
}

func (fb *fragmentBuffer) isFinished() bool {
	return fb.fragmentsRemaining == 0
}

// finalize returns the reassembled packet, truncated to the received size.
// Only valid once isFinished reports true.
func (fb *fragmentBuffer) finalize() []byte {
	return fb.buffer[:fb.totalSize]
}
