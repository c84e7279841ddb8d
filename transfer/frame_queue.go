// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"container/heap"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand"
	"time"

	"github.com/ruft-net/ruft-go/frame"
)

// maxSendCount caps the exponential resend backoff. A datagram on its n'th
// send waits rto * 2^min(n, maxSendCount) until the next resend.
const maxSendCount = 4

var (
	errWindowLimited = errors.New("frame transfer window is full")
	errSizeLimited   = errors.New("first pending datagram exceeds the size limit")
	errDataLimited   = errors.New("no pending datagrams")
)

// persistentDatagram is shared between the resend queue and the sent frame
// log. Acknowledging any frame which carried the datagram marks it
// acknowledged for all queued resends.
type persistentDatagram struct {
	datagram     frame.Datagram
	acknowledged bool
}

type resendEntry struct {
	pmsg       *persistentDatagram
	resendTime uint64
	sendCount  uint8
}

type resendQueue []resendEntry

func (rq resendQueue) Len() int            { return len(rq) }
func (rq resendQueue) Less(i, j int) bool  { return rq[i].resendTime < rq[j].resendTime }
func (rq resendQueue) Swap(i, j int)       { rq[i], rq[j] = rq[j], rq[i] }
func (rq *resendQueue) Push(x interface{}) { *rq = append(*rq, x.(resendEntry)) }
func (rq *resendQueue) Pop() interface{} {
	old := *rq
	n := len(old)
	entry := old[n-1]
	*rq = old[:n-1]
	return entry
}

type sendEntry struct {
	datagram frame.Datagram
	resend   bool
}

type sentFrame struct {
	sendTime uint64
	pmsgs    []*persistentDatagram
}

// frameQueue bundles pending datagrams into data frames. Each emitted frame
// is assigned a fresh frame ID, resends included, so that the receiver's
// feedback always refers to distinct transmissions.
type frameQueue struct {
	sendQueue   []sendEntry
	resendQueue resendQueue

	nextID     uint32
	baseID     uint32
	sentFrames []sentFrame

	// Nonce bits must be unpredictable to off-path attackers, as returning
	// acknowledgement groups are validated against their XOR.
	nonceSource *rand.Rand

	// Payload bytes awaiting first transmission or acknowledgement
	queuedBytes int
}

func newFrameQueue(baseID uint32) *frameQueue {
	return &frameQueue{
		nextID:      baseID,
		baseID:      baseID,
		nonceSource: rand.New(rand.NewSource(nonceSeed())),
	}
}

func nonceSeed() int64 {
	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.BigEndian.Uint64(seed[:]))
}

func (fq *frameQueue) pendingCount() int {
	return len(fq.sendQueue) + len(fq.resendQueue)
}

func (fq *frameQueue) pendingBytes() int {
	return fq.queuedBytes
}

func (fq *frameQueue) enqueueDatagram(dg frame.Datagram, resend bool) {
	fq.sendQueue = append(fq.sendQueue, sendEntry{dg, resend})
	fq.queuedBytes += len(dg.Data)
}

// emitFrame builds the next data frame of at most sizeLimit bytes. Due
// resends are bundled first, then fresh datagrams. Persistent datagrams
// reenter the resend queue with exponential backoff.
func (fq *frameQueue) emitFrame(nowMS, rtoMS uint64, sizeLimit int) ([]byte, uint32, bool, error) {
	if uint32(len(fq.sentFrames)) == MaxFrameWindowSize {
		return nil, 0, false, errWindowLimited
	}

	frameID := fq.nextID
	nonce := fq.nonceSource.Intn(2) == 1

	f := frame.DataFrame{FrameID: frameID, Nonce: nonce}
	frameSize := frame.DataFrameOverhead

	var pmsgs []*persistentDatagram

	for len(fq.resendQueue) > 0 {
		entry := &fq.resendQueue[0]

		if entry.resendTime > nowMS {
			break
		}

		if entry.pmsg.acknowledged {
			heap.Pop(&fq.resendQueue)
			continue
		}

		encodedSize := entry.pmsg.datagram.EncodedSize()
		if frameSize+encodedSize > sizeLimit {
			if len(f.Datagrams) == 0 {
				return nil, 0, false, errSizeLimited
			}
			break
		}

		f.Datagrams = append(f.Datagrams, entry.pmsg.datagram)
		frameSize += encodedSize

		popped := heap.Pop(&fq.resendQueue).(resendEntry)
		pmsgs = append(pmsgs, popped.pmsg)

		sendCount := popped.sendCount + 1
		if sendCount > maxSendCount {
			sendCount = maxSendCount
		}
		heap.Push(&fq.resendQueue, resendEntry{
			pmsg:       popped.pmsg,
			resendTime: nowMS + rtoMS*(1<<popped.sendCount),
			sendCount:  sendCount,
		})
	}

	for len(fq.sendQueue) > 0 {
		entry := fq.sendQueue[0]

		encodedSize := entry.datagram.EncodedSize()
		if frameSize+encodedSize > sizeLimit {
			if len(f.Datagrams) == 0 {
				return nil, 0, false, errSizeLimited
			}
			break
		}

		f.Datagrams = append(f.Datagrams, entry.datagram)
		frameSize += encodedSize

		fq.sendQueue = fq.sendQueue[1:]

		if entry.resend {
			// The payload stays pending until acknowledged
			pmsg := &persistentDatagram{datagram: entry.datagram}
			pmsgs = append(pmsgs, pmsg)

			heap.Push(&fq.resendQueue, resendEntry{
				pmsg:       pmsg,
				resendTime: nowMS + rtoMS,
				sendCount:  1,
			})
		} else {
			fq.queuedBytes -= len(entry.datagram.Data)
		}
	}

	if len(f.Datagrams) == 0 {
		return nil, 0, false, errDataLimited
	}

	fq.nextID = frame.NextID(fq.nextID)
	fq.sentFrames = append(fq.sentFrames, sentFrame{
		sendTime: nowMS,
		pmsgs:    pmsgs,
	})

	return frame.Marshal(&f), frameID, nonce, nil
}

// emitSyncFrame builds a sync frame advertising the sender's next packet
// sequence ID. Sync frames occupy the frame ID space like data frames do, so
// the receiver acknowledges them the same way.
func (fq *frameQueue) emitSyncFrame(nowMS uint64, senderNextID uint32) ([]byte, uint32, bool, error) {
	if uint32(len(fq.sentFrames)) == MaxFrameWindowSize {
		return nil, 0, false, errWindowLimited
	}

	frameID := fq.nextID
	nonce := fq.nonceSource.Intn(2) == 1

	fq.nextID = frame.NextID(fq.nextID)
	fq.sentFrames = append(fq.sentFrames, sentFrame{sendTime: nowMS})

	f := frame.SyncFrame{FrameID: frameID, Nonce: nonce, SenderNextID: senderNextID}
	return frame.Marshal(&f), frameID, nonce, nil
}

// acknowledgeFrames marks the persistent datagrams of every frame covered by
// the ack's bitfield as acknowledged, removing them from future resends.
func (fq *frameQueue) acknowledgeFrames(ack frame.FrameAck) {
	for i := uint32(0); i < 32; i++ {
		if ack.Bitfield&(1<<i) == 0 {
			continue
		}

		frameID := frame.AddID(ack.BaseID, i)
		idx := frame.DeltaID(frameID, fq.baseID)
		if idx >= uint32(len(fq.sentFrames)) {
			continue
		}

		sent := &fq.sentFrames[idx]
		for _, pmsg := range sent.pmsgs {
			if !pmsg.acknowledged {
				pmsg.acknowledged = true
				fq.queuedBytes -= len(pmsg.datagram.Data)
			}
		}
		sent.pmsgs = nil
	}
}

// forgetFrames drops the record of frames sent before the given threshold.
func (fq *frameQueue) forgetFrames(threshMS uint64) {
	for len(fq.sentFrames) > 0 && fq.sentFrames[0].sendTime < threshMS {
		fq.sentFrames[0].pmsgs = nil
		fq.sentFrames = fq.sentFrames[1:]
		fq.baseID = frame.NextID(fq.baseID)
	}
}

// forgetFramesBefore drops the record of frames behind the receiver's frame
// window base, which can no longer be acknowledged.
func (fq *frameQueue) forgetFramesBefore(baseID uint32) {
	delta := frame.DeltaID(baseID, fq.baseID)
	if delta > uint32(len(fq.sentFrames)) {
		return
	}

	for i := uint32(0); i < delta; i++ {
		fq.sentFrames[i].pmsgs = nil
	}
	fq.sentFrames = fq.sentFrames[delta:]
	fq.baseID = baseID
}
