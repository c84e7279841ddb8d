// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tfrc

import (
	"math"

	"github.com/ruft-net/ruft-go/frame"
)

// reorderBuffer delays ack processing by two frames so that mildly reordered
// acknowledgements do not register as loss events.
type reorderBuffer struct {
	buf  [2]uint32
	size int
}

func (rb *reorderBuffer) min(baseID uint32) (uint32, bool) {
	switch rb.size {
	case 0:
		return 0, false
	case 1:
		return rb.buf[0], true
	default:
		if frame.DeltaID(rb.buf[0], baseID) < frame.DeltaID(rb.buf[1], baseID) {
			return rb.buf[0], true
		}
		return rb.buf[1], true
	}
}

// push inserts a frame ID and returns the evicted minimum once the buffer is
// full. Duplicate IDs are ignored.
func (rb *reorderBuffer) push(baseID, frameID uint32) (uint32, bool) {
	switch rb.size {
	case 0:
		rb.buf[0] = frameID
		rb.size = 1
		return 0, false
	case 1:
		if rb.buf[0] == frameID {
			return 0, false
		}
		rb.buf[1] = frameID
		rb.size = 2
		return 0, false
	default:
		if rb.buf[0] == frameID || rb.buf[1] == frameID {
			return 0, false
		}

		if frame.DeltaID(rb.buf[0], baseID) < frame.DeltaID(rb.buf[1], baseID) {
			min := rb.buf[0]
			rb.buf[0] = frameID
			return min, true
		}
		min := rb.buf[1]
		rb.buf[1] = frameID
		return min, true
	}
}

func (rb *reorderBuffer) pop(baseID uint32) (uint32, bool) {
	switch rb.size {
	case 0:
		return 0, false
	case 1:
		rb.size = 0
		return rb.buf[0], true
	default:
		rb.size = 1

		if frame.DeltaID(rb.buf[0], baseID) < frame.DeltaID(rb.buf[1], baseID) {
			min := rb.buf[0]
			rb.buf[0] = rb.buf[1]
			return min, true
		}
		return rb.buf[1], true
	}
}

type lossInterval struct {
	endTimeMS uint64
	length    uint32
	nackCount uint32
	isInitial bool
}

// lossIntervalQueue derives the average loss event rate from the lengths of
// recent loss intervals, following the weighted average of RFC 5348 section
// 5.4. Newest intervals sit at the front.
type lossIntervalQueue struct {
	entries []lossInterval
}

var lossIntervalWeights = [8]float64{1.0, 1.0, 1.0, 1.0, 0.8, 0.6, 0.4, 0.2}

// seed overwrites the length of the initial loss interval, back-calculated
// from the send rate at the time of the first loss event.
func (lq *lossIntervalQueue) seed(initialP float64) {
	if len(lq.entries) == 0 {
		return
	}

	interval := &lq.entries[len(lq.entries)-1]
	if interval.isInitial {
		length := lossIntervalWeights[0] / initialP
		if length < 0 {
			length = 0
		} else if length > math.MaxUint32 {
			length = math.MaxUint32
		}
		interval.length = uint32(length)
	}
}

// ack extends the current loss interval by one frame.
func (lq *lossIntervalQueue) ack() {
	if len(lq.entries) > 0 {
		if lq.entries[0].length != math.MaxUint32 {
			lq.entries[0].length++
		}
	}
}

// nack registers a lost frame. Losses within one RTT of the start of the
// current interval fall under that interval, later losses begin a new one.
func (lq *lossIntervalQueue) nack(sendTimeMS, rttMS uint64) {
	if len(lq.entries) > 0 {
		last := &lq.entries[0]

		if sendTimeMS >= last.endTimeMS {
			// This loss marks a new interval
			lq.entries = append([]lossInterval{{
				endTimeMS: sendTimeMS + rttMS,
				length:    1,
				nackCount: 1,
			}}, lq.entries...)

			if len(lq.entries) > 9 {
				lq.entries = lq.entries[:9]
			}
		} else {
			last.length++
			last.nackCount++
		}
		return
	}

	lq.entries = append(lq.entries, lossInterval{
		endTimeMS: sendTimeMS + rttMS,
		length:    1,
		nackCount: 1,
		isInitial: true,
	})
}

func (lq *lossIntervalQueue) lossRate() float64 {
	if len(lq.entries) == 0 {
		return 0.0
	}

	if len(lq.entries) == 1 {
		return 1.0 / float64(lq.entries[0].length)
	}

	var iTotal0, iTotal1, wTotal float64

	for i := 0; i < len(lq.entries)-1; i++ {
		iTotal0 += float64(lq.entries[i].length) * lossIntervalWeights[i]
		wTotal += lossIntervalWeights[i]
	}
	for i := 1; i < len(lq.entries); i++ {
		iTotal1 += float64(lq.entries[i].length) * lossIntervalWeights[i-1]
	}

	return wTotal / math.Max(iTotal0, iTotal1)
}

// feedback aggregates the information of one or more validated ack groups
// until the next rate computation step.
type feedback struct {
	lastSendTimeMS uint64
	totalAckSize   int
	lossRate       float64
	rateLimited    bool
}

// feedbackComp reconstructs the receiver-side TFRC feedback from returning
// acknowledgements. Each ack group must carry the XOR of the nonces of the
// frames it covers; groups failing that check, or referring to forgotten
// frames, are discarded in full.
type feedbackComp struct {
	log                  *frameLog
	nextFrameRateLimited bool

	nextAckID     uint32
	reorderBuffer reorderBuffer
	lossIntervals lossIntervalQueue

	pending    feedback
	hasPending bool
}

func newFeedbackComp(baseID uint32) *feedbackComp {
	return &feedbackComp{
		log:       newFrameLog(baseID),
		nextAckID: baseID,
	}
}

func (fc *feedbackComp) logFrame(frameID uint32, nonce bool, size int, sendTimeMS uint64) {
	fc.log.push(frameID, sentFrame{
		size:        size,
		sendTimeMS:  sendTimeMS,
		nonce:       nonce,
		rateLimited: fc.nextFrameRateLimited,
	})
	fc.nextFrameRateLimited = false
}

func (fc *feedbackComp) logRateLimited() {
	fc.nextFrameRateLimited = true
}

// acknowledgeGroup validates an ack group and folds it into the pending
// feedback. It reports whether the group was accepted.
func (fc *feedbackComp) acknowledgeGroup(ack frame.FrameAck, rttMS uint64) bool {
	trueNonce := false
	recvSize := 0
	var lastID uint32
	haveLastID := false
	rateLimited := false

	ackSize := uint32(0)
	for i := 31; i >= 0; i-- {
		if ack.Bitfield&(1<<i) != 0 {
			ackSize = uint32(i) + 1
			break
		}
	}

	for i := uint32(0); i < ackSize; i++ {
		frameID := frame.AddID(ack.BaseID, i)

		sent, ok := fc.log.get(frameID)
		if !ok {
			// Frame forgotten or ack group invalid
			return false
		}

		if ack.Bitfield&(1<<i) != 0 {
			trueNonce = trueNonce != sent.nonce
			recvSize += sent.size
			lastID = frameID
			haveLastID = true
		}

		rateLimited = rateLimited || sent.rateLimited
	}

	// Reject a forged or stale nonce
	if ack.Nonce != trueNonce {
		return false
	}

	for i := uint32(0); i < ackSize; i++ {
		if ack.Bitfield&(1<<i) != 0 {
			fc.acknowledgeFrame(frame.AddID(ack.BaseID, i), rttMS)
		}
	}

	if haveLastID {
		lastFrame, _ := fc.log.get(lastID)

		if fc.hasPending {
			if lastFrame.sendTimeMS > fc.pending.lastSendTimeMS {
				fc.pending.lastSendTimeMS = lastFrame.sendTimeMS
			}
			fc.pending.totalAckSize += recvSize
			fc.pending.rateLimited = fc.pending.rateLimited || rateLimited
		} else {
			fc.pending = feedback{
				lastSendTimeMS: lastFrame.sendTimeMS,
				totalAckSize:   recvSize,
				rateLimited:    rateLimited,
			}
			fc.hasPending = true
		}
	}

	return true
}

// forgetFrames drops log entries sent before the threshold, flushing the
// reorder buffer for any frames which fall outside the remaining log.
func (fc *feedbackComp) forgetFrames(threshMS, rttMS uint64) {
	expiredCount := fc.log.countExpired(threshMS)
	if expiredCount == 0 {
		return
	}

	newBaseID := frame.AddID(fc.log.baseID, expiredCount)
	newEndDelta := frame.DeltaID(fc.log.nextID, newBaseID)

	for {
		minFrameID, ok := fc.reorderBuffer.min(fc.nextAckID)
		if !ok || frame.DeltaID(minFrameID, newBaseID) < newEndDelta {
			break
		}

		fc.reorderBuffer.pop(fc.nextAckID)

		fc.putNackRange(fc.nextAckID, frame.DeltaID(minFrameID, fc.nextAckID), rttMS)
		fc.lossIntervals.ack()
		fc.nextAckID = frame.NextID(minFrameID)
	}

	if frame.DeltaID(fc.nextAckID, newBaseID) >= newEndDelta {
		fc.putNackRange(fc.nextAckID, frame.DeltaID(newBaseID, fc.nextAckID), rttMS)
		fc.nextAckID = newBaseID
	}

	fc.log.drainFront(expiredCount)
}

func (fc *feedbackComp) seedLossRate(initialP float64) {
	fc.lossIntervals.seed(initialP)
}

// pendingFeedback returns and clears the feedback accumulated since the last
// call, updated with the current loss rate.
func (fc *feedbackComp) pendingFeedback() (feedback, bool) {
	if !fc.hasPending {
		return feedback{}, false
	}

	fc.pending.lossRate = fc.lossIntervals.lossRate()
	fb := fc.pending
	fc.pending = feedback{}
	fc.hasPending = false
	return fb, true
}

func (fc *feedbackComp) acknowledgeFrame(frameID uint32, rttMS uint64) {
	if frame.DeltaID(frameID, fc.log.baseID) < frame.DeltaID(fc.nextAckID, fc.log.baseID) {
		// This ID has already been passed
		return
	}

	if minFrameID, ok := fc.reorderBuffer.push(fc.nextAckID, frameID); ok {
		fc.putNackRange(fc.nextAckID, frame.DeltaID(minFrameID, fc.nextAckID), rttMS)
		fc.lossIntervals.ack()
		fc.nextAckID = frame.NextID(minFrameID)
	}
}

func (fc *feedbackComp) putNackRange(baseID, num uint32, rttMS uint64) {
	for i := uint32(0); i < num; i++ {
		if sent, ok := fc.log.get(frame.AddID(baseID, i)); ok {
			fc.lossIntervals.nack(sent.sendTimeMS, rttMS)
		}
	}
}
