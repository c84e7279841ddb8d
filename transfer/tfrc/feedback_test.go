// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tfrc

import (
	"math"
	"testing"

	"github.com/ruft-net/ruft-go/frame"
)

func TestReorderBufferOrdering(t *testing.T) {
	var rb reorderBuffer

	if _, ok := rb.push(0, 2); ok {
		t.Fatal("first push evicted an ID")
	}
	if _, ok := rb.push(0, 1); ok {
		t.Fatal("second push evicted an ID")
	}

	// A full buffer evicts its minimum
	min, ok := rb.push(0, 3)
	if !ok || min != 1 {
		t.Fatalf("evicted %d, expected 1", min)
	}

	min, ok = rb.pop(0)
	if !ok || min != 2 {
		t.Fatalf("popped %d, expected 2", min)
	}
	min, ok = rb.pop(0)
	if !ok || min != 3 {
		t.Fatalf("popped %d, expected 3", min)
	}
	if _, ok = rb.pop(0); ok {
		t.Fatal("empty buffer popped an ID")
	}
}

func TestReorderBufferDuplicates(t *testing.T) {
	var rb reorderBuffer

	rb.push(0, 5)
	if _, ok := rb.push(0, 5); ok {
		t.Fatal("duplicate push evicted an ID")
	}
	rb.push(0, 6)
	if _, ok := rb.push(0, 6); ok {
		t.Fatal("duplicate push into a full buffer evicted an ID")
	}
	if rb.size != 2 {
		t.Fatalf("buffer size is %d", rb.size)
	}
}

func TestReorderBufferWraparound(t *testing.T) {
	var rb reorderBuffer

	base := frame.IDMask
	rb.push(base, 0)
	rb.push(base, frame.IDMask)

	// Relative to the base, the wrapped ID is the smaller one
	min, ok := rb.push(base, 1)
	if !ok || min != frame.IDMask {
		t.Fatalf("evicted %d, expected %d", min, frame.IDMask)
	}
}

func verifyLossRate(t *testing.T, lq *lossIntervalQueue, expected float64) {
	t.Helper()
	if rate := lq.lossRate(); math.Abs(rate-expected) > 1e-9 {
		t.Fatalf("loss rate is %v, expected %v", rate, expected)
	}
}

func TestLossIntervals(t *testing.T) {
	var lq lossIntervalQueue

	verifyLossRate(t, &lq, 0.0)

	// The first loss opens the initial interval
	lq.nack(100, 20)
	verifyLossRate(t, &lq, 1.0)

	lq.ack()
	verifyLossRate(t, &lq, 0.5)

	// A loss within one RTT of the interval start joins it
	lq.nack(110, 20)
	verifyLossRate(t, &lq, 1.0/3.0)

	// A later loss begins a new interval
	lq.nack(130, 20)
	if len(lq.entries) != 2 {
		t.Fatalf("%d intervals, expected 2", len(lq.entries))
	}
	verifyLossRate(t, &lq, 1.0/3.0)
}

func TestLossIntervalTruncation(t *testing.T) {
	var lq lossIntervalQueue

	for i := 0; i < 20; i++ {
		lq.nack(uint64(i)*100, 20)
	}
	if len(lq.entries) != 9 {
		t.Fatalf("%d intervals retained, expected 9", len(lq.entries))
	}
}

func TestLossIntervalSeed(t *testing.T) {
	var lq lossIntervalQueue

	lq.nack(100, 20)
	lq.seed(0.01)

	if lq.entries[0].length != 100 {
		t.Fatalf("seeded interval length is %d, expected 100", lq.entries[0].length)
	}
	verifyLossRate(t, &lq, 0.01)
}

func logFrames(fc *feedbackComp, baseID uint32, nonces []bool, size int, sendTimeMS uint64) {
	for i, nonce := range nonces {
		fc.logFrame(frame.AddID(baseID, uint32(i)), nonce, size, sendTimeMS)
	}
}

func TestAckGroupNonceValidation(t *testing.T) {
	fc := newFeedbackComp(0)
	logFrames(fc, 0, []bool{true, false, true, true}, 100, 0)

	// XOR over the set bits: frames 0, 1 and 3
	ack := frame.FrameAck{BaseID: 0, Bitfield: 0b1011, Nonce: false}
	if !fc.acknowledgeGroup(ack, 100) {
		t.Fatal("genuine ack group rejected")
	}

	fb, ok := fc.pendingFeedback()
	if !ok || fb.totalAckSize != 300 {
		t.Fatalf("pending feedback is %+v", fb)
	}
}

func TestAckGroupForgedNonceRejected(t *testing.T) {
	fc := newFeedbackComp(0)
	logFrames(fc, 0, []bool{true, false, true}, 100, 0)

	ack := frame.FrameAck{BaseID: 0, Bitfield: 0b111, Nonce: true}
	if fc.acknowledgeGroup(ack, 100) {
		t.Fatal("ack group with a wrong nonce accepted")
	}
	if _, ok := fc.pendingFeedback(); ok {
		t.Fatal("rejected group produced feedback")
	}
}

func TestAckGroupUnknownFrameRejected(t *testing.T) {
	fc := newFeedbackComp(0)
	logFrames(fc, 0, []bool{true, true}, 100, 0)

	// The group covers an ID beyond the log
	ack := frame.FrameAck{BaseID: 0, Bitfield: 0b111, Nonce: false}
	if fc.acknowledgeGroup(ack, 100) {
		t.Fatal("ack group covering an unsent frame accepted")
	}
}

func TestFeedbackDetectsLoss(t *testing.T) {
	fc := newFeedbackComp(0)
	logFrames(fc, 0, make([]bool, 9), 100, 0)

	if !fc.acknowledgeGroup(frame.FrameAck{BaseID: 0, Bitfield: 0b1, Nonce: false}, 100) {
		t.Fatal("group rejected")
	}
	if !fc.acknowledgeGroup(frame.FrameAck{BaseID: 1, Bitfield: 0b1, Nonce: false}, 100) {
		t.Fatal("group rejected")
	}

	// Frames 2..8 minus frame 5; once the reorder buffer passes it by, the
	// gap registers as a loss event
	if !fc.acknowledgeGroup(frame.FrameAck{BaseID: 2, Bitfield: 0b1110111, Nonce: false}, 100) {
		t.Fatal("group rejected")
	}

	fb, ok := fc.pendingFeedback()
	if !ok {
		t.Fatal("no pending feedback")
	}
	if fb.lossRate != 0.5 {
		t.Fatalf("loss rate is %v, expected 0.5", fb.lossRate)
	}
}

func TestFeedbackForgetFrames(t *testing.T) {
	fc := newFeedbackComp(0)
	fc.logFrame(0, false, 100, 0)
	fc.logFrame(1, false, 100, 10)
	fc.logFrame(2, false, 100, 500)

	// Frames 0 and 1 expire unacknowledged and count as lost
	fc.forgetFrames(100, 50)

	if fc.log.baseID != 2 {
		t.Fatalf("log base is %d, expected 2", fc.log.baseID)
	}
	if fc.nextAckID != 2 {
		t.Fatalf("next ack ID is %d, expected 2", fc.nextAckID)
	}
	if len(fc.lossIntervals.entries) == 0 {
		t.Fatal("expired frames registered no loss")
	}
}

func TestFrameLog(t *testing.T) {
	fl := newFrameLog(10)
	fl.push(10, sentFrame{size: 100, sendTimeMS: 0})
	fl.push(11, sentFrame{size: 200, sendTimeMS: 50})
	fl.push(12, sentFrame{size: 300, sendTimeMS: 100})

	if f, ok := fl.get(11); !ok || f.size != 200 {
		t.Fatalf("get(11) = %+v, %v", f, ok)
	}
	if _, ok := fl.get(13); ok {
		t.Fatal("get beyond the log succeeded")
	}

	if n := fl.countExpired(100); n != 2 {
		t.Fatalf("%d frames expired, expected 2", n)
	}

	fl.drainFront(2)
	if fl.baseID != 12 {
		t.Fatalf("base is %d after drain, expected 12", fl.baseID)
	}
	if _, ok := fl.get(11); ok {
		t.Fatal("drained frame still present")
	}
	if f, ok := fl.get(12); !ok || f.size != 300 {
		t.Fatal("remaining frame lost by drain")
	}
}
