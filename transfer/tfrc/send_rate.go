// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tfrc computes the allowed send rate of a connection according to
// TCP-Friendly Rate Control (RFC 5348). The sender logs each transmitted
// frame together with a random nonce bit; returning acknowledgements are
// validated against the XOR of those nonces and folded into loss rate and
// receive rate estimates, which drive the slow start and throughput
// equation phases of the rate computation.
package tfrc

import (
	"math"

	"github.com/ruft-net/ruft-go/frame"
)

// mss is the maximum segment size used by the throughput equation.
const mss = frame.MaxFrameSize

const (
	initialRate uint32 = 4380
	recoverRate uint32 = initialRate
	minimumRate uint32 = mss / 64

	lossInitialRTTMS uint64 = 100

	rttAlpha = 0.1
)

func evalRTOSeconds(rttS float64, sendRate uint32) float64 {
	return math.Max(4.0*rttS, float64(2*mss)/float64(sendRate))
}

// evalTCPThroughput is the TCP throughput equation of RFC 5348 section 3.1,
// with t_RTO = 4*R and b = 1.
func evalTCPThroughput(rttS, p float64) uint32 {
	s := float64(mss)
	fP := math.Sqrt(p*2.0/3.0) + 12.0*math.Sqrt(p*3.0/8.0)*p*(1.0+32.0*p*p)

	x := s / (rttS * fP)
	if x > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(x)
}

// evalTCPThroughputInv inverts the throughput equation by bisection,
// returning the loss event rate which produces the target rate to within 5%.
func evalTCPThroughputInv(rttS float64, targetRate uint32) float64 {
	delta := uint32(float64(targetRate) * 0.05)

	a, b := 0.0, 1.0

	for i := 0; i < 64; i++ {
		c := (a + b) / 2.0

		rate := evalTCPThroughput(rttS, c)

		switch {
		case rate > targetRate:
			if rate-targetRate <= delta {
				return c
			}
			a = c
		case rate < targetRate:
			if targetRate-rate <= delta {
				return c
			}
			b = c
		default:
			return c
		}
	}

	return (a + b) / 2.0
}

type sendRateMode int

const (
	modeAwaitSend sendRateMode = iota
	modeAwaitFeedback
	modeSlowStart
	modeThroughputEqn
)

// SendRateComp tracks the send rate of a single connection.
type SendRateComp struct {
	feedback *feedbackComp

	prevLossRate       float64
	lastFeedbackTimeMS uint64
	haveFeedbackTime   bool

	nofeedbackExpMS  uint64
	haveNofeedbackMS bool
	nofeedbackIdle   bool

	mode     sendRateMode
	sendRate uint32

	// Slow start state
	timeLastDoubledMS uint64

	// Throughput equation state
	sendRateTCP uint32

	recvRateSet recvRateSet

	rttS  float64
	rttMS uint64
	// False until the first RTT sample
	haveRTT bool
}

func NewSendRateComp(baseID uint32) *SendRateComp {
	return &SendRateComp{
		feedback: newFeedbackComp(baseID),
		sendRate: mss,
	}
}

// LogFrame records a transmitted frame. The first logged frame arms the
// nofeedback timer.
func (sc *SendRateComp) LogFrame(frameID uint32, nonce bool, size int, nowMS uint64) {
	sc.feedback.logFrame(frameID, nonce, size, nowMS)

	if sc.mode == modeAwaitSend {
		sc.mode = modeAwaitFeedback
		sc.nofeedbackExpMS = nowMS + 2000
		sc.haveNofeedbackMS = true
		sc.recvRateSet.resetInitial(nowMS)
	}

	sc.nofeedbackIdle = false
}

// LogRateLimited marks the sender as limited by the current send rate, to be
// attached to the next logged frame.
func (sc *SendRateComp) LogRateLimited() {
	sc.feedback.logRateLimited()
}

// AcknowledgeGroup validates an incoming ack group against the logged
// nonces. It reports whether the group is genuine; rejected groups must not
// be applied to the rest of the connection state.
func (sc *SendRateComp) AcknowledgeGroup(ack frame.FrameAck) bool {
	return sc.feedback.acknowledgeGroup(ack, sc.rttOrDefault())
}

// ForgetFrames drops the record of frames sent before the threshold,
// registering unacknowledged ones as lost.
func (sc *SendRateComp) ForgetFrames(threshMS uint64) {
	sc.feedback.forgetFrames(threshMS, sc.rttOrDefault())
}

// Step applies pending feedback to the send rate, or handles an expiration
// of the nofeedback timer.
func (sc *SendRateComp) Step(nowMS uint64) {
	if sc.mode == modeAwaitSend {
		return
	}

	if fb, ok := sc.feedback.pendingFeedback(); ok {
		rttSampleS := float64(nowMS-fb.lastSendTimeMS) / 1000.0

		var recvRate uint32
		if sc.haveFeedbackTime && nowMS > sc.lastFeedbackTimeMS {
			rate := float64(fb.totalAckSize) * 1000.0 / float64(nowMS-sc.lastFeedbackTimeMS)
			if rate > math.MaxUint32 {
				rate = math.MaxUint32
			}
			recvRate = uint32(rate)
		}

		sc.handleFeedback(nowMS, rttSampleS, recvRate, fb.lossRate, fb.rateLimited)

		sc.lastFeedbackTimeMS = nowMS
		sc.haveFeedbackTime = true
	} else if sc.haveNofeedbackMS && nowMS >= sc.nofeedbackExpMS {
		sc.nofeedbackExpired(nowMS)
	}
}

// SendRate returns the allowed transmit rate in bytes per second.
func (sc *SendRateComp) SendRate() float64 {
	return float64(sc.sendRate)
}

// RTTSeconds returns the smoothed round trip time estimate, or false if no
// feedback has produced a sample yet.
func (sc *SendRateComp) RTTSeconds() (float64, bool) {
	return sc.rttS, sc.haveRTT
}

// RTTMillis returns the smoothed round trip time estimate in milliseconds.
func (sc *SendRateComp) RTTMillis() (uint64, bool) {
	return sc.rttMS, sc.haveRTT
}

func (sc *SendRateComp) rttOrDefault() uint64 {
	if sc.haveRTT {
		return sc.rttMS
	}
	return lossInitialRTTMS
}

func (sc *SendRateComp) updateRTT(rttSampleS float64) float64 {
	newRTT := rttSampleS
	if sc.haveRTT {
		newRTT = (1.0-rttAlpha)*sc.rttS + rttAlpha*rttSampleS
	}

	sc.rttS = newRTT
	sc.rttMS = uint64(math.Max(math.Round(newRTT*1000.0), 0.0))
	sc.haveRTT = true

	return newRTT
}

func (sc *SendRateComp) handleFeedback(nowMS uint64, rttSampleS float64, recvRate uint32, lossRate float64, rateLimited bool) {
	rttS := sc.updateRTT(rttSampleS)
	rtoS := evalRTOSeconds(rttS, sc.sendRate)

	var sendRateLimit uint32
	if rateLimited {
		sendRateLimit = saturatingDouble(sc.recvRateSet.rateLimitedUpdate(nowMS, recvRate, rttS))
	} else if lossRate > sc.prevLossRate {
		sendRateLimit = sc.recvRateSet.lossIncreaseUpdate(nowMS, recvRate)
	} else {
		sendRateLimit = saturatingDouble(sc.recvRateSet.dataLimitedUpdate(nowMS, recvRate))
	}

	sc.prevLossRate = lossRate

	switch sc.mode {
	case modeAwaitFeedback:
		if lossRate == 0.0 {
			// Enter the slow start phase
			sc.sendRate = uint32(float64(initialRate) / rttS)

			sc.mode = modeSlowStart
			sc.timeLastDoubledMS = nowMS
		} else {
			sc.enterThroughputEqn(uint32(float64(mss/2)/rttS), rttS, sendRateLimit)
		}

	case modeSlowStart:
		if lossRate == 0.0 {
			// Double the send rate once per RTT
			rttMS := uint64(rttS * 1000.0)

			if nowMS-sc.timeLastDoubledMS >= rttMS {
				sc.sendRate = clampRate(saturatingDouble(sc.sendRate), sendRateLimit, initialRate)
				sc.timeLastDoubledMS = nowMS
			}
		} else {
			sc.enterThroughputEqn(sc.sendRate/2, rttS, sendRateLimit)
		}

	case modeThroughputEqn:
		sc.sendRateTCP = evalTCPThroughput(rttS, lossRate)
		sc.sendRate = clampRate(sc.sendRateTCP, sendRateLimit, minimumRate)
	}

	sc.nofeedbackExpMS = nowMS + uint64(rtoS*1000.0)
	sc.haveNofeedbackMS = true
	sc.nofeedbackIdle = true
}

// enterThroughputEqn switches to the throughput equation phase, seeding the
// loss history so that the equation initially reproduces the target rate.
func (sc *SendRateComp) enterThroughputEqn(targetRate uint32, rttS float64, sendRateLimit uint32) {
	initialP := evalTCPThroughputInv(rttS, targetRate)
	sc.feedback.seedLossRate(initialP)

	sc.sendRate = clampRate(targetRate, sendRateLimit, minimumRate)

	sc.mode = modeThroughputEqn
	sc.sendRateTCP = targetRate
}

func (sc *SendRateComp) nofeedbackExpired(nowMS uint64) {
	switch sc.mode {
	case modeAwaitFeedback:
		// Halve the send rate every RTO, subject to the minimum
		sc.sendRate = maxRate(sc.sendRate/2, minimumRate)

	case modeSlowStart:
		if !(sc.nofeedbackIdle && sc.sendRate < 2*recoverRate) {
			sc.sendRate = maxRate(sc.sendRate/2, minimumRate)
		}

	case modeThroughputEqn:
		recvRate := sc.recvRateSet.max()
		if !(sc.nofeedbackIdle && recvRate < recoverRate) {
			// Alter the receive rate set so as to halve the send rate from
			// here on
			currentLimit := minRate(sc.sendRateTCP, saturatingDouble(recvRate))
			newLimit := maxRate(currentLimit/2, minimumRate)
			sc.recvRateSet.reset(nowMS, newLimit/2)
			sc.sendRate = minRate(sc.sendRateTCP, newLimit)
		}
	}

	rtoS := evalRTOSeconds(sc.rttS, sc.sendRate)

	sc.nofeedbackExpMS = nowMS + uint64(rtoS*1000.0)
	sc.nofeedbackIdle = true
}

func saturatingDouble(v uint32) uint32 {
	if v > math.MaxUint32/2 {
		return math.MaxUint32
	}
	return 2 * v
}

func clampRate(v, limit, min uint32) uint32 {
	if v > limit {
		v = limit
	}
	if v < min {
		v = min
	}
	return v
}

func minRate(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxRate(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
