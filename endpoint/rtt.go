// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

const (
	defaultRTTMS = 100.0

	srttSmooth   = 0.125
	rttvarSmooth = 0.25

	rtoRTTVarK = 4.0
	// The clock granularity bound of the RTO sum
	rtoGranularityMS = 1.0
)

// rttEstimator is an RFC 6298 round trip estimator. It drives the endpoint's
// own retransmission timers, the handshake and disconnect exchanges, which
// run outside the data phase and its TFRC state.
type rttEstimator struct {
	srttMS     float64
	rttvarMS   float64
	haveSample bool
}

func newRTTEstimator() rttEstimator {
	return rttEstimator{
		srttMS:   defaultRTTMS,
		rttvarMS: defaultRTTMS / 2.0,
	}
}

func (e *rttEstimator) update(sampleMS float64) {
	if !e.haveSample {
		e.srttMS = sampleMS
		e.rttvarMS = sampleMS / 2.0
		e.haveSample = true
		return
	}

	diff := e.srttMS - sampleMS
	if diff < 0 {
		diff = -diff
	}
	e.rttvarMS = (1.0-rttvarSmooth)*e.rttvarMS + rttvarSmooth*diff
	e.srttMS = (1.0-srttSmooth)*e.srttMS + srttSmooth*sampleMS
}

func (e *rttEstimator) rttMS() float64 {
	return e.srttMS
}

func (e *rttEstimator) rtoMS() float64 {
	v := rtoRTTVarK * e.rttvarMS
	if v < rtoGranularityMS {
		v = rtoGranularityMS
	}
	return e.srttMS + v
}
