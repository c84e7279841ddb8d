// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tfrc

import (
	"math"
)

type recvEntry struct {
	value       uint32
	timestampMS uint64
	isInitial   bool
}

// recvRateSet is the X_recv_set of RFC 5348 section 4.3: a short history of
// receive rates reported by the receiver, used to bound the send rate.
type recvRateSet struct {
	entries []recvEntry
}

func (rs *recvRateSet) resetInitial(nowMS uint64) {
	rs.entries = rs.entries[:0]
	rs.entries = append(rs.entries, recvEntry{
		value:       math.MaxUint32,
		timestampMS: nowMS,
		isInitial:   true,
	})
}

func (rs *recvRateSet) reset(nowMS uint64, recvRate uint32) {
	rs.entries = rs.entries[:0]
	rs.entries = append(rs.entries, recvEntry{
		value:       recvRate,
		timestampMS: nowMS,
	})
}

func (rs *recvRateSet) replaceMax(nowMS uint64, recvRate uint32) uint32 {
	filtered := rs.entries[:0]
	for _, e := range rs.entries {
		if !e.isInitial {
			filtered = append(filtered, e)
		}
	}
	rs.entries = filtered

	maxRate := recvRate
	if len(rs.entries) > 0 && rs.max() > maxRate {
		maxRate = rs.max()
	}

	rs.reset(nowMS, maxRate)
	return maxRate
}

// rateLimitedUpdate records the reported rate and expires entries older than
// two round trip times.
func (rs *recvRateSet) rateLimitedUpdate(nowMS uint64, recvRate uint32, rttS float64) uint32 {
	rs.entries = append(rs.entries, recvEntry{
		value:       recvRate,
		timestampMS: nowMS,
	})

	filtered := rs.entries[:0]
	for _, e := range rs.entries {
		if float64(nowMS-e.timestampMS) < 2.0*rttS*1000.0 {
			filtered = append(filtered, e)
		}
	}
	rs.entries = filtered

	if len(rs.entries) == 0 {
		rs.reset(nowMS, recvRate)
	}

	return rs.max()
}

// lossIncreaseUpdate halves the recorded rates in response to a loss event
// and takes 85% of the reported rate as the new ceiling candidate.
func (rs *recvRateSet) lossIncreaseUpdate(nowMS uint64, recvRate uint32) uint32 {
	for i := range rs.entries {
		rs.entries[i].value /= 2
	}

	return rs.replaceMax(nowMS, uint32(float64(recvRate)*0.85))
}

func (rs *recvRateSet) dataLimitedUpdate(nowMS uint64, recvRate uint32) uint32 {
	return rs.replaceMax(nowMS, recvRate)
}

func (rs *recvRateSet) max() uint32 {
	var maxRate uint32
	for _, e := range rs.entries {
		if e.value > maxRate {
			maxRate = e.value
		}
	}
	return maxRate
}
