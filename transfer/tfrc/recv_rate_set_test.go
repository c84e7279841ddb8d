// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tfrc

import (
	"math"
	"testing"
)

func TestRecvRateSetInitialUnlimited(t *testing.T) {
	var rs recvRateSet
	rs.resetInitial(0)

	// The initial entry keeps the limit out of the way until it expires
	if limit := rs.rateLimitedUpdate(10, 5000, 0.02); limit != math.MaxUint32 {
		t.Fatalf("limit is %d while the initial entry is fresh", limit)
	}

	// Two RTTs later only the latest report remains
	if limit := rs.rateLimitedUpdate(100, 6000, 0.02); limit != 6000 {
		t.Fatalf("limit is %d, expected 6000", limit)
	}
}

func TestRecvRateSetEmptiedResets(t *testing.T) {
	var rs recvRateSet
	rs.reset(0, 9000)

	// A zero RTT expires everything, falling back to the reported rate
	if limit := rs.rateLimitedUpdate(50, 7000, 0.0); limit != 7000 {
		t.Fatalf("limit is %d, expected 7000", limit)
	}
}

func TestRecvRateSetLossIncrease(t *testing.T) {
	var rs recvRateSet
	rs.reset(0, 10000)

	// Recorded rates are halved; 85% of the report wins here
	if limit := rs.lossIncreaseUpdate(10, 8000); limit != 6800 {
		t.Fatalf("limit is %d, expected 6800", limit)
	}

	rs.reset(0, 20000)

	// With a larger history the halved recorded rate wins
	if limit := rs.lossIncreaseUpdate(10, 8000); limit != 10000 {
		t.Fatalf("limit is %d, expected 10000", limit)
	}
}

func TestRecvRateSetDataLimited(t *testing.T) {
	var rs recvRateSet
	rs.reset(0, 10000)

	// A data limited report never lowers the recorded maximum
	if limit := rs.dataLimitedUpdate(10, 4000); limit != 10000 {
		t.Fatalf("limit is %d, expected 10000", limit)
	}
	if limit := rs.dataLimitedUpdate(20, 15000); limit != 15000 {
		t.Fatalf("limit is %d, expected 15000", limit)
	}
}
