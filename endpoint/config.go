// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"

	"github.com/ruft-net/ruft-go/frame"
)

// Config carries the parameters of one side of a connection. The receive
// oriented fields are advertised to the peer during the handshake; the peer
// clamps its sender to them.
type Config struct {
	// MaxSendRate is the maximum send rate in bytes per second.
	MaxSendRate int

	// MaxReceiveRate is the maximum receive rate in bytes per second,
	// enforced by the peer's sender.
	MaxReceiveRate int

	// MaxPacketSize is the maximum size of a sent packet in bytes.
	MaxPacketSize int

	// MaxReceiveAlloc is the maximum memory in bytes allocated to packet
	// reassembly. It bounds the receivable packet size; a connection attempt
	// is refused when the peer's MaxPacketSize exceeds it.
	MaxReceiveAlloc int

	// Keepalive enables periodic sync frames on an idle connection. Without
	// them a silent connection times out.
	Keepalive bool
}

// DefaultConfig returns a configuration suitable for most connections:
// 2 MB/s in both directions, packets up to 1 MB and keepalive enabled.
func DefaultConfig() Config {
	return Config{
		MaxSendRate:     2_000_000,
		MaxReceiveRate:  2_000_000,
		MaxPacketSize:   1_000_000,
		MaxReceiveAlloc: 1_000_000,
		Keepalive:       true,
	}
}

// Validate checks every parameter and reports all violations at once.
func (c Config) Validate() error {
	var errs *multierror.Error

	if c.MaxSendRate <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("MaxSendRate must be positive, is %d", c.MaxSendRate))
	}
	if c.MaxReceiveRate <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("MaxReceiveRate must be positive, is %d", c.MaxReceiveRate))
	}
	if c.MaxPacketSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("MaxPacketSize must be positive, is %d", c.MaxPacketSize))
	}
	if c.MaxPacketSize > frame.MaxPacketSize {
		errs = multierror.Append(errs, fmt.Errorf("MaxPacketSize %d exceeds the protocol limit %d", c.MaxPacketSize, frame.MaxPacketSize))
	}
	if c.MaxReceiveAlloc <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("MaxReceiveAlloc must be positive, is %d", c.MaxReceiveAlloc))
	}

	return errs.ErrorOrNil()
}

// clampU32 truncates a non-negative parameter to its 32 bit wire field.
func clampU32(v int) uint32 {
	if uint64(v) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}
