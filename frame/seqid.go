// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frame

// Packet sequence IDs and frame IDs occupy a 20 bit modulo space. The small
// space keeps header overhead low; the sliding windows of the transfer layer
// make it unambiguous.
const (
	// IDMask masks a value into the ID space.
	IDMask uint32 = 0xFFFFF

	// IDSpan is the size of the ID space.
	IDSpan uint32 = 0x100000
)

// AddID returns id advanced by n, wrapping within the ID space.
func AddID(id, n uint32) uint32 {
	return (id + n) & IDMask
}

// NextID returns the ID following id.
func NextID(id uint32) uint32 {
	return AddID(id, 1)
}

// DeltaID returns the forward distance from base to id, i.e. how far id lies
// ahead of base in the wrapping ID space. A result close to IDSpan means id
// is actually behind base.
func DeltaID(id, base uint32) uint32 {
	return (id - base) & IDMask
}
