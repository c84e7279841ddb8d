// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frame

import (
	"fmt"
	"hash/crc32"
)

// The frame checksum is a CRC-32 using the Koopman polynomial 0x132c00699
// (HD=6 up to 16360 data bits), which covers a full frame with room to
// spare. crcPoly is its reversed form for the reflected table algorithm.
// Initial value and final XOR are ^0, matching hash/crc32's convention.
const crcPoly = 0x9960034C

var crcTable = crc32.MakeTable(crcPoly)

// ChecksumSize is the length of the frame checksum trailer.
const ChecksumSize = 4

// Checksum computes the frame checksum over data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// appendChecksum appends the big-endian checksum of data to data itself.
func appendChecksum(data []byte) []byte {
	crc := Checksum(data)
	return append(data, uint8(crc>>24), uint8(crc>>16), uint8(crc>>8), uint8(crc))
}

// verifyChecksum splits a frame buffer into its body and checksum trailer,
// recomputing and comparing the latter.
func verifyChecksum(data []byte) (body []byte, err error) {
	if len(data) < ChecksumSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	body = data[:len(data)-ChecksumSize]
	trailer := data[len(data)-ChecksumSize:]

	expected := Checksum(body)
	received := getU32(trailer)

	if expected != received {
		return nil, fmt.Errorf("frame checksum mismatch: computed %#08x, received %#08x", expected, received)
	}
	return body, nil
}
