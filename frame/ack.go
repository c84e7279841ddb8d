// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frame

import (
	"bytes"
	"fmt"
)

// FrameAck acknowledges a group of up to 32 consecutive frame IDs. Bit i of
// the bitfield marks BaseID+i as received; bit 0 is always set. The nonce is
// the XOR of the nonce bits of every acknowledged frame in the group, which
// the original sender verifies against its own record. A receiver that never
// saw the frames cannot guess the combined nonce reliably, so forged or
// replayed acknowledgements are rejected instead of feeding the congestion
// controller false information.
type FrameAck struct {
	BaseID   uint32
	Bitfield uint32
	Nonce    bool
}

// AckFrame reports received frames and the receiver's window positions.
//
//	+--------+---------------+----------------+--------+-----------------------------+----------+
//	| kind   | frame window  | packet window  | count  | count * frame ack entries   | checksum |
//	| 1 byte | base, 3 bytes | base, 3 bytes  | 1 byte | 7 bytes each                | 4 bytes  |
//	+--------+---------------+----------------+--------+-----------------------------+----------+
//
// Each frame ack entry is the group base ID (nonce flag in the upper
// nibble) followed by the 32 bit bitfield.
//
// The window base IDs let the sender drop Persistent data which the
// receiver's windows have moved past, and free retransmission state below
// the frame window.
type AckFrame struct {
	FrameWindowBaseID  uint32
	PacketWindowBaseID uint32
	FrameAcks          []FrameAck
}

const frameAckEntrySize = 7

// MaxFrameAcksPerFrame bounds the entry count so a full ack frame stays
// within a single frame.
const MaxFrameAcksPerFrame = (MaxFrameSize - 1 - 6 - 1 - ChecksumSize) / frameAckEntrySize

func (f *AckFrame) Kind() Kind { return KindAck }

func (f *AckFrame) marshalBody(buf *bytes.Buffer) {
	putID(buf, f.FrameWindowBaseID, 0)
	putID(buf, f.PacketWindowBaseID, 0)

	buf.WriteByte(uint8(len(f.FrameAcks)))
	for _, ack := range f.FrameAcks {
		var flags uint8
		if ack.Nonce {
			flags = idNonceFlag
		}
		putID(buf, ack.BaseID, flags)
		putU32(buf, ack.Bitfield)
	}
}

func (f *AckFrame) unmarshalBody(data []byte) error {
	if len(data) < 7 {
		return fmt.Errorf("ACK body has %d bytes, expected at least 7", len(data))
	}

	id, flags := getID(data)
	if flags != 0 {
		return fmt.Errorf("ACK frame window base has flag bits set")
	}
	f.FrameWindowBaseID = id

	id, flags = getID(data[3:])
	if flags != 0 {
		return fmt.Errorf("ACK packet window base has flag bits set")
	}
	f.PacketWindowBaseID = id

	count := int(data[6])
	data = data[7:]
	if len(data) != count*frameAckEntrySize {
		return fmt.Errorf("ACK has %d bytes for %d entries", len(data), count)
	}

	f.FrameAcks = make([]FrameAck, count)
	for i := 0; i < count; i++ {
		entry := data[i*frameAckEntrySize:]

		id, flags := getID(entry)
		if flags&^idNonceFlag != 0 {
			return fmt.Errorf("ACK entry has reserved flag bits set")
		}

		bitfield := getU32(entry[3:])
		if bitfield&0x1 == 0 {
			return fmt.Errorf("ACK entry does not cover its base ID")
		}

		f.FrameAcks[i] = FrameAck{
			BaseID:   id,
			Bitfield: bitfield,
			Nonce:    flags&idNonceFlag != 0,
		}
	}
	return nil
}
