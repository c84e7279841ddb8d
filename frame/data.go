// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frame

import (
	"bytes"
	"fmt"
)

// FragmentID locates a fragment within its packet. Index counts from zero,
// Last is the index of the packet's final fragment. A whole (unfragmented)
// packet is the degenerate case Index == Last == 0 and is encoded without
// fragment fields.
type FragmentID struct {
	Index uint16
	Last  uint16
}

// Datagram is one fragment of an application packet as carried by a Data
// frame.
//
// A whole datagram is encoded as
//
//	+--------+-------------+------------+------------+---------+---------+
//	| header | sequence ID | window p.l.| channel p.l.| length | data    |
//	| 1 byte | 3 bytes     | 2 bytes    | 2 bytes     | 2 bytes| ...     |
//	+--------+-------------+------------+------------+---------+---------+
//
// and a fragment datagram inserts the fragment fields before the length:
//
//	+--------+-------------+------------+------------+-----------+----------+---------+------+
//	| header | sequence ID | window p.l.| channel p.l.| frag last | frag idx | length | data |
//	| 1 byte | 3 bytes     | 2 bytes    | 2 bytes     | 2 bytes   | 2 bytes  | 2 bytes| ...  |
//	+--------+-------------+------------+------------+-----------+----------+---------+------+
//
// The header byte packs a fragment flag and the channel ID:
//
//	 7   6   5   4   3   2   1   0
//	+---+---+---+---+---+---+---+---+
//	| F | 0 |      channel ID       |
//	+---+---+---+---+---+---+---+---+
//
// The parent leads describe how far this packet's sequence ID lies ahead of
// the newest Reliable packet it depends on; zero means no dependency. The
// window parent lead gates receive window advancement, the channel parent
// lead gates in-channel delivery.
type Datagram struct {
	SequenceID        uint32
	ChannelID         uint8
	WindowParentLead  uint16
	ChannelParentLead uint16
	Fragment          FragmentID
	Data              []byte
}

const datagramFragmentFlag uint8 = 0x80

// IsFragment reports whether this datagram is part of a multi-fragment
// packet.
func (dg *Datagram) IsFragment() bool {
	return dg.Fragment.Last != 0
}

// Validate checks the cross-field invariants of a well formed datagram.
// Every fragment but the last carries exactly MaxFragmentSize bytes, so
// that fragment offsets are implied by their indices, and a channel parent
// lead never reaches further back than the window parent lead.
func (dg *Datagram) Validate() error {
	if dg.Fragment.Index > dg.Fragment.Last {
		return fmt.Errorf("fragment index %d beyond last %d", dg.Fragment.Index, dg.Fragment.Last)
	}
	if dg.Fragment.Index < dg.Fragment.Last && len(dg.Data) != MaxFragmentSize {
		return fmt.Errorf("non-final fragment has %d bytes, expected %d", len(dg.Data), MaxFragmentSize)
	}
	if len(dg.Data) > MaxFragmentSize {
		return fmt.Errorf("datagram payload has %d bytes, limit %d", len(dg.Data), MaxFragmentSize)
	}
	if dg.ChannelParentLead != 0 &&
		(dg.WindowParentLead == 0 || dg.ChannelParentLead < dg.WindowParentLead) {
		return fmt.Errorf("channel parent lead %d inconsistent with window parent lead %d",
			dg.ChannelParentLead, dg.WindowParentLead)
	}
	return nil
}

// EncodedSize returns the number of bytes this datagram occupies inside a
// Data frame.
func (dg *Datagram) EncodedSize() int {
	if dg.IsFragment() {
		return FragmentDatagramHeaderSize + len(dg.Data)
	}
	return WholeDatagramHeaderSize + len(dg.Data)
}

func (dg *Datagram) marshal(buf *bytes.Buffer) {
	header := dg.ChannelID & 0x3F
	if dg.IsFragment() {
		header |= datagramFragmentFlag
	}
	buf.WriteByte(header)

	putID(buf, dg.SequenceID, 0)
	putU16(buf, dg.WindowParentLead)
	putU16(buf, dg.ChannelParentLead)

	if dg.IsFragment() {
		putU16(buf, dg.Fragment.Last)
		putU16(buf, dg.Fragment.Index)
	}

	putU16(buf, uint16(len(dg.Data)))
	buf.Write(dg.Data)
}

// unmarshal parses one datagram from data, returning the number of consumed
// bytes.
func (dg *Datagram) unmarshal(data []byte) (int, error) {
	if len(data) < WholeDatagramHeaderSize {
		return 0, fmt.Errorf("datagram truncated: %d bytes", len(data))
	}

	header := data[0]
	if header&0x40 != 0 {
		return 0, fmt.Errorf("datagram header has reserved bit set")
	}
	dg.ChannelID = header & 0x3F

	id, flags := getID(data[1:])
	if flags != 0 {
		return 0, fmt.Errorf("datagram sequence ID has flag bits set")
	}
	dg.SequenceID = id
	dg.WindowParentLead = getU16(data[4:])
	dg.ChannelParentLead = getU16(data[6:])

	pos := 8
	if header&datagramFragmentFlag != 0 {
		if len(data) < FragmentDatagramHeaderSize {
			return 0, fmt.Errorf("fragment datagram truncated: %d bytes", len(data))
		}
		dg.Fragment.Last = getU16(data[pos:])
		dg.Fragment.Index = getU16(data[pos+2:])
		pos += 4

		if dg.Fragment.Last == 0 {
			return 0, fmt.Errorf("fragment datagram with a single fragment")
		}
	} else {
		dg.Fragment = FragmentID{}
	}

	dataLen := int(getU16(data[pos:]))
	pos += 2
	if len(data) < pos+dataLen {
		return 0, fmt.Errorf("datagram payload truncated: %d of %d bytes", len(data)-pos, dataLen)
	}
	dg.Data = data[pos : pos+dataLen]

	if err := dg.Validate(); err != nil {
		return 0, err
	}

	return pos + dataLen, nil
}

// DataFrame carries datagrams during the data phase. The frame ID places the
// frame in the frame ID window; the nonce bit feeds the acknowledgement
// validation scheme (see AckFrame).
//
//	+--------+----------------+-------------+-----+----------+
//	| kind   | N | frame ID   | datagram    | ... | checksum |
//	| 1 byte | 3 bytes        | variable    |     | 4 bytes  |
//	+--------+----------------+-------------+-----+----------+
type DataFrame struct {
	FrameID   uint32
	Nonce     bool
	Datagrams []Datagram
}

const idNonceFlag uint8 = 0x8

func (f *DataFrame) Kind() Kind { return KindData }

func (f *DataFrame) marshalBody(buf *bytes.Buffer) {
	var flags uint8
	if f.Nonce {
		flags = idNonceFlag
	}
	putID(buf, f.FrameID, flags)

	for i := range f.Datagrams {
		f.Datagrams[i].marshal(buf)
	}
}

func (f *DataFrame) unmarshalBody(data []byte) error {
	if len(data) < 3 {
		return fmt.Errorf("DATA body has %d bytes, expected at least 3", len(data))
	}

	id, flags := getID(data)
	if flags&^idNonceFlag != 0 {
		return fmt.Errorf("DATA frame ID has reserved flag bits set")
	}
	f.FrameID = id
	f.Nonce = flags&idNonceFlag != 0

	data = data[3:]
	f.Datagrams = nil
	for len(data) > 0 {
		var dg Datagram
		n, err := dg.unmarshal(data)
		if err != nil {
			return err
		}
		f.Datagrams = append(f.Datagrams, dg)
		data = data[n:]
	}
	return nil
}

// SyncFrame repositions the receiver's windows when the sender has advanced
// beyond them, and doubles as the keepalive. It occupies a frame ID and is
// acknowledged like a Data frame.
//
//	+--------+----------------+------------------+----------+
//	| kind   | N | frame ID   | sender next ID   | checksum |
//	| 1 byte | 3 bytes        | 3 bytes          | 4 bytes  |
//	+--------+----------------+------------------+----------+
type SyncFrame struct {
	FrameID      uint32
	Nonce        bool
	SenderNextID uint32
}

func (f *SyncFrame) Kind() Kind { return KindSync }

func (f *SyncFrame) marshalBody(buf *bytes.Buffer) {
	var flags uint8
	if f.Nonce {
		flags = idNonceFlag
	}
	putID(buf, f.FrameID, flags)
	putID(buf, f.SenderNextID, 0)
}

func (f *SyncFrame) unmarshalBody(data []byte) error {
	if len(data) != 6 {
		return fmt.Errorf("SYNC body has %d bytes, expected 6", len(data))
	}

	id, flags := getID(data)
	if flags&^idNonceFlag != 0 {
		return fmt.Errorf("SYNC frame ID has reserved flag bits set")
	}
	f.FrameID = id
	f.Nonce = flags&idNonceFlag != 0

	next, flags := getID(data[3:])
	if flags != 0 {
		return fmt.Errorf("SYNC sender next ID has flag bits set")
	}
	f.SenderNextID = next
	return nil
}
