// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package frame implements the wire format of the ruft protocol.
//
// Every frame is a single UDP payload. It starts with a one byte frame kind,
// followed by the kind-specific body, and ends with a 32 bit checksum over
// all preceding bytes. All multi-byte fields are big-endian. Sequence IDs
// and frame IDs are 20 bit values packed into three bytes; the upper nibble
// of the first byte carries per-field flags where noted and must be zero
// otherwise.
package frame

import (
	"bytes"
	"fmt"
)

// Frame size limits, derived from the common minimum Internet MTU.
const (
	// InternetMTU is the assumed maximum size of a deliverable IP packet.
	InternetMTU = 1500

	// UDPHeaderSize is the size of an IPv4 header plus a UDP header.
	UDPHeaderSize = 28

	// MaxFrameSize is the maximum size of a serialized frame.
	MaxFrameSize = InternetMTU - UDPHeaderSize

	// DataFrameOverhead is the serialized size of a Data frame with no
	// datagrams: kind, frame ID and checksum.
	DataFrameOverhead = 1 + 3 + 4

	// WholeDatagramHeaderSize and FragmentDatagramHeaderSize are the
	// serialized sizes of a datagram header, excluding payload data.
	WholeDatagramHeaderSize    = 10
	FragmentDatagramHeaderSize = 14

	// MaxFragmentSize is the maximum payload of a single fragment, chosen
	// so that one fragment always fits a Data frame.
	MaxFragmentSize = MaxFrameSize - DataFrameOverhead - FragmentDatagramHeaderSize

	// MaxFragmentCount limits the 16 bit fragment index space.
	MaxFragmentCount = 1 << 16

	// MaxPacketSize is the maximum size of a fragmented application packet.
	MaxPacketSize = MaxFragmentSize * MaxFragmentCount

	// MaxChannels is the number of logical channels per connection.
	MaxChannels = 64
)

// ProtocolVersion is negotiated during the handshake. Endpoints speaking a
// different version refuse the connection.
const ProtocolVersion uint8 = 0x01

// Kind identifies a frame variant on the wire.
type Kind uint8

const (
	KindHandshakeSyn    Kind = 0x00
	KindHandshakeSynAck Kind = 0x01
	KindHandshakeAck    Kind = 0x02
	KindHandshakeError  Kind = 0x03
	KindDisconnect      Kind = 0x04
	KindDisconnectAck   Kind = 0x05
	KindData            Kind = 0x06
	KindSync            Kind = 0x07
	KindAck             Kind = 0x08
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeSyn:
		return "HANDSHAKE_SYN"
	case KindHandshakeSynAck:
		return "HANDSHAKE_SYN_ACK"
	case KindHandshakeAck:
		return "HANDSHAKE_ACK"
	case KindHandshakeError:
		return "HANDSHAKE_ERROR"
	case KindDisconnect:
		return "DISCONNECT"
	case KindDisconnectAck:
		return "DISCONNECT_ACK"
	case KindData:
		return "DATA"
	case KindSync:
		return "SYNC"
	case KindAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%#02x)", uint8(k))
	}
}

// Frame is the interface of all wire frame variants.
type Frame interface {
	Kind() Kind

	marshalBody(buf *bytes.Buffer)
	unmarshalBody(data []byte) error
}

// Marshal serializes a frame, appending the frame checksum.
func Marshal(f Frame) []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(f.Kind()))
	f.marshalBody(&buf)

	return appendChecksum(buf.Bytes())
}

// Unmarshal parses a received buffer into a frame. The checksum is verified
// before the body is inspected; a buffer failing verification or containing
// a structurally invalid body yields an error and no frame.
func Unmarshal(data []byte) (Frame, error) {
	body, err := verifyChecksum(data)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, fmt.Errorf("frame too short: no kind byte")
	}

	var f Frame
	switch Kind(body[0]) {
	case KindHandshakeSyn:
		f = &HandshakeSynFrame{}
	case KindHandshakeSynAck:
		f = &HandshakeSynAckFrame{}
	case KindHandshakeAck:
		f = &HandshakeAckFrame{}
	case KindHandshakeError:
		f = &HandshakeErrorFrame{}
	case KindDisconnect:
		f = &DisconnectFrame{}
	case KindDisconnectAck:
		f = &DisconnectAckFrame{}
	case KindData:
		f = &DataFrame{}
	case KindSync:
		f = &SyncFrame{}
	case KindAck:
		f = &AckFrame{}
	default:
		return nil, fmt.Errorf("unknown frame kind %#02x", body[0])
	}

	if err := f.unmarshalBody(body[1:]); err != nil {
		return nil, err
	}
	return f, nil
}

// putID appends a 20 bit ID as three bytes, storing flags in the upper
// nibble of the first byte.
func putID(buf *bytes.Buffer, id uint32, flags uint8) {
	buf.WriteByte(flags<<4 | uint8(id>>16)&0x0F)
	buf.WriteByte(uint8(id >> 8))
	buf.WriteByte(uint8(id))
}

// getID reads a three byte 20 bit ID plus its flags nibble.
func getID(data []byte) (id uint32, flags uint8) {
	id = uint32(data[0]&0x0F)<<16 | uint32(data[1])<<8 | uint32(data[2])
	flags = data[0] >> 4
	return
}

func putU16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(uint8(v >> 8))
	buf.WriteByte(uint8(v))
}

func getU16(data []byte) uint16 {
	return uint16(data[0])<<8 | uint16(data[1])
}

func putU32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(uint8(v >> 24))
	buf.WriteByte(uint8(v >> 16))
	buf.WriteByte(uint8(v >> 8))
	buf.WriteByte(uint8(v))
}

func getU32(data []byte) uint32 {
	return uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
}
