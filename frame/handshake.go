// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package frame

import (
	"bytes"
	"fmt"
)

// The connection handshake is a three-way exchange:
//
//	initiator                     listener
//	    |------ HANDSHAKE_SYN ------->|
//	    |<---- HANDSHAKE_SYN_ACK -----|
//	    |------ HANDSHAKE_ACK ------->|
//
// Both sides contribute a random nonce which the opposite side must echo,
// so neither a spoofed source address nor a replayed frame can complete a
// handshake. The listener allocates no connection state until the final
// HANDSHAKE_ACK validates, and its replies to an unconfirmed SYN are small
// and bounded in number, keeping the reply amplification of a spoofed SYN
// low. The nonces double as the initial frame ID and sequence ID bases of
// the data phase (masked to 20 bits).

// HandshakeErrorKind enumerates the reasons a listener may refuse a
// connection attempt.
type HandshakeErrorKind uint8

const (
	// HandshakeErrorVersion signals a protocol version mismatch.
	HandshakeErrorVersion HandshakeErrorKind = 0x00

	// HandshakeErrorFull signals that the listener accepts no further
	// connections.
	HandshakeErrorFull HandshakeErrorKind = 0x01

	// HandshakeErrorParameter signals unacceptable connection parameters,
	// e.g. a maximum packet size exceeding the local receive allocation.
	HandshakeErrorParameter HandshakeErrorKind = 0x02
)

func (k HandshakeErrorKind) String() string {
	switch k {
	case HandshakeErrorVersion:
		return "version mismatch"
	case HandshakeErrorFull:
		return "server full"
	case HandshakeErrorParameter:
		return "invalid parameter"
	default:
		return fmt.Sprintf("unknown error %#02x", uint8(k))
	}
}

// HandshakeSynFrame opens a connection attempt.
//
//	+---------+---------+-------------+---------------+---------------+-----------------+----------+
//	|  kind 1 | version | nonce       | max recv rate | max pkt size  | max recv alloc  | checksum |
//	|  byte   | 1 byte  | 4 bytes     | 4 bytes       | 4 bytes       | 4 bytes         | 4 bytes  |
//	+---------+---------+-------------+---------------+---------------+-----------------+----------+
type HandshakeSynFrame struct {
	Version         uint8
	Nonce           uint32
	MaxReceiveRate  uint32
	MaxPacketSize   uint32
	MaxReceiveAlloc uint32
}

func (f *HandshakeSynFrame) Kind() Kind { return KindHandshakeSyn }

func (f *HandshakeSynFrame) marshalBody(buf *bytes.Buffer) {
	buf.WriteByte(f.Version)
	putU32(buf, f.Nonce)
	putU32(buf, f.MaxReceiveRate)
	putU32(buf, f.MaxPacketSize)
	putU32(buf, f.MaxReceiveAlloc)
}

func (f *HandshakeSynFrame) unmarshalBody(data []byte) error {
	if len(data) != 17 {
		return fmt.Errorf("HANDSHAKE_SYN body has %d bytes, expected 17", len(data))
	}
	f.Version = data[0]
	f.Nonce = getU32(data[1:])
	f.MaxReceiveRate = getU32(data[5:])
	f.MaxPacketSize = getU32(data[9:])
	f.MaxReceiveAlloc = getU32(data[13:])
	return nil
}

// HandshakeSynAckFrame answers a HandshakeSynFrame, echoing its nonce and
// contributing the listener's own.
type HandshakeSynAckFrame struct {
	NonceAck        uint32
	Nonce           uint32
	MaxReceiveRate  uint32
	MaxPacketSize   uint32
	MaxReceiveAlloc uint32
}

func (f *HandshakeSynAckFrame) Kind() Kind { return KindHandshakeSynAck }

func (f *HandshakeSynAckFrame) marshalBody(buf *bytes.Buffer) {
	putU32(buf, f.NonceAck)
	putU32(buf, f.Nonce)
	putU32(buf, f.MaxReceiveRate)
	putU32(buf, f.MaxPacketSize)
	putU32(buf, f.MaxReceiveAlloc)
}

func (f *HandshakeSynAckFrame) unmarshalBody(data []byte) error {
	if len(data) != 20 {
		return fmt.Errorf("HANDSHAKE_SYN_ACK body has %d bytes, expected 20", len(data))
	}
	f.NonceAck = getU32(data)
	f.Nonce = getU32(data[4:])
	f.MaxReceiveRate = getU32(data[8:])
	f.MaxPacketSize = getU32(data[12:])
	f.MaxReceiveAlloc = getU32(data[16:])
	return nil
}

// HandshakeAckFrame completes the handshake by echoing the listener's nonce.
type HandshakeAckFrame struct {
	NonceAck uint32
}

func (f *HandshakeAckFrame) Kind() Kind { return KindHandshakeAck }

func (f *HandshakeAckFrame) marshalBody(buf *bytes.Buffer) {
	putU32(buf, f.NonceAck)
}

func (f *HandshakeAckFrame) unmarshalBody(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("HANDSHAKE_ACK body has %d bytes, expected 4", len(data))
	}
	f.NonceAck = getU32(data)
	return nil
}

// HandshakeErrorFrame refuses a connection attempt.
type HandshakeErrorFrame struct {
	Error HandshakeErrorKind
}

func (f *HandshakeErrorFrame) Kind() Kind { return KindHandshakeError }

func (f *HandshakeErrorFrame) marshalBody(buf *bytes.Buffer) {
	buf.WriteByte(uint8(f.Error))
}

func (f *HandshakeErrorFrame) unmarshalBody(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("HANDSHAKE_ERROR body has %d bytes, expected 1", len(data))
	}
	f.Error = HandshakeErrorKind(data[0])
	return nil
}

// DisconnectFrame requests an orderly teardown. It is repeated until a
// DisconnectAckFrame arrives or the sender gives up.
type DisconnectFrame struct{}

func (f *DisconnectFrame) Kind() Kind                  { return KindDisconnect }
func (f *DisconnectFrame) marshalBody(_ *bytes.Buffer) {}

func (f *DisconnectFrame) unmarshalBody(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("DISCONNECT body has %d bytes, expected 0", len(data))
	}
	return nil
}

// DisconnectAckFrame confirms a DisconnectFrame.
type DisconnectAckFrame struct{}

func (f *DisconnectAckFrame) Kind() Kind                  { return KindDisconnectAck }
func (f *DisconnectAckFrame) marshalBody(_ *bytes.Buffer) {}

func (f *DisconnectAckFrame) unmarshalBody(data []byte) error {
	if len(data) != 0 {
		return fmt.Errorf("DISCONNECT_ACK body has %d bytes, expected 0", len(data))
	}
	return nil
}
