// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"bytes"
	"testing"

	"github.com/ruft-net/ruft-go/frame"
)

type testDatagramSink struct {
	datagrams []frame.Datagram
	resends   []bool
}

func (s *testDatagramSink) sendDatagram(dg frame.Datagram, resend bool) {
	s.datagrams = append(s.datagrams, dg)
	s.resends = append(s.resends, resend)
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestPacketSenderBasic(t *testing.T) {
	ps := newPacketSender(100000, 0)
	sink := &testDatagramSink{}

	ps.enqueuePacket(testPayload(10), 0, Unreliable, 0)
	ps.enqueuePacket(testPayload(20), 1, Unreliable, 0)
	ps.enqueuePacket(testPayload(30), 0, Reliable, 0)

	if ps.pendingCount() != 3 || ps.pendingBytes() != 60 {
		t.Fatalf("pending %d packets / %d bytes, expected 3 / 60", ps.pendingCount(), ps.pendingBytes())
	}

	ps.emitDatagrams(0, sink)

	if ps.pendingCount() != 0 || ps.pendingBytes() != 0 {
		t.Fatalf("pending %d packets / %d bytes after emit", ps.pendingCount(), ps.pendingBytes())
	}
	if len(sink.datagrams) != 3 {
		t.Fatalf("emitted %d datagrams, expected 3", len(sink.datagrams))
	}

	for i, dg := range sink.datagrams {
		if dg.SequenceID != uint32(i) {
			t.Errorf("datagram %d has sequence ID %d", i, dg.SequenceID)
		}
		if dg.IsFragment() {
			t.Errorf("datagram %d unexpectedly fragmented", i)
		}
	}

	if sink.resends[0] || sink.resends[1] || !sink.resends[2] {
		t.Errorf("resend flags %v, expected [false false true]", sink.resends)
	}
}

func TestPacketSenderParentLeads(t *testing.T) {
	ps := newPacketSender(100000, 0)
	sink := &testDatagramSink{}

	// seq 0: Reliable on channel 0, no parents yet
	ps.enqueuePacket(testPayload(1), 0, Reliable, 0)
	// seq 1: channel 0 depends on seq 0 through both leads
	ps.enqueuePacket(testPayload(1), 0, Unreliable, 0)
	// seq 2: channel 1 depends on seq 0 through the window lead only
	ps.enqueuePacket(testPayload(1), 1, Unreliable, 0)
	// seq 3: Reliable on channel 0 replaces both parents
	ps.enqueuePacket(testPayload(1), 0, Reliable, 0)
	// seq 4: channel 0 depends on seq 3
	ps.enqueuePacket(testPayload(1), 0, Unreliable, 0)

	ps.emitDatagrams(0, sink)

	expected := []struct {
		window, channel uint16
	}{
		{0, 0},
		{1, 1},
		{2, 0},
		{3, 3},
		{1, 1},
	}

	for i, e := range expected {
		dg := sink.datagrams[i]
		if dg.WindowParentLead != e.window || dg.ChannelParentLead != e.channel {
			t.Errorf("datagram %d has leads (%d, %d), expected (%d, %d)",
				i, dg.WindowParentLead, dg.ChannelParentLead, e.window, e.channel)
		}
	}
}

func TestPacketSenderFragmentation(t *testing.T) {
	ps := newPacketSender(100000, 0)
	sink := &testDatagramSink{}

	data := testPayload(2*frame.MaxFragmentSize + frame.MaxFragmentSize/2)
	ps.enqueuePacket(data, 5, Reliable, 0)
	ps.emitDatagrams(0, sink)

	if len(sink.datagrams) != 3 {
		t.Fatalf("emitted %d fragments, expected 3", len(sink.datagrams))
	}

	var reassembled []byte
	for i, dg := range sink.datagrams {
		if dg.SequenceID != 0 || dg.ChannelID != 5 {
			t.Errorf("fragment %d has sequence ID %d, channel %d", i, dg.SequenceID, dg.ChannelID)
		}
		if dg.Fragment.Index != uint16(i) || dg.Fragment.Last != 2 {
			t.Errorf("fragment %d has fragment ID %v", i, dg.Fragment)
		}
		if i < 2 && len(dg.Data) != frame.MaxFragmentSize {
			t.Errorf("fragment %d has %d bytes", i, len(dg.Data))
		}
		reassembled = append(reassembled, dg.Data...)
	}

	if !bytes.Equal(reassembled, data) {
		t.Error("fragments do not reassemble to the original packet")
	}
}

func TestPacketSenderOversizeDropped(t *testing.T) {
	ps := newPacketSender(100000, 0)

	ps.enqueuePacket(testPayload(frame.MaxPacketSize+1), 0, Reliable, 0)
	ps.enqueuePacket(testPayload(10), frame.MaxChannels, Reliable, 0)

	if ps.pendingCount() != 0 {
		t.Fatalf("unsendable packets were queued")
	}
}

func TestPacketSenderAllocLimit(t *testing.T) {
	ps := newPacketSender(100, 0)
	sink := &testDatagramSink{}

	ps.enqueuePacket(testPayload(60), 0, Unreliable, 0)
	ps.enqueuePacket(testPayload(60), 0, Unreliable, 0)
	ps.emitDatagrams(0, sink)

	// The second packet exceeds the receiver's allocation and must wait
	if len(sink.datagrams) != 1 || ps.pendingCount() != 1 {
		t.Fatalf("emitted %d datagrams with %d pending, expected 1 / 1", len(sink.datagrams), ps.pendingCount())
	}

	ps.acknowledge(1)
	ps.emitDatagrams(0, sink)

	if len(sink.datagrams) != 2 || ps.pendingCount() != 0 {
		t.Fatalf("emitted %d datagrams with %d pending after acknowledgement", len(sink.datagrams), ps.pendingCount())
	}
}

func TestPacketSenderWindowLimit(t *testing.T) {
	ps := newPacketSender(1<<30, 0)
	sink := &testDatagramSink{}

	for i := uint32(0); i < MaxPacketWindowSize+10; i++ {
		ps.enqueuePacket(testPayload(1), 0, Unreliable, 0)
	}
	ps.emitDatagrams(0, sink)

	if uint32(len(sink.datagrams)) != MaxPacketWindowSize {
		t.Fatalf("emitted %d datagrams, expected %d", len(sink.datagrams), MaxPacketWindowSize)
	}
	if ps.pendingCount() != 10 {
		t.Fatalf("%d packets pending, expected 10", ps.pendingCount())
	}

	ps.acknowledge(10)
	ps.emitDatagrams(0, sink)

	if ps.pendingCount() != 0 {
		t.Fatalf("%d packets pending after window advancement", ps.pendingCount())
	}
	if last := sink.datagrams[len(sink.datagrams)-1]; last.SequenceID != MaxPacketWindowSize+9 {
		t.Fatalf("last sequence ID is %d", last.SequenceID)
	}
}

func TestPacketSenderTimeSensitiveExpiry(t *testing.T) {
	ps := newPacketSender(100000, 0)
	sink := &testDatagramSink{}

	ps.enqueuePacket(testPayload(10), 0, TimeSensitive, 0)
	ps.enqueuePacket(testPayload(10), 0, Unreliable, 0)

	// The flush the packet was enqueued for has passed
	ps.emitDatagrams(1, sink)

	if len(sink.datagrams) != 1 {
		t.Fatalf("emitted %d datagrams, expected 1", len(sink.datagrams))
	}
	if sink.datagrams[0].SequenceID != 1 {
		t.Errorf("survivor has sequence ID %d, expected 1", sink.datagrams[0].SequenceID)
	}
	if ps.pendingBytes() != 0 {
		t.Errorf("%d bytes pending after expiry", ps.pendingBytes())
	}
}

func TestPacketSenderStaleAcknowledgement(t *testing.T) {
	ps := newPacketSender(100000, 0)
	sink := &testDatagramSink{}

	ps.enqueuePacket(testPayload(10), 0, Unreliable, 0)
	ps.emitDatagrams(0, sink)

	// A base beyond the send window must be ignored
	ps.acknowledge(2)

	if ps.baseID != 0 {
		t.Fatalf("window base moved to %d on a stale acknowledgement", ps.baseID)
	}

	ps.acknowledge(1)
	if ps.baseID != 1 {
		t.Fatalf("window base is %d, expected 1", ps.baseID)
	}
	if ps.alloc != 0 {
		t.Fatalf("allocation is %d after full acknowledgement", ps.alloc)
	}
}
