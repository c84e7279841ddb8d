// SPDX-FileCopyrightText: 2026 The ruft-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transfer

import (
	"github.com/ruft-net/ruft-go/frame"
	"github.com/ruft-net/ruft-go/transfer/tfrc"
)

// Config carries the data phase parameters agreed during the handshake. The
// base IDs are derived from the handshake nonces, coupling the ID spaces of
// a connection to its handshake.
type Config struct {
	// TxAlloc is the peer's receive allocation limit in bytes.
	TxAlloc int
	// RxAlloc is the local receive allocation limit in bytes.
	RxAlloc int

	TxBaseID uint32
	RxBaseID uint32

	// TxRateLimit caps the send rate in bytes per second, negotiated as the
	// minimum of the local send limit and the peer's receive limit. Zero
	// means no cap.
	TxRateLimit uint32
}

// Engine implements the data phase of a single connection. It owns the send
// and receive windows, retransmission, acknowledgement handling and the
// TFRC send rate.
//
// The Engine performs no I/O and keeps no clock. The caller supplies the
// current time in milliseconds, monotonic and starting near zero, to Step
// and Flush. Step performs the time-driven work and earns sending credit;
// Flush only spends credit already earned, so calling it repeatedly does
// not inflate the send rate.
type Engine struct {
	packetSender   *packetSender
	packetReceiver *packetReceiver

	frameQueue    *frameQueue
	frameAckQueue frameAckQueue
	frameWindow   *frameWindow

	sendRate    *tfrc.SendRateComp
	txRateLimit uint32

	lastStepMS  uint64
	haveStepped bool

	flushAlloc int
	flushID    uint32
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		packetSender:   newPacketSender(cfg.TxAlloc, cfg.TxBaseID),
		packetReceiver: newPacketReceiver(cfg.RxAlloc, cfg.RxBaseID),

		frameQueue:  newFrameQueue(cfg.TxBaseID),
		frameWindow: newFrameWindow(cfg.TxBaseID),

		sendRate:    tfrc.NewSendRateComp(cfg.TxBaseID),
		txRateLimit: cfg.TxRateLimit,

		flushAlloc: frame.MaxFrameSize,
	}
}

// Send queues a packet for transmission. Packets which can never be sent,
// because they exceed the maximum packet size or the peer's allocation
// limit, are dropped silently.
func (e *Engine) Send(data []byte, channelID uint8, mode SendMode) {
	e.packetSender.enqueuePacket(data, channelID, mode, e.flushID)
}

// IsSendPending reports whether any queued data awaits transmission or
// acknowledgement.
func (e *Engine) IsSendPending() bool {
	return e.packetSender.pendingCount() != 0 || e.frameQueue.pendingCount() != 0
}

// PendingBytes returns the total payload bytes awaiting delivery, counting
// packets not yet emitted and datagrams awaiting acknowledgement.
func (e *Engine) PendingBytes() int {
	return e.packetSender.pendingBytes() + e.frameQueue.pendingBytes()
}

// Receive hands completed packets to the sink in delivery order.
func (e *Engine) Receive(sink PacketSink) {
	e.packetReceiver.receive(sink)
}

// RTTMillis returns the smoothed round trip time estimate, or false before
// the first acknowledgement.
func (e *Engine) RTTMillis() (uint64, bool) {
	return e.sendRate.RTTMillis()
}

// HandleDataFrame accepts an incoming data frame. Duplicated frames,
// retransmissions included, are processed at most once.
func (e *Engine) HandleDataFrame(f *frame.DataFrame) {
	if !e.frameWindow.accept(f.FrameID) {
		return
	}

	e.frameAckQueue.markSeen(f.FrameID, f.Nonce)

	for _, dg := range f.Datagrams {
		e.packetReceiver.handleDatagram(dg)
	}
}

// HandleSyncFrame repositions the receive window to match the sender. The
// frame ID window follows along through the frame's own ID, keeping the two
// windows coupled.
func (e *Engine) HandleSyncFrame(f *frame.SyncFrame) {
	if !e.frameWindow.accept(f.FrameID) {
		return
	}

	e.frameAckQueue.markSeen(f.FrameID, f.Nonce)
	e.packetReceiver.resynchronize(f.SenderNextID)
}

// HandleAckFrame validates the frame's ack groups against the logged
// nonces. Only when at least one group proves genuine are the reported
// window bases applied, so forged feedback cannot advance the sender's
// state.
func (e *Engine) HandleAckFrame(f *frame.AckFrame) {
	anyValid := false

	for _, ack := range f.FrameAcks {
		if e.sendRate.AcknowledgeGroup(ack) {
			e.frameQueue.acknowledgeFrames(ack)
			anyValid = true
		}
	}

	if anyValid {
		e.packetSender.acknowledge(f.PacketWindowBaseID)
		e.frameQueue.forgetFramesBefore(f.FrameWindowBaseID)
	}
}

// Step performs the periodic time-driven work: expiring old frame records,
// advancing the send rate computation and earning sending credit, then
// emitting as many frames as the credit allows.
func (e *Engine) Step(nowMS uint64, sink FrameSink) {
	rttMS := e.rttOrDefault()

	var forgetThresh uint64
	if nowMS > 4*rttMS {
		forgetThresh = nowMS - 4*rttMS
	}
	e.frameQueue.forgetFrames(forgetThresh)
	e.sendRate.ForgetFrames(forgetThresh)

	e.sendRate.Step(nowMS)

	// Earn credit for the time passed since the last step, capped at one
	// RTT worth of data
	if e.haveStepped && nowMS > e.lastStepMS {
		sendRate := e.sendRate.SendRate()
		if e.txRateLimit != 0 && sendRate > float64(e.txRateLimit) {
			sendRate = float64(e.txRateLimit)
		}
		rttS, _ := e.sendRate.RTTSeconds()

		deltaS := float64(nowMS-e.lastStepMS) / 1000.0
		newBytes := int(sendRate*deltaS + 0.5)

		allocMax := int(sendRate*rttS + 0.5)
		if allocMax < frame.MaxFrameSize {
			allocMax = frame.MaxFrameSize
		}

		e.flushAlloc += newBytes
		if e.flushAlloc > allocMax {
			e.flushAlloc = allocMax
		}
	}
	e.lastStepMS = nowMS
	e.haveStepped = true

	e.emit(nowMS, sink)
}

// Flush emits pending acknowledgements and as much queued data as the
// sending credit earned by previous steps allows. It advances no timers and
// earns no credit.
func (e *Engine) Flush(nowMS uint64, sink FrameSink) {
	e.emit(nowMS, sink)
}

// EmitSync sends a sync frame advertising the sender's window position,
// keeping an idle connection's windows coupled and its peer's timeout at
// bay.
func (e *Engine) EmitSync(nowMS uint64, sink FrameSink) {
	data, frameID, nonce, err := e.frameQueue.emitSyncFrame(nowMS, e.packetSender.nextSequenceID())
	if err != nil {
		return
	}

	sink.SendFrame(data)
	e.sendRate.LogFrame(frameID, nonce, len(data), nowMS)
}

func (e *Engine) rttOrDefault() uint64 {
	if rtt, ok := e.sendRate.RTTMillis(); ok {
		return rtt
	}
	return 100
}

func (e *Engine) emit(nowMS uint64, sink FrameSink) {
	e.emitAcks(sink)

	e.packetSender.emitDatagrams(e.flushID, (*frameQueueSink)(e.frameQueue))

	rttMS := e.rttOrDefault()

	for {
		sizeLimit := e.flushAlloc
		if sizeLimit > frame.MaxFrameSize {
			sizeLimit = frame.MaxFrameSize
		}

		data, frameID, nonce, err := e.frameQueue.emitFrame(nowMS, rttMS, sizeLimit)
		if err != nil {
			if err == errSizeLimited {
				e.sendRate.LogRateLimited()
			}
			break
		}

		sink.SendFrame(data)
		e.flushAlloc -= len(data)
		e.sendRate.LogFrame(frameID, nonce, len(data), nowMS)
	}

	e.flushID++
}

// emitAcks drains the pending ack groups into a single ack frame, sent
// outside the credit accounting so that delivery confirmation is never
// delayed by the shaper.
func (e *Engine) emitAcks(sink FrameSink) {
	if e.frameAckQueue.pendingCount() == 0 {
		return
	}

	f := frame.AckFrame{
		FrameWindowBaseID:  e.frameWindow.baseID,
		PacketWindowBaseID: e.packetReceiver.windowBaseID(),
	}

	for {
		ack, ok := e.frameAckQueue.pop()
		if !ok {
			break
		}
		f.FrameAcks = append(f.FrameAcks, ack)

		if len(f.FrameAcks) == frame.MaxFrameAcksPerFrame {
			sink.SendFrame(frame.Marshal(&f))
			f.FrameAcks = f.FrameAcks[:0]
		}
	}

	if len(f.FrameAcks) > 0 {
		sink.SendFrame(frame.Marshal(&f))
	}
}

// frameQueueSink adapts the frame queue to the packet sender's datagram
// output.
type frameQueueSink frameQueue

func (s *frameQueueSink) sendDatagram(dg frame.Datagram, resend bool) {
	(*frameQueue)(s).enqueueDatagram(dg, resend)
}
