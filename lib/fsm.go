package lib

import (
	"fmt"
	"io"
	"net"

	"github.com/dustin/go-humanize"
)

// State is a connection state.
type State int32

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateEstablished
	StateDataSent
	StateFinSent
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateEstablished: "ESTABLISHED",
	StateDataSent:    "DATA_SENT",
	StateFinSent:     "FIN_SENT",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Input is anything that can drive a transition: a local request, a received
// segment classified by type, or a timer expiry.
type Input int

const (
	InputActiveOpen Input = iota
	InputPassiveOpen
	InputSend
	InputClose
	InputRcvSyn
	InputRcvSynAck
	InputRcvData
	InputRcvAck
	InputRcvFin
	InputRcvFinAck
	InputRcvRst
	InputRTO
	InputInvalid
)

var inputNames = [...]string{
	InputActiveOpen:  "ACTIVE_OPEN",
	InputPassiveOpen: "PASSIVE_OPEN",
	InputSend:        "SEND",
	InputClose:       "CLOSE",
	InputRcvSyn:      "RCV_SYN",
	InputRcvSynAck:   "RCV_SYN_ACK",
	InputRcvData:     "RCV_DATA",
	InputRcvAck:      "RCV_ACK",
	InputRcvFin:      "RCV_FIN",
	InputRcvFinAck:   "RCV_FIN_ACK",
	InputRcvRst:      "RCV_RST",
	InputRTO:         "RTO",
	InputInvalid:     "INVALID",
}

func (in Input) String() string {
	if in >= 0 && int(in) < len(inputNames) {
		return inputNames[in]
	}
	return fmt.Sprintf("Input(%d)", int(in))
}

func inputForSegment(t SegmentType) Input {
	switch t {
	case SegSyn:
		return InputRcvSyn
	case SegSynAck:
		return InputRcvSynAck
	case SegData:
		return InputRcvData
	case SegAck:
		return InputRcvAck
	case SegFin:
		return InputRcvFin
	case SegFinAck:
		return InputRcvFinAck
	case SegRst:
		return InputRcvRst
	}
	return InputInvalid
}

// event is one serialized input to the state machine.
type event struct {
	input   Input
	seg     *Segment // nil for local requests and timer expiry
	corrupt bool     // seg failed checksum verification
	from    net.Addr
}

func (ev event) isSegment() bool {
	return ev.seg != nil
}

// handle runs exactly one transition. Only the event loop calls it.
func (c *Connection) handle(ev event) {
	old := c.state

	switch {
	case ev.corrupt:
		c.handleCorrupt(ev)
	case ev.input == InputRcvRst:
		if c.state != StateClosed {
			c.terminate(ErrConnectionReset)
		}
	default:
		switch c.state {
		case StateClosed:
			c.closedState(ev)
		case StateListen:
			c.listenState(ev)
		case StateSynSent:
			c.synSentState(ev)
		case StateEstablished:
			c.establishedState(ev)
		case StateDataSent:
			c.dataSentState(ev)
		case StateFinSent:
			c.finSentState(ev)
		}
	}

	c.stateSnapshot.Store(int32(c.state))
	c.log.Debugw("fsm",
		"old_state", old,
		"input", ev.input,
		"new_state", c.state,
		"seq", seqDistance(c.seqInit, c.seqNo),
		"buf", len(c.sendBuf),
		"retries", c.retries)
}

// handleCorrupt applies the corruption policy: a damaged DATA segment while
// established is answered with the expected offset, anything else is dropped.
func (c *Connection) handleCorrupt(ev event) {
	if c.state == StateEstablished && ev.seg.Type == SegData {
		c.sendControl(SegAck, c.seqNo)
		return
	}
	c.log.Debugw("discarding corrupt segment", "type", ev.seg.Type, "state", c.state)
}

func (c *Connection) closedState(ev event) {
	switch ev.input {
	case InputActiveOpen:
		c.opened = true
		c.passive = false
		c.retries = 0
		c.rto.OnHandshakeStart()
		c.activeOpen()
	case InputPassiveOpen:
		c.opened = true
		c.passive = true
		c.state = StateListen
	default:
		c.discard(ev)
	}
}

func (c *Connection) listenState(ev event) {
	switch ev.input {
	case InputRcvSyn:
		c.setInitialSequence(ev.seg.Sequence)
		c.seqNo = c.seqInit
		c.setRemote(ev.from)
		c.link.bind(ev.from)
		c.sendControl(SegSynAck, c.seqInit)
		c.state = StateEstablished
		c.log.Infow("accepted connection", "remote", ev.from)
	case InputClose:
		c.terminate(ErrConnectionClosed)
	case InputRTO:
	default:
		if ev.isSegment() {
			c.reject(ev)
		}
	}
}

func (c *Connection) synSentState(ev event) {
	switch ev.input {
	case InputRcvSynAck:
		if ev.seg.Sequence != c.seqInit {
			// answer to an earlier SYN
			c.discard(ev)
			return
		}
		c.stopTimer()
		c.retries = 0
		c.rto.Reset()
		c.state = StateEstablished
		c.log.Infow("connection established", "isn", c.seqInit)
	case InputRTO:
		if c.retries < c.config.MaxRetries {
			c.retries++
			c.rto.OnTimeoutBackoff()
			c.noteRetransmit()
			c.activeOpen()
			return
		}
		c.sendControl(SegRst, 0)
		c.terminate(&TimeoutError{msg: fmt.Sprintf("rdt: no SYN_ACK from %s after %d attempts", c.remote, c.retries+1)})
	case InputClose:
		c.stopTimer()
		c.sendControl(SegRst, 0)
		c.terminate(ErrConnectionClosed)
	default:
		if ev.isSegment() {
			c.reject(ev)
		}
	}
}

func (c *Connection) establishedState(ev event) {
	switch ev.input {
	case InputSend:
		c.sendData(false)
	case InputRcvData:
		c.receiveData(ev.seg)
	case InputClose:
		c.sendFin()
	case InputRcvFin:
		c.receiveFin(ev.seg)
	case InputRcvSyn:
		if c.passive {
			c.duplicateSyn(ev.seg)
			return
		}
		c.discard(ev)
	case InputInvalid:
		c.reject(ev)
	default:
		c.discard(ev)
	}
}

func (c *Connection) dataSentState(ev event) {
	switch ev.input {
	case InputRcvAck:
		c.receiveAck(ev.seg)
	case InputRTO:
		c.retransmitData()
	case InputClose:
		// give up on the in-flight segment and close at what the peer has
		c.seqNo = c.acked
		c.sendBuf = nil
		c.sendFin()
	case InputInvalid:
		c.reject(ev)
	default:
		c.discard(ev)
	}
}

func (c *Connection) finSentState(ev event) {
	switch ev.input {
	case InputRcvFinAck:
		if ev.seg.Sequence != c.finSeq {
			c.discard(ev)
			return
		}
		c.stopTimer()
		c.terminate(nil)
		c.log.Infow("connection terminated gracefully")
	case InputRTO:
		if c.retries < c.config.MaxRetries {
			c.retries++
			c.rto.OnTimeoutBackoff()
			c.noteRetransmit()
			c.transmitFin()
			return
		}
		c.sendControl(SegRst, 0)
		c.terminate(&TimeoutError{msg: fmt.Sprintf("rdt: no FIN_ACK from %s after %d attempts", c.remote, c.retries+1)})
	case InputInvalid:
		c.reject(ev)
	default:
		c.discard(ev)
	}
}

// activeOpen picks a fresh initial sequence and sends SYN.
func (c *Connection) activeOpen() {
	isn, err := GenerateISN()
	if err != nil {
		c.terminate(fmt.Errorf("rdt: choosing initial sequence: %w", err))
		return
	}
	c.setInitialSequence(isn)
	c.seqNo = isn
	c.sendControl(SegSyn, isn)
	c.armTimer(c.rto.Timeout())
	c.state = StateSynSent
}

// sendData transmits the next window of the send buffer starting at seqNo.
func (c *Connection) sendData(retransmit bool) {
	off := int(seqDistance(c.sendBase, c.seqNo))
	end := off + c.config.MaxSegmentSize
	if end > len(c.sendBuf) {
		end = len(c.sendBuf)
	}
	payload := c.sendBuf[off:end]

	c.transmit(SegData, c.seqNo, payload, c.remote)
	c.lastSize = len(payload)
	c.lastSentAt = c.clock.Now()
	c.retransmitted = retransmit
	if !retransmit {
		c.fastRetransmitted = false
	}
	c.armTimer(c.rto.Timeout())

	c.seqNo = SeqIncrementBy(c.seqNo, uint32(len(payload)))
	c.state = StateDataSent
}

func (c *Connection) receiveAck(seg *Segment) {
	ack := seg.Sequence
	switch {
	case ack == c.seqNo:
		c.stopTimer()
		if !c.retransmitted {
			rtt := c.clock.Since(c.lastSentAt)
			c.rto.OnSample(rtt)
			c.metrics.RTT.Observe(rtt.Seconds())
			c.stats.lastRTT.Store(int64(rtt))
		}
		c.retries = 0
		c.advanceAcked(ack)
		if int(seqDistance(c.sendBase, c.seqNo)) < len(c.sendBuf) {
			c.sendData(false)
			return
		}
		c.sendBuf = nil
		c.state = StateEstablished

	case isGreaterOrEqual(ack, c.acked) && isLess(ack, c.seqNo):
		// the peer is still missing bytes from ack on
		if c.fastRetransmitted {
			c.discard(event{input: InputRcvAck, seg: seg})
			return
		}
		if c.retries >= c.config.MaxRetries {
			c.abortSend()
			return
		}
		c.fastRetransmitted = true
		c.retries++
		c.stopTimer()
		c.advanceAcked(ack)
		c.seqNo = ack
		c.noteRetransmit()
		c.sendData(true)

	default:
		c.discard(event{input: InputRcvAck, seg: seg})
	}
}

func (c *Connection) retransmitData() {
	if c.retries >= c.config.MaxRetries {
		c.abortSend()
		return
	}
	c.retries++
	c.rto.OnTimeoutBackoff()
	c.seqNo = c.acked
	c.noteRetransmit()
	c.sendData(true)
}

func (c *Connection) abortSend() {
	c.sendControl(SegRst, 0)
	c.terminate(&TimeoutError{msg: fmt.Sprintf("rdt: DATA at offset %d unacknowledged after %d retransmissions",
		seqDistance(c.seqInit, c.acked), c.retries)})
}

func (c *Connection) advanceAcked(ack uint32) {
	n := seqDistance(c.acked, ack)
	c.acked = ack
	c.metrics.BytesSent.Add(float64(n))
	c.stats.bytesAcked.Add(uint64(n))
	c.logProgress()
}

func (c *Connection) receiveData(seg *Segment) {
	seq, size := seg.Sequence, uint32(len(seg.Payload))

	switch {
	case seq == c.seqNo:
		c.accept(seg.Payload)

	case isLess(seq, c.seqNo):
		if isLess(seq, c.seqInit) || isLessOrEqual(SeqIncrementBy(seq, size), c.seqNo) {
			// nothing new in it
			c.sendControl(SegAck, c.seqNo)
			return
		}
		// overlaps our tail: rewind to its offset and take it whole
		c.recv.Truncate(int(seqDistance(c.seqInit, seq)))
		c.seqNo = seq
		c.accept(seg.Payload)

	default:
		// a segment before this one went missing
		c.sendControl(SegAck, c.seqNo)
	}
}

func (c *Connection) accept(payload []byte) {
	c.recv.Append(payload)
	c.seqNo = SeqIncrementBy(c.seqNo, uint32(len(payload)))
	c.metrics.BytesReceived.Add(float64(len(payload)))
	c.stats.bytesReceived.Store(uint64(c.recv.Len()))
	c.sendControl(SegAck, c.seqNo)
}

func (c *Connection) receiveFin(seg *Segment) {
	c.sendControl(SegFinAck, seg.Sequence)
	c.link.rememberFin(c.remote, seg.Sequence)
	if seg.Sequence != c.seqNo {
		c.terminate(fmt.Errorf("%w: peer closed at offset %d, expected %d", io.ErrUnexpectedEOF,
			seqDistance(c.seqInit, seg.Sequence), seqDistance(c.seqInit, c.seqNo)))
		return
	}
	c.terminate(nil)
	c.log.Infow("peer closed", "received", humanize.Bytes(uint64(c.recv.Len())))
}

// duplicateSyn answers a repeated SYN, which means our SYN_ACK was lost.
func (c *Connection) duplicateSyn(seg *Segment) {
	switch {
	case c.recv.Len() == 0 && c.seqNo == c.seqInit:
		c.setInitialSequence(seg.Sequence)
		c.seqNo = seg.Sequence
		c.sendControl(SegSynAck, c.seqInit)
	case seg.Sequence == c.seqInit:
		c.sendControl(SegSynAck, c.seqInit)
	default:
		c.discard(event{input: InputRcvSyn, seg: seg})
	}
}

func (c *Connection) sendFin() {
	c.stopTimer()
	c.retries = 0
	c.rto.OnHandshakeStart()
	c.finSeq = c.seqNo
	c.transmitFin()
	c.state = StateFinSent
}

func (c *Connection) transmitFin() {
	c.sendControl(SegFin, c.finSeq)
	c.armTimer(c.rto.Timeout())
}

// reject answers a segment that has no place in the current state with RST
// and closes.
func (c *Connection) reject(ev event) {
	c.transmit(SegRst, 0, nil, ev.from)
	c.terminate(fmt.Errorf("%w: %s segment in %s", ErrProtocolViolation, ev.seg.Type, c.state))
}

func (c *Connection) discard(ev event) {
	if ev.seg != nil {
		c.log.Debugw("discarding segment", "type", ev.seg.Type, "seq", ev.seg.Sequence, "state", c.state)
	}
}

func (c *Connection) sendControl(typ SegmentType, seq uint32) {
	c.transmit(typ, seq, nil, c.remote)
}

// terminate moves to CLOSED. err is the outcome reported to waiting callers;
// nil means a clean FIN exchange.
func (c *Connection) terminate(err error) {
	c.stopTimer()
	c.termErr = err
	c.state = StateClosed
	if err != nil {
		c.log.Infow("connection closed", "err", err)
	}
}

func (c *Connection) logProgress() {
	if len(c.sendBuf) == 0 {
		return
	}
	done := int(seqDistance(c.sendBase, c.acked))
	step := done * 10 / len(c.sendBuf)
	if step > c.progress {
		c.progress = step
		c.log.Infof("sent %d%% of %s", done*100/len(c.sendBuf), humanize.Bytes(uint64(len(c.sendBuf))))
	}
}
