package lib

import (
	"errors"
	"fmt"
	"net"
	"time"
)

type requestKind int

const (
	reqActiveOpen requestKind = iota
	reqPassiveOpen
	reqSend
	reqCancelSend
	reqClose
	reqReceive
)

// request is a local call waiting for the state machine to reach a
// rendezvous state.
type request struct {
	kind   requestKind
	remote net.Addr // reqActiveOpen
	buf    []byte   // reqSend
	target *request // reqCancelSend
	reply  chan reply
}

type reply struct {
	data []byte
	err  error
}

func newRequest(kind requestKind) *request {
	return &request{kind: kind, reply: make(chan reply, 1)}
}

// inbound is a decoded datagram handed over by the endpoint reader. The
// reader keeps the underlying buffer until processed is closed.
type inbound struct {
	seg       *Segment
	corrupt   bool
	from      net.Addr
	processed chan struct{}
}

// deliver hands a segment to the event loop and waits until it has been
// processed. It reports false if the connection is already gone.
func (c *Connection) deliver(in *inbound) bool {
	select {
	case c.inbox <- in:
	case <-c.done:
		return false
	}
	select {
	case <-in.processed:
	case <-c.done:
	}
	return true
}

// run is the connection's event loop. Requests, segments and timer expiries
// are taken one at a time and each runs its transition to completion.
func (c *Connection) run() {
	defer c.shutdown()

	linkClosed := c.link.closed()
	for {
		select {
		case req := <-c.requests:
			c.handleRequest(req)
		case in := <-c.inbox:
			c.handleSegment(in)
			close(in.processed)
		case gen := <-c.timeouts:
			if gen != c.timerGen {
				continue // stopped or re-armed since it fired
			}
			c.timer = nil
			c.handle(event{input: InputRTO})
		case <-linkClosed:
			if c.state != StateClosed {
				c.terminate(ErrEndpointClosed)
			}
			return
		}

		c.settle()
		if c.state == StateClosed && (c.opened || c.closing) {
			return
		}
	}
}

func (c *Connection) handleRequest(req *request) {
	switch req.kind {
	case reqActiveOpen, reqPassiveOpen:
		if c.opened || c.openReq != nil {
			req.reply <- reply{err: fmt.Errorf("rdt: connection already opened")}
			return
		}
		c.openReq = req
		if req.kind == reqActiveOpen {
			c.setRemote(req.remote)
			c.handle(event{input: InputActiveOpen})
		} else {
			c.handle(event{input: InputPassiveOpen})
		}

	case reqSend:
		if c.state != StateEstablished || c.sendReq != nil {
			req.reply <- reply{err: ErrNotEstablished}
			return
		}
		c.sendReq = req
		c.sendBuf = req.buf
		c.sendBase = c.seqNo
		c.acked = c.seqNo
		c.progress = 0
		c.handle(event{input: InputSend})

	case reqCancelSend:
		if c.sendReq == nil || c.sendReq != req.target {
			return
		}
		c.sendReq = nil
		if c.state == StateDataSent {
			c.closePending = false
			c.handle(event{input: InputClose})
		}

	case reqClose:
		c.closeReqs = append(c.closeReqs, req)
		switch c.state {
		case StateClosed:
			c.closing = true
		case StateDataSent:
			c.closePending = true
		case StateFinSent:
		default:
			c.handle(event{input: InputClose})
		}

	case reqReceive:
		c.recvReqs = append(c.recvReqs, req)
	}
}

func (c *Connection) handleSegment(in *inbound) {
	if in.corrupt {
		c.metrics.ChecksumFailures.Inc()
		c.stats.checksumFailures.Add(1)
	} else {
		c.metrics.SegmentsReceived.WithLabelValues(in.seg.Type.String()).Inc()
		c.stats.segmentsReceived.Add(1)
	}
	c.handle(event{
		input:   inputForSegment(in.seg.Type),
		seg:     in.seg,
		corrupt: in.corrupt,
		from:    in.from,
	})
}

// settle runs after every transition: it enforces the transport error
// budget, answers callers whose rendezvous state was reached and applies a
// close that was queued behind a send.
func (c *Connection) settle() {
	if c.transportErr != nil && c.state != StateClosed {
		c.terminate(c.transportErr)
	}
	c.resolve()

	if c.closePending && c.state != StateDataSent {
		c.closePending = false
		if c.state == StateEstablished {
			c.handle(event{input: InputClose})
			c.resolve()
		}
	}
}

func (c *Connection) resolve() {
	switch c.state {
	case StateEstablished:
		c.answer(&c.openReq, reply{})
		c.answer(&c.sendReq, reply{})
	case StateFinSent:
		c.answer(&c.sendReq, reply{err: ErrConnectionClosed})
	case StateClosed:
		if !c.opened && !c.closing {
			return
		}
		err := c.termErr
		if err == nil {
			err = ErrConnectionClosed
		}
		c.answer(&c.openReq, reply{err: err})
		c.answer(&c.sendReq, reply{err: err})

		c.finish()
		for _, req := range c.closeReqs {
			req.reply <- reply{err: closeResult(c.termErr)}
		}
		c.closeReqs = nil
		for _, req := range c.recvReqs {
			req.reply <- reply{data: c.finalData, err: c.finalErr}
		}
		c.recvReqs = nil
	}
}

func (c *Connection) answer(slot **request, r reply) {
	if *slot != nil {
		(*slot).reply <- r
		*slot = nil
	}
}

// finish fixes the Receive result once.
func (c *Connection) finish() {
	if c.finalData != nil {
		return
	}
	c.finalData = c.recv.Finalize()
	if c.termErr != nil {
		c.finalErr = &IncompleteError{Received: len(c.finalData), Err: c.termErr}
	}
}

func (c *Connection) shutdown() {
	c.stopTimer()
	if c.state != StateClosed {
		c.terminate(ErrConnectionClosed)
	}
	c.closing = true
	c.stateSnapshot.Store(int32(StateClosed))

	// free the endpoint before waking callers so it can host the next connection
	c.link.release(c)
	c.resolve()
	c.metrics.Connections.WithLabelValues(outcome(c.termErr)).Inc()
	close(c.done)

	if c.onDone != nil {
		c.onDone()
	}
}

func outcome(err error) string {
	var te *TransportError
	switch {
	case err == nil:
		return "clean"
	case errors.Is(err, ErrConnectionReset):
		return "reset"
	case errors.Is(err, ErrConnectionAborted):
		return "aborted"
	case errors.Is(err, ErrProtocolViolation):
		return "violation"
	case errors.As(err, &te):
		return "transport"
	}
	return "closed"
}

// armTimer (re)starts the retransmission timer. A timer that fires after
// being stopped or re-armed carries a stale generation and is ignored.
func (c *Connection) armTimer(d time.Duration) {
	c.stopTimer()
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(d, func() {
		select {
		case c.timeouts <- gen:
		case <-c.done:
		}
	})
	c.metrics.RTO.Set(d.Seconds())
	c.stats.rto.Store(int64(d))
}

func (c *Connection) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}
