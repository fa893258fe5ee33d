package lib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectionConfig holds the protocol parameters of a connection.
type ConnectionConfig struct {
	MaxSegmentSize int           // payload bytes per DATA segment
	MaxRetries     int           // retransmissions before the connection is aborted
	MaxErrors      int           // consecutive transport send failures before the connection is aborted
	HandshakeRTO   time.Duration // timeout used before any round trip was measured
	MinRTO         time.Duration // timeout floor
	MaxRTO         time.Duration // timeout ceiling
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		MaxSegmentSize: MaxSegmentSize,
		MaxRetries:     MaxRetries,
		MaxErrors:      MaxErrors,
		HandshakeRTO:   HandshakeRTO,
		MinRTO:         MinRTO,
		MaxRTO:         MaxRTO,
	}
}

func (cc *ConnectionConfig) Validate() error {
	switch {
	case cc.MaxSegmentSize <= 0 || cc.MaxSegmentSize > MaxPayloadLength:
		return fmt.Errorf("max segment size %d out of range 1-%d", cc.MaxSegmentSize, MaxPayloadLength)
	case cc.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative")
	case cc.MaxErrors < 0:
		return fmt.Errorf("max errors must not be negative")
	case cc.HandshakeRTO <= 0:
		return fmt.Errorf("handshake RTO must be positive")
	case cc.MinRTO <= 0 || cc.MinRTO > cc.MaxRTO:
		return fmt.Errorf("RTO bounds %s-%s are invalid", cc.MinRTO, cc.MaxRTO)
	}
	return nil
}

// Stats is a snapshot of a connection's counters.
type Stats struct {
	SegmentsSent     uint64
	SegmentsReceived uint64
	Retransmissions  uint64
	ChecksumFailures uint64
	BytesAcked       uint64 // payload acknowledged by the peer
	BytesReceived    uint64 // in-order payload accepted
	LastRTT          time.Duration
	RTO              time.Duration
	InitialSequence  uint32
}

type connStats struct {
	segmentsSent     atomic.Uint64
	segmentsReceived atomic.Uint64
	retransmissions  atomic.Uint64
	checksumFailures atomic.Uint64
	bytesAcked       atomic.Uint64
	bytesReceived    atomic.Uint64
	lastRTT          atomic.Int64
	rto              atomic.Int64
	isn              atomic.Uint32
}

// Connection is one RDT connection. All protocol state is owned by a single
// event loop goroutine; the exported methods talk to it through channels.
type Connection struct {
	id        string
	config    *ConnectionConfig
	link      link
	clock     clock.Clock
	metrics   *Metrics
	log       *zap.SugaredLogger
	localAddr net.Addr
	onDone    func() // runs after the loop exited

	// owned by the event loop
	state             State
	passive           bool
	opened            bool
	closing           bool // close requested before any open
	closePending      bool // close requested while DATA_SENT
	remote            net.Addr
	seqInit           uint32
	seqNo             uint32
	acked             uint32 // sender: offset acknowledged by the peer
	sendBase          uint32 // sender: offset of sendBuf[0]
	sendBuf           []byte // borrowed from the Send caller
	lastSize          int
	lastSentAt        time.Time
	retransmitted     bool // in-flight DATA is a retransmission, so no RTT sample
	fastRetransmitted bool
	finSeq            uint32
	retries           int
	sendErrors        int
	transportErr      error
	rto               *RtoEstimator
	recv              *ReceiveAssembler
	timer             *clock.Timer
	timerGen          uint64
	progress          int
	termErr           error

	// pending rendezvous
	openReq   *request
	sendReq   *request
	closeReqs []*request
	recvReqs  []*request

	requests chan *request
	inbox    chan *inbound
	timeouts chan uint64
	done     chan struct{}

	// published for other goroutines
	stateSnapshot atomic.Int32
	remoteAddr    atomic.Pointer[addrBox]
	stats         connStats

	// written once before done is closed
	finalData []byte
	finalErr  error
}

type addrBox struct {
	addr net.Addr
}

func newConnection(l link, cfg *ConnectionConfig, clk clock.Clock, metrics *Metrics, localAddr net.Addr) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:        id,
		config:    cfg,
		link:      l,
		clock:     clk,
		metrics:   metrics,
		localAddr: localAddr,
		log:       connLogger(id, localAddr, nil),
		rto:       NewRtoEstimator(cfg.HandshakeRTO, cfg.MinRTO, cfg.MaxRTO),
		recv:      newReceiveAssembler(),
		requests:  make(chan *request),
		inbox:     make(chan *inbound),
		timeouts:  make(chan uint64, 1),
		done:      make(chan struct{}),
	}
	return c
}

// Send transfers buf to the peer and blocks until every byte has been
// acknowledged or the connection failed. buf must not be modified until
// Send returns. Cancelling ctx while a segment is in flight closes the
// connection.
func (c *Connection) Send(ctx context.Context, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	req := newRequest(reqSend)
	req.buf = buf
	if err := c.submit(ctx, req); err != nil {
		return err
	}
	select {
	case r := <-req.reply:
		return r.err
	case <-ctx.Done():
		cancel := newRequest(reqCancelSend)
		cancel.target = req
		c.submit(context.Background(), cancel)
		return ctx.Err()
	}
}

// Write implements io.Writer on top of Send.
func (c *Connection) Write(p []byte) (int, error) {
	if err := c.Send(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Receive blocks until the connection is closed and returns everything the
// peer sent. If the peer did not finish with a clean FIN exchange the bytes
// collected so far are returned with an *IncompleteError.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	req := newRequest(reqReceive)
	select {
	case c.requests <- req:
	case <-c.done:
		return c.finalData, c.finalErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close starts the FIN exchange (or waits for the in-flight send first) and
// blocks until the connection is closed. It reports a failed close
// handshake; closing an already closed connection returns nil.
func (c *Connection) Close() error {
	req := newRequest(reqClose)
	select {
	case c.requests <- req:
	case <-c.done:
		return nil
	}
	r := <-req.reply
	return r.err
}

// State returns the most recently published state.
func (c *Connection) State() State {
	return State(c.stateSnapshot.Load())
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) LocalAddr() net.Addr {
	return c.localAddr
}

func (c *Connection) RemoteAddr() net.Addr {
	if b := c.remoteAddr.Load(); b != nil {
		return b.addr
	}
	return nil
}

// InitialSequence returns the sequence number agreed in the handshake.
func (c *Connection) InitialSequence() uint32 {
	return c.stats.isn.Load()
}

// Done is closed once the connection reached CLOSED and released its resources.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, nil while open or after a clean close.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.termErr
	default:
		return nil
	}
}

func (c *Connection) Stats() Stats {
	return Stats{
		SegmentsSent:     c.stats.segmentsSent.Load(),
		SegmentsReceived: c.stats.segmentsReceived.Load(),
		Retransmissions:  c.stats.retransmissions.Load(),
		ChecksumFailures: c.stats.checksumFailures.Load(),
		BytesAcked:       c.stats.bytesAcked.Load(),
		BytesReceived:    c.stats.bytesReceived.Load(),
		LastRTT:          time.Duration(c.stats.lastRTT.Load()),
		RTO:              time.Duration(c.stats.rto.Load()),
		InitialSequence:  c.stats.isn.Load(),
	}
}

// open submits an open request and waits for ESTABLISHED. A cancelled ctx
// tears the half-open connection down.
func (c *Connection) open(ctx context.Context, req *request) error {
	if err := c.submit(ctx, req); err != nil {
		return err
	}
	select {
	case r := <-req.reply:
		return r.err
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

func (c *Connection) submit(ctx context.Context, req *request) error {
	select {
	case c.requests <- req:
		return nil
	case <-c.done:
		if c.termErr != nil {
			return c.termErr
		}
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) setInitialSequence(isn uint32) {
	c.seqInit = isn
	c.stats.isn.Store(isn)
}

func (c *Connection) setRemote(addr net.Addr) {
	c.remote = addr
	c.remoteAddr.Store(&addrBox{addr: addr})
	c.log = connLogger(c.id, c.localAddr, addr)
}

func (c *Connection) noteRetransmit() {
	c.metrics.Retransmissions.Inc()
	c.stats.retransmissions.Add(1)
}

// transmit encodes and sends one segment. Send failures are counted; the
// event loop aborts the connection once they exceed MaxErrors in a row.
func (c *Connection) transmit(typ SegmentType, seq uint32, payload []byte, to net.Addr) {
	if to == nil {
		return
	}
	datagram, err := Encode(typ, seq, payload)
	if err != nil {
		c.log.Errorw("encoding segment", "type", typ, "err", err)
		return
	}
	if err := c.link.send(datagram, to); err != nil {
		c.sendErrors++
		c.log.Warnw("sending segment", "type", typ, "err", err, "errors", c.sendErrors)
		if c.sendErrors > c.config.MaxErrors && c.transportErr == nil {
			c.transportErr = &TransportError{Op: "send", Err: err}
		}
		return
	}
	c.sendErrors = 0
	c.metrics.SegmentsSent.WithLabelValues(typ.String()).Inc()
	c.stats.segmentsSent.Add(1)
}

// closeResult is what Close reports once CLOSED is reached.
func closeResult(err error) error {
	var te *TransportError
	if errors.Is(err, ErrConnectionAborted) || errors.Is(err, ErrConnectionReset) || errors.As(err, &te) {
		return err
	}
	return nil
}
