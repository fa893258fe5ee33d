package lib

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
)

// link is what a Connection needs from the socket that carries it.
type link interface {
	send(datagram []byte, to net.Addr) error
	bind(remote net.Addr)
	rememberFin(peer net.Addr, seq uint32)
	release(c *Connection)
	closed() <-chan struct{}
}

// Endpoint owns one datagram socket and hosts at most one connection at a
// time. Once the connection has a peer, datagrams from other addresses are
// ignored.
type Endpoint struct {
	core        *RdtCore
	conn        net.PacketConn
	config      *ConnectionConfig
	clock       clock.Clock
	ephemeral   bool   // closed together with its connection
	onClose     func() // runs once after the socket is closed
	mu          sync.Mutex
	active      *Connection
	remote      net.Addr
	lastPeer    net.Addr // peer of the last passively closed connection
	lastFinSeq  uint32
	closeSignal chan struct{}
	closeOnce   sync.Once
	closeErr    error
	wg          sync.WaitGroup
}

func newEndpoint(core *RdtCore, pc net.PacketConn, cfg *ConnectionConfig) *Endpoint {
	e := &Endpoint{
		core:        core,
		conn:        pc,
		config:      cfg,
		clock:       core.clock,
		closeSignal: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.readLoop()
	return e
}

// Dial actively opens a connection to remote and blocks until it is
// established.
func (e *Endpoint) Dial(ctx context.Context, remote net.Addr) (*Connection, error) {
	c, err := e.attach(remote)
	if err != nil {
		return nil, err
	}
	req := newRequest(reqActiveOpen)
	req.remote = remote
	if err := c.open(ctx, req); err != nil {
		return nil, err
	}
	return c, nil
}

// Accept waits for a peer's SYN and returns the established connection.
func (e *Endpoint) Accept(ctx context.Context) (*Connection, error) {
	c, err := e.attach(nil)
	if err != nil {
		return nil, err
	}
	if err := c.open(ctx, newRequest(reqPassiveOpen)); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Close closes the socket. A hosted connection is terminated without a
// close handshake.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closeSignal)
		e.closeErr = e.conn.Close()
		e.wg.Wait()
		if e.onClose != nil {
			e.onClose()
		}
		log.Debugf("endpoint %s closed", e.conn.LocalAddr())
	})
	return e.closeErr
}

func (e *Endpoint) attach(remote net.Addr) (*Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.closeSignal:
		return nil, ErrEndpointClosed
	default:
	}
	if e.active != nil {
		return nil, ErrEndpointBusy
	}

	c := newConnection(e, e.config, e.clock, e.core.metrics, e.conn.LocalAddr())
	if e.ephemeral {
		c.onDone = func() { e.Close() }
	}
	e.active = c
	e.remote = remote
	go c.run()
	return c, nil
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()

	size := HeaderLength + e.config.MaxSegmentSize
	for {
		buf := getDatagramBuffer(e.core.pool, size)
		n, from, err := e.conn.ReadFrom(buf.payload.Buffer())
		if err != nil {
			buf.release()
			select {
			case <-e.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("endpoint %s read error: %v", e.conn.LocalAddr(), err)
			continue
		}
		buf.payload.SetLength(n)
		e.dispatch(buf.payload.GetSlice(), from)
		buf.release()
	}
}

// dispatch routes one datagram to the hosted connection and returns after
// the connection has processed it.
func (e *Endpoint) dispatch(datagram []byte, from net.Addr) {
	e.record(from, e.conn.LocalAddr(), datagram)

	seg, err := Decode(datagram)
	if seg == nil {
		log.Debugf("dropping datagram from %s: %v", from, err)
		return
	}
	corrupt := err != nil

	e.mu.Lock()
	conn, remote := e.active, e.remote
	lastPeer, lastFinSeq := e.lastPeer, e.lastFinSeq
	e.mu.Unlock()

	if remote != nil && !sameAddr(remote, from) {
		log.Debugf("ignoring %s from %s, endpoint is bound to %s", seg.Type, from, remote)
		return
	}

	if remote == nil && !corrupt && seg.Type == SegFin && lastPeer != nil &&
		sameAddr(from, lastPeer) && seg.Sequence == lastFinSeq {
		// our FIN_ACK got lost
		if reply, err := Encode(SegFinAck, seg.Sequence, nil); err == nil {
			if err := e.send(reply, from); err != nil {
				log.Warnf("answering repeated FIN from %s: %v", from, err)
			}
		}
		return
	}

	if conn == nil {
		log.Debugf("no connection for %s from %s", seg.Type, from)
		return
	}

	conn.deliver(&inbound{
		seg:       seg,
		corrupt:   corrupt,
		from:      from,
		processed: make(chan struct{}),
	})
}

func (e *Endpoint) record(src, dst net.Addr, datagram []byte) {
	if e.core.capture != nil {
		if err := e.core.capture.Write(src, dst, datagram, e.clock.Now()); err != nil {
			log.Warnf("capture: %v", err)
		}
	}
	if e.core.config.Debug {
		log.Debugf("%s -> %s\n%s", src, dst, DumpSegment(datagram))
	}
}

func (e *Endpoint) send(datagram []byte, to net.Addr) error {
	e.record(e.conn.LocalAddr(), to, datagram)
	_, err := e.conn.WriteTo(datagram, to)
	return err
}

func (e *Endpoint) bind(remote net.Addr) {
	e.mu.Lock()
	e.remote = remote
	e.mu.Unlock()
}

func (e *Endpoint) rememberFin(peer net.Addr, seq uint32) {
	e.mu.Lock()
	e.lastPeer, e.lastFinSeq = peer, seq
	e.mu.Unlock()
}

func (e *Endpoint) release(c *Connection) {
	e.mu.Lock()
	if e.active == c {
		e.active = nil
		e.remote = nil
	}
	e.mu.Unlock()
}

func (e *Endpoint) closed() <-chan struct{} {
	return e.closeSignal
}

func sameAddr(a, b net.Addr) bool {
	return a.Network() == b.Network() && a.String() == b.String()
}
