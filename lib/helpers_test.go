package lib

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// memAddr names one socket of a memNet.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// hookFunc decides what becomes of a datagram: return nothing to drop it,
// a modified copy to corrupt it, or several copies to duplicate it.
type hookFunc func(from, to string, datagram []byte) [][]byte

// memNet is an in-memory datagram network with an optional fault hook.
type memNet struct {
	mu    sync.Mutex
	conns map[string]*memConn
	hook  hookFunc
}

func newMemNet() *memNet {
	return &memNet{conns: make(map[string]*memConn)}
}

func (n *memNet) setHook(h hookFunc) {
	n.mu.Lock()
	n.hook = h
	n.mu.Unlock()
}

func (n *memNet) listen(name string) *memConn {
	c := &memConn{
		net:    n,
		addr:   memAddr(name),
		in:     make(chan memDatagram, 64),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[name] = c
	n.mu.Unlock()
	return c
}

// inject delivers a datagram as if sent from `from`, bypassing the hook.
func (n *memNet) inject(from, to string, datagram []byte) {
	n.mu.Lock()
	dst := n.conns[to]
	n.mu.Unlock()
	if dst != nil {
		dst.enqueue(memAddr(from), datagram)
	}
}

type memDatagram struct {
	from memAddr
	data []byte
}

type memConn struct {
	net       *memNet
	addr      memAddr
	in        chan memDatagram
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memConn) enqueue(from memAddr, data []byte) {
	d := memDatagram{from: from, data: append([]byte(nil), data...)}
	select {
	case <-c.closed:
	case c.in <- d:
	default: // queue full, like a socket buffer overflow
	}
}

func (c *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.in:
		return copy(p, d.data), d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.net.mu.Lock()
	dst := c.net.conns[addr.String()]
	hook := c.net.hook
	c.net.mu.Unlock()

	out := [][]byte{p}
	if hook != nil {
		out = hook(string(c.addr), addr.String(), append([]byte(nil), p...))
	}
	if dst != nil {
		for _, d := range out {
			dst.enqueue(c.addr, d)
		}
	}
	return len(p), nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) LocalAddr() net.Addr                { return c.addr }
func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

func segmentType(datagram []byte) SegmentType {
	if len(datagram) < HeaderLength {
		return SegmentType(0xffff)
	}
	return SegmentType(binary.BigEndian.Uint16(datagram[offType:]))
}

// fastConnConfig keeps timeouts short so loss recovery runs in milliseconds.
func fastConnConfig() *ConnectionConfig {
	return &ConnectionConfig{
		MaxSegmentSize: MaxSegmentSize,
		MaxRetries:     6,
		MaxErrors:      MaxErrors,
		HandshakeRTO:   20 * time.Millisecond,
		MinRTO:         30 * time.Millisecond,
		MaxRTO:         400 * time.Millisecond,
	}
}

func newTestCore(t *testing.T, connConfig *ConnectionConfig) *RdtCore {
	t.Helper()
	cfg := DefaultRdtCoreConfig()
	cfg.ConnConfig = connConfig
	core, err := NewRdtCore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })
	return core
}

type sentSegment struct {
	seg *Segment
	to  net.Addr
}

// recordingLink stands in for an Endpoint when the state machine is driven
// directly.
type recordingLink struct {
	mu       sync.Mutex
	sent     []sentSegment
	bound    net.Addr
	finPeer  net.Addr
	finSeq   uint32
	released bool
	sendErr  error
	closeCh  chan struct{}
}

func newRecordingLink() *recordingLink {
	return &recordingLink{closeCh: make(chan struct{})}
}

func (l *recordingLink) send(datagram []byte, to net.Addr) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	seg, err := Decode(append([]byte(nil), datagram...))
	if err != nil {
		panic(err)
	}
	l.sent = append(l.sent, sentSegment{seg: seg, to: to})
	return nil
}

func (l *recordingLink) bind(remote net.Addr) {
	l.mu.Lock()
	l.bound = remote
	l.mu.Unlock()
}

func (l *recordingLink) rememberFin(peer net.Addr, seq uint32) {
	l.mu.Lock()
	l.finPeer, l.finSeq = peer, seq
	l.mu.Unlock()
}

func (l *recordingLink) release(c *Connection) {
	l.mu.Lock()
	l.released = true
	l.mu.Unlock()
}

func (l *recordingLink) closed() <-chan struct{} {
	return l.closeCh
}

// take returns and forgets everything sent so far.
func (l *recordingLink) take() []sentSegment {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.sent
	l.sent = nil
	return out
}

// last returns the single segment sent since the previous take.
func (l *recordingLink) last(t *testing.T) *Segment {
	t.Helper()
	sent := l.take()
	require.Len(t, sent, 1, "expected exactly one segment")
	return sent[0].seg
}

func (l *recordingLink) none(t *testing.T) {
	t.Helper()
	require.Empty(t, l.take(), "expected no segment")
}

const peer = memAddr("peer")

// newDrivenConnection returns a connection whose event loop is not running;
// tests call handle directly. The mock clock never reaches an armed timeout
// unless a test advances it that far.
func newDrivenConnection(t *testing.T) (*Connection, *recordingLink, *clock.Mock) {
	t.Helper()
	l := newRecordingLink()
	mock := clock.NewMock()
	c := newConnection(l, DefaultConnectionConfig(), mock, newMetrics(prometheus.NewRegistry()), memAddr("local"))
	return c, l, mock
}

func segEvent(typ SegmentType, seq uint32, payload []byte) event {
	return event{
		input: inputForSegment(typ),
		seg:   &Segment{Sequence: seq, Type: typ, Size: uint16(len(payload)), Payload: payload},
		from:  peer,
	}
}

// establish puts c into ESTABLISHED with the given initial sequence.
func establish(c *Connection, isn uint32, passive bool) {
	c.opened = true
	c.passive = passive
	c.setRemote(peer)
	c.setInitialSequence(isn)
	c.seqNo = isn
	c.state = StateEstablished
}

// startSend mirrors what the event loop does for a send request.
func startSend(c *Connection, buf []byte) {
	c.sendBuf = buf
	c.sendBase = c.seqNo
	c.acked = c.seqNo
	c.progress = 0
	c.handle(event{input: InputSend})
}
