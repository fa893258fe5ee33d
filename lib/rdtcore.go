package lib

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

type RdtCoreConfig struct {
	PayloadPoolSize      int               // number of datagram buffers in the ring pool, 0 disables the pool
	PoolDebug            bool              // ring pool debug setting
	ProcessTimeThreshold int               // ring pool element hold time warning threshold in ms
	ClientPortLower      int               // lowest local port used by DialRdt
	ClientPortUpper      int               // highest local port used by DialRdt
	TOS                  int               // IPv4 TOS for new sockets, 0 keeps the system default
	TTL                  int               // IPv4 TTL for new sockets, 0 keeps the system default
	CaptureFile          string            // pcap file receiving every datagram, empty disables capture
	Debug                bool              // dump every datagram at debug level
	Clock                clock.Clock       // time source, the wall clock when nil
	ConnConfig           *ConnectionConfig // protocol parameters of every connection
}

func DefaultRdtCoreConfig() *RdtCoreConfig {
	return &RdtCoreConfig{
		PayloadPoolSize:      16,
		ProcessTimeThreshold: 10,
		ClientPortLower:      32768,
		ClientPortUpper:      60999,
		ConnConfig:           DefaultConnectionConfig(),
	}
}

// RdtCore holds what endpoints share: the receive buffer pool, the client
// port pool, metrics and the optional packet capture.
type RdtCore struct {
	config         *RdtCoreConfig
	clock          clock.Clock
	pool           *rp.RingPool
	portPool       *PortPool
	registry       *prometheus.Registry
	metrics        *Metrics
	capture        *Capture
	capturePorts   map[int]struct{} // server ports registered with gopacket, guarded by mu
	mu             sync.Mutex
	endpoints      map[*Endpoint]struct{}
	endpointClosed chan *Endpoint
	closeSignal    chan struct{}  // used to stop the bookkeeping goroutine
	closeOnce      sync.Once
	closeErr       error
	wg             sync.WaitGroup // WaitGroup to synchronize goroutines
}

func NewRdtCore(config *RdtCoreConfig) (*RdtCore, error) {
	if config.ConnConfig == nil {
		config.ConnConfig = DefaultConnectionConfig()
	}
	if err := config.ConnConfig.Validate(); err != nil {
		return nil, err
	}

	portPool, err := newPortPool(config.ClientPortLower, config.ClientPortUpper)
	if err != nil {
		return nil, err
	}

	p := &RdtCore{
		config:         config,
		clock:          config.Clock,
		portPool:       portPool,
		registry:       prometheus.NewRegistry(),
		endpoints:      make(map[*Endpoint]struct{}),
		endpointClosed: make(chan *Endpoint),
		closeSignal:    make(chan struct{}),
	}
	if p.clock == nil {
		p.clock = clock.New()
	}
	p.metrics = newMetrics(p.registry)

	if config.CaptureFile != "" {
		if p.capture, err = NewCapture(config.CaptureFile); err != nil {
			return nil, fmt.Errorf("opening capture file: %w", err)
		}
	}

	if config.PayloadPoolSize > 0 {
		rp.Debug = config.PoolDebug
		p.pool = rp.NewRingPool("RDT: ", config.PayloadPoolSize, NewPayload, HeaderLength+config.ConnConfig.MaxSegmentSize)
		p.pool.Debug = config.PoolDebug
		p.pool.ProcessTimeThreshold = time.Duration(config.ProcessTimeThreshold) * time.Millisecond
	}

	p.wg.Add(1)
	go p.handleClosedEndpoints()

	log.Info("rdt core started")
	return p, nil
}

// registerCapturePort makes captured traffic to and from a server port decode
// as RDT. gopacket's port table is process wide and has no removal, so client
// ports are never registered: the server side of a datagram is enough.
func (p *RdtCore) registerCapturePort(port int) {
	if p.capture == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.capturePorts[port]; ok {
		return
	}
	if p.capturePorts == nil {
		p.capturePorts = make(map[int]struct{})
	}
	p.capturePorts[port] = struct{}{}
	RegisterRDTPort(port)
}

// NewEndpoint runs an endpoint on an already open datagram socket. The
// endpoint takes ownership of pc.
func (p *RdtCore) NewEndpoint(pc net.PacketConn) *Endpoint {
	return p.addEndpoint(newEndpoint(p, pc, p.config.ConnConfig))
}

// ListenRdt opens a UDP endpoint on ip:port for Accept. Port 0 picks a free port.
func (p *RdtCore) ListenRdt(ip string, port int) (*Endpoint, error) {
	pc, err := listenUDP(ip, port, p.config.TOS, p.config.TTL)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	p.registerCapturePort(pc.LocalAddr().(*net.UDPAddr).Port)
	e := p.NewEndpoint(pc)
	log.Infof("listening at %s", pc.LocalAddr())
	return e, nil
}

// DialRdt connects to serverIP:serverPort from a port taken out of the
// client port pool. An empty localIP selects an address facing the server.
// The endpoint is closed and its port returned when the connection ends.
func (p *RdtCore) DialRdt(ctx context.Context, localIP, serverIP string, serverPort int) (*Connection, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(serverIP, strconv.Itoa(serverPort)))
	if err != nil {
		return nil, err
	}
	if localIP == "" {
		if localIP, err = findLocalIP(serverAddr.IP.String()); err != nil {
			return nil, err
		}
	}

	var pc net.PacketConn
	var port int
	for attempt := 0; attempt < 3; attempt++ {
		if port, err = p.portPool.allocatePort(); err != nil {
			return nil, err
		}
		if pc, err = listenUDP(localIP, port, p.config.TOS, p.config.TTL); err == nil {
			break
		}
		log.Debugf("local port %d unavailable: %v", port, err)
		p.portPool.returnPort(port)
	}
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}
	p.registerCapturePort(serverPort)

	e := newEndpoint(p, pc, p.config.ConnConfig)
	e.ephemeral = true
	e.onClose = func() {
		if err := p.portPool.returnPort(port); err != nil {
			log.Warnf("returning port %d: %v", port, err)
		}
		p.endpointDone(e)
	}
	p.addEndpoint(e)

	conn, err := e.Dial(ctx, serverAddr)
	if err != nil {
		e.Close()
		return nil, err
	}
	return conn, nil
}

func (p *RdtCore) Metrics() *Metrics {
	return p.metrics
}

// Gatherer exposes the core's metrics registry, e.g. to promhttp.
func (p *RdtCore) Gatherer() prometheus.Gatherer {
	return p.registry
}

func (p *RdtCore) addEndpoint(e *Endpoint) *Endpoint {
	if e.onClose == nil {
		e.onClose = func() { p.endpointDone(e) }
	}
	p.mu.Lock()
	p.endpoints[e] = struct{}{}
	p.mu.Unlock()
	return e
}

func (p *RdtCore) endpointDone(e *Endpoint) {
	select {
	case p.endpointClosed <- e:
	case <-p.closeSignal:
	}
}

func (p *RdtCore) handleClosedEndpoints() {
	defer p.wg.Done()

	for {
		select {
		case <-p.closeSignal:
			return
		case e := <-p.endpointClosed:
			p.mu.Lock()
			delete(p.endpoints, e)
			p.mu.Unlock()
		}
	}
}

// Close closes every endpoint and releases the core's resources.
func (p *RdtCore) Close() error {
	p.closeOnce.Do(func() { p.closeErr = p.close() })
	return p.closeErr
}

func (p *RdtCore) close() error {
	p.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(p.endpoints))
	for e := range p.endpoints {
		endpoints = append(endpoints, e)
	}
	p.mu.Unlock()

	var err error
	for _, e := range endpoints {
		err = multierr.Append(err, e.Close())
	}

	close(p.closeSignal)
	p.wg.Wait()

	err = multierr.Append(err, p.capture.Close())

	log.Info("rdt core closed")
	return err
}
