// Command droptestgw is a lossy UDP gateway placed between an RDT client and
// server. Every datagram crossing it may be dropped, corrupted or duplicated,
// in either direction.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("rdt-dropgw")

var (
	listenAddr  string
	targetAddr  string
	dropRate    float64
	corruptRate float64
	dupRate     float64
	seed        int64
	idleTimeout time.Duration
	logLevel    string
)

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.2:8901", "gateway address(IP:Port)")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:7080", "target server address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "datagram drop rate (0.0-1.0)")
	flag.Float64Var(&corruptRate, "corruptrate", 0, "datagram corruption rate (0.0-1.0)")
	flag.Float64Var(&dupRate, "duprate", 0, "datagram duplication rate (0.0-1.0)")
	flag.Int64Var(&seed, "seed", 0, "random seed, 0 picks one from the clock")
	flag.DurationVar(&idleTimeout, "idle", 2*time.Minute, "forget a client after this long without traffic")
	flag.StringVar(&logLevel, "loglevel", "info", "log level (debug, info, warn, error)")
}

type impairment struct {
	drop, corrupt, dup float64

	mu  sync.Mutex
	rng *rand.Rand
}

// apply returns the datagrams to forward in place of d: none, one or two.
// A corrupted datagram is a copy with one bit flipped.
func (im *impairment) apply(d []byte) (out [][]byte, verdict string) {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.rng.Float64() < im.drop {
		return nil, "dropped"
	}
	verdict = "forwarded"
	if len(d) > 0 && im.rng.Float64() < im.corrupt {
		c := append([]byte(nil), d...)
		c[im.rng.Intn(len(c))] ^= 1 << uint(im.rng.Intn(8))
		d, verdict = c, "corrupted"
	}
	out = [][]byte{d}
	if im.rng.Float64() < im.dup {
		out = append(out, d)
		verdict += "+duplicated"
	}
	return out, verdict
}

type session struct {
	client   *net.UDPAddr
	upstream *net.UDPConn
	lastSeen time.Time
}

type gateway struct {
	listener *net.UDPConn
	target   *net.UDPAddr
	im       *impairment

	mu       sync.Mutex
	sessions map[string]*session
}

func (g *gateway) serve(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := g.listener.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s, err := g.session(ctx, from)
		if err != nil {
			log.Warnf("no upstream for %s: %v", from, err)
			continue
		}
		g.forward(buf[:n], "->", func(d []byte) error {
			_, err := s.upstream.Write(d)
			return err
		})
	}
}

// session returns the upstream socket of client, creating it on first use.
// Each client gets its own so the server sees distinct peers.
func (g *gateway) session(ctx context.Context, client *net.UDPAddr) (*session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := client.String()
	if s, ok := g.sessions[key]; ok {
		s.lastSeen = time.Now()
		return s, nil
	}
	up, err := net.DialUDP("udp", nil, g.target)
	if err != nil {
		return nil, err
	}
	s := &session{client: client, upstream: up, lastSeen: time.Now()}
	g.sessions[key] = s
	log.Infow("new session", "client", client, "upstream", up.LocalAddr())
	go g.pipeBack(ctx, s)
	return s, nil
}

func (g *gateway) pipeBack(ctx context.Context, s *session) {
	buf := make([]byte, 64*1024)
	for {
		s.upstream.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := s.upstream.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && g.idle(s) {
				return
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// ICMP port unreachable surfaces as a read error on connected sockets
			log.Debugf("upstream of %s: %v", s.client, err)
			continue
		}
		g.mu.Lock()
		s.lastSeen = time.Now()
		g.mu.Unlock()
		g.forward(buf[:n], "<-", func(d []byte) error {
			_, err := g.listener.WriteToUDP(d, s.client)
			return err
		})
	}
}

// idle drops s when it has been quiet for idleTimeout.
func (g *gateway) idle(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(s.lastSeen) < idleTimeout {
		return false
	}
	delete(g.sessions, s.client.String())
	s.upstream.Close()
	log.Infow("session expired", "client", s.client)
	return true
}

func (g *gateway) forward(d []byte, direction string, write func([]byte) error) {
	out, verdict := g.im.apply(d)
	describe(d, direction, verdict)
	for _, o := range out {
		if err := write(o); err != nil {
			log.Warnf("%s write: %v", direction, err)
		}
	}
}

func describe(d []byte, direction, verdict string) {
	what := "undecodable"
	if seg, err := lib.Decode(d); err == nil {
		what = fmt.Sprintf("%s seq=%d len=%d", seg.Type, seg.Sequence, len(seg.Payload))
	}
	switch verdict {
	case "forwarded":
		log.Debugf("%s %s", direction, what)
	case "dropped":
		color.Red("%s %s %s", direction, what, verdict)
	default:
		color.Yellow("%s %s %s", direction, what, verdict)
	}
}

func (g *gateway) close() {
	g.listener.Close()
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, s := range g.sessions {
		s.upstream.Close()
		delete(g.sessions, k)
	}
}

func main() {
	flag.Parse()
	if err := logging.SetLogLevel("rdt-dropgw", logLevel); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}

	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		color.Red("Invalid gateway address %s: %v", listenAddr, err)
		os.Exit(1)
	}
	taddr, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		color.Red("Invalid target address %s: %v", targetAddr, err)
		os.Exit(1)
	}
	listener, err := net.ListenUDP("udp", laddr)
	if err != nil {
		color.Red("Gateway couldn't listen at %s: %v", listenAddr, err)
		os.Exit(1)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &gateway{
		listener: listener,
		target:   taddr,
		im:       &impairment{drop: dropRate, corrupt: corruptRate, dup: dupRate, rng: rand.New(rand.NewSource(seed))},
		sessions: make(map[string]*session),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		color.Yellow("\nReceived SIGINT (Ctrl+C). Shutting down...")
		g.close()
	}()

	color.Green("Gateway %s -> %s, drop %.2f corrupt %.2f duplicate %.2f, seed %d",
		listener.LocalAddr(), taddr, dropRate, corruptRate, dupRate, seed)
	if err := g.serve(ctx); err != nil {
		color.Red("Gateway error: %v", err)
		os.Exit(1)
	}
}
