package lib

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestUDPLoopbackTransfer(t *testing.T) {
	cfg := DefaultRdtCoreConfig()
	cfg.ConnConfig = fastConnConfig()
	cfg.CaptureFile = filepath.Join(t.TempDir(), "rdt.pcap")
	core, err := NewRdtCore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	server, err := core.ListenRdt("127.0.0.1", 0)
	require.NoError(t, err)
	port := server.LocalAddr().(*net.UDPAddr).Port

	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var received []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := server.Accept(gctx)
		if err != nil {
			return err
		}
		received, err = conn.Receive(gctx)
		return err
	})

	conn, err := core.DialRdt(ctx, "", "127.0.0.1", port)
	require.NoError(t, err)
	local := conn.LocalAddr().(*net.UDPAddr)
	assert.GreaterOrEqual(t, local.Port, cfg.ClientPortLower)
	assert.LessOrEqual(t, local.Port, cfg.ClientPortUpper)

	require.NoError(t, conn.Send(ctx, payload))
	require.NoError(t, conn.Close())
	require.NoError(t, g.Wait())
	assert.Equal(t, payload, received)

	// the dialing endpoint goes away with its connection
	capacity := cfg.ClientPortUpper - cfg.ClientPortLower + 1
	require.Eventually(t, func() bool {
		return core.portPool.availablePorts() == capacity
	}, 5*time.Second, time.Millisecond)

	assert.Greater(t, testutil.ToFloat64(core.Metrics().SegmentsSent.WithLabelValues("DATA")), float64(0))
	assert.Greater(t, testutil.ToFloat64(core.Metrics().SegmentsReceived.WithLabelValues("ACK")), float64(0))

	// only the server port goes into gopacket's global table
	core.mu.Lock()
	assert.Equal(t, map[int]struct{}{port: {}}, core.capturePorts)
	core.mu.Unlock()
	assert.Equal(t, LayerTypeRDT, layers.UDPPort(port).LayerType())

	require.NoError(t, core.Close())
	seen := readCapture(t, cfg.CaptureFile)
	for _, typ := range []SegmentType{SegSyn, SegSynAck, SegData, SegAck, SegFin, SegFinAck} {
		assert.Greater(t, seen[typ], 0, "no %s in capture", typ)
	}
	assert.Zero(t, seen[SegRst])
}

func TestDialWithRetryGivesUp(t *testing.T) {
	cfg := DefaultRdtCoreConfig()
	cfg.ConnConfig = fastConnConfig()
	cfg.ConnConfig.MaxRetries = 1
	core, err := NewRdtCore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	// a port nobody listens on
	pc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := pc.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, pc.Close())

	retries := 0
	rc := &RedialConfig{
		MaxRetries:        1,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2,
		OnRetry:           func(error, time.Duration) { retries++ },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = core.DialWithRetry(ctx, "127.0.0.1", "127.0.0.1", port, rc)
	assert.ErrorIs(t, err, ErrConnectionAborted)
	assert.Equal(t, 1, retries)

	capacity := cfg.ClientPortUpper - cfg.ClientPortLower + 1
	require.Eventually(t, func() bool {
		return core.portPool.availablePorts() == capacity
	}, 5*time.Second, time.Millisecond)
}

func TestNewRdtCoreRejectsBadConfig(t *testing.T) {
	cfg := DefaultRdtCoreConfig()
	cfg.ConnConfig.MinRTO = 0
	_, err := NewRdtCore(cfg)
	assert.Error(t, err)

	cfg = DefaultRdtCoreConfig()
	cfg.ClientPortLower, cfg.ClientPortUpper = 9000, 8000
	_, err = NewRdtCore(cfg)
	assert.Error(t, err)
}

func TestListenRdtBadAddress(t *testing.T) {
	core := newTestCore(t, fastConnConfig())
	_, err := core.ListenRdt("not-an-ip", 0)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func readCapture(t *testing.T, path string) map[SegmentType]int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)

	seen := make(map[SegmentType]int)
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return seen
		}
		require.NoError(t, err)

		pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		if l := pkt.Layer(LayerTypeRDT); l != nil {
			seen[l.(*RDT).Type]++
		}
	}
}
