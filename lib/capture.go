package lib

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const captureSnapLen = 65536

// Capture writes every datagram an endpoint sends or receives to a pcap file
// as IPv4/UDP packets, so a trace can be inspected with standard tools.
type Capture struct {
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
}

func NewCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(captureSnapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, err
	}
	return &Capture{file: f, writer: w}, nil
}

// Write records one datagram travelling from src to dst.
func (c *Capture) Write(src, dst net.Addr, datagram []byte, ts time.Time) error {
	if c == nil {
		return nil
	}
	srcIP, srcPort := captureAddr(src)
	dstIP, dstPort := captureAddr(dst)

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(datagram)); err != nil {
		return err
	}

	data := buf.Bytes()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

func (c *Capture) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

// captureAddr maps an address onto IPv4/port. Non-UDP addresses (in-memory
// transports) are recorded as loopback with port 0.
func captureAddr(addr net.Addr) (net.IP, int) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		if ip4 := ua.IP.To4(); ip4 != nil {
			return ip4, ua.Port
		}
		return net.IPv4zero.To4(), ua.Port
	}
	return net.IPv4(127, 0, 0, 1).To4(), 0
}
