package lib

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeRDT lets gopacket decode RDT segments, e.g. from a capture file.
var LayerTypeRDT = gopacket.RegisterLayerType(1917, gopacket.LayerTypeMetadata{
	Name:    "RDT",
	Decoder: gopacket.DecodeFunc(decodeRDT),
})

// RDT is the gopacket view of a segment header.
type RDT struct {
	layers.BaseLayer
	Sequence uint32
	Type     SegmentType
	Checksum uint16
	Size     uint16
}

func (r *RDT) LayerType() gopacket.LayerType { return LayerTypeRDT }

func (r *RDT) CanDecode() gopacket.LayerClass { return LayerTypeRDT }

func (r *RDT) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (r *RDT) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < HeaderLength {
		df.SetTruncated()
		return fmt.Errorf("%w: %d bytes", ErrMalformedSegment, len(data))
	}
	r.Sequence = binary.BigEndian.Uint32(data[offSequence:])
	r.Type = SegmentType(binary.BigEndian.Uint16(data[offType:]))
	r.Checksum = binary.BigEndian.Uint16(data[offChecksum:])
	r.Size = binary.BigEndian.Uint16(data[offSize:])

	end := HeaderLength + int(r.Size)
	if end > len(data) {
		df.SetTruncated()
		end = len(data)
	}
	r.BaseLayer = layers.BaseLayer{Contents: data[:HeaderLength], Payload: data[HeaderLength:end]}
	return nil
}

func decodeRDT(data []byte, p gopacket.PacketBuilder) error {
	r := &RDT{}
	if err := r.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(r)
	return p.NextDecoder(r.NextLayerType())
}

// RegisterRDTPort makes UDP traffic on port decode as RDT.
func RegisterRDTPort(port int) {
	layers.RegisterUDPPortLayerType(layers.UDPPort(port), LayerTypeRDT)
}

// DumpSegment renders a datagram for debug logging.
func DumpSegment(datagram []byte) string {
	pkt := gopacket.NewPacket(datagram, LayerTypeRDT, gopacket.NoCopy)
	return pkt.Dump()
}
