package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// SegmentType is the on-wire type tag of a segment.
type SegmentType uint16

const (
	SegSyn SegmentType = iota
	SegSynAck
	SegData
	SegAck
	SegFin
	SegFinAck
	SegRst
)

var segmentTypeNames = [...]string{
	SegSyn:    "SYN",
	SegSynAck: "SYN_ACK",
	SegData:   "DATA",
	SegAck:    "ACK",
	SegFin:    "FIN",
	SegFinAck: "FIN_ACK",
	SegRst:    "RST",
}

func (t SegmentType) String() string {
	if t.Known() {
		return segmentTypeNames[t]
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
}

// Known reports whether t is one of the defined segment types.
func (t SegmentType) Known() bool {
	return t <= SegRst
}

// Segment represents a decoded RDT segment
type Segment struct {
	Sequence uint32      // byte offset of the first payload byte (or the offset being acknowledged)
	Type     SegmentType // segment type
	Checksum uint16      // checksum as transmitted
	Size     uint16      // payload length
	Payload  []byte      // payload data, aliases the decoded buffer
}

// Len returns the number of bytes the segment occupies on the wire.
func (s *Segment) Len() int {
	return HeaderLength + len(s.Payload)
}

// Marshal writes the segment into buffer and fills in Size and Checksum.
// It returns the number of bytes written.
func (s *Segment) Marshal(buffer []byte) (int, error) {
	if len(s.Payload) > MaxPayloadLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrSegmentTooLarge, len(s.Payload))
	}
	frameLength := HeaderLength + len(s.Payload)
	if len(buffer) < frameLength {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the segment (%d)", len(buffer), frameLength)
	}
	frame := buffer[:frameLength]

	s.Size = uint16(len(s.Payload))
	binary.BigEndian.PutUint32(frame[offSequence:], s.Sequence)
	binary.BigEndian.PutUint16(frame[offType:], uint16(s.Type))
	binary.BigEndian.PutUint16(frame[offChecksum:], 0)
	binary.BigEndian.PutUint16(frame[offSize:], s.Size)
	binary.BigEndian.PutUint16(frame[offPadding:], 0)
	copy(frame[HeaderLength:], s.Payload)

	s.Checksum = CalculateChecksum(frame)
	binary.BigEndian.PutUint16(frame[offChecksum:], s.Checksum)

	return frameLength, nil
}

// Encode builds the wire form of a segment of the given type.
func Encode(typ SegmentType, seq uint32, payload []byte) ([]byte, error) {
	s := &Segment{Sequence: seq, Type: typ, Payload: payload}
	buf := make([]byte, HeaderLength+len(payload))
	n, err := s.Marshal(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Decode parses a datagram into a Segment.
//
// Header fields are always converted to host order. When the checksum does
// not verify (or the declared size disagrees with the datagram length) the
// segment is returned together with ErrChecksumMismatch, so the caller can
// still look at the type. Datagrams shorter than a header yield
// ErrMalformedSegment and no segment. data is not modified.
//
// Payload aliases data and is only valid until the datagram buffer is reused;
// callers keeping it past that point must copy it.
func Decode(data []byte) (*Segment, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedSegment, len(data))
	}

	s := &Segment{
		Sequence: binary.BigEndian.Uint32(data[offSequence:]),
		Type:     SegmentType(binary.BigEndian.Uint16(data[offType:])),
		Checksum: binary.BigEndian.Uint16(data[offChecksum:]),
		Size:     binary.BigEndian.Uint16(data[offSize:]),
		Payload:  data[HeaderLength:],
	}

	if int(s.Size) != len(s.Payload) {
		return s, fmt.Errorf("%w: size field %d, datagram carries %d", ErrChecksumMismatch, s.Size, len(s.Payload))
	}
	if !VerifyChecksum(data) {
		return s, ErrChecksumMismatch
	}
	return s, nil
}

// CalculateChecksum computes the 16-bit one's complement checksum of buffer.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}

	// odd trailing byte is padded with a zero byte
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	for cksum>>16 != 0 {
		cksum = (cksum >> 16) + (cksum & 0xffff)
	}

	return ^uint16(cksum)
}

// VerifyChecksum recomputes the checksum of a complete segment with the
// checksum field taken as zero and compares it with the transmitted one.
func VerifyChecksum(frame []byte) bool {
	if len(frame) < HeaderLength {
		return false
	}
	received := binary.BigEndian.Uint16(frame[offChecksum:])

	// sum the header around the checksum field instead of zeroing it in place
	var cksum uint32
	for i := 0; i < HeaderLength; i += 2 {
		if i == offChecksum {
			continue
		}
		cksum += uint32(binary.BigEndian.Uint16(frame[i : i+2]))
	}
	cksum += uint32(^CalculateChecksum(frame[HeaderLength:]))
	for cksum>>16 != 0 {
		cksum = (cksum >> 16) + (cksum & 0xffff)
	}

	return ^uint16(cksum) == received
}

// GenerateISN picks a random initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}
