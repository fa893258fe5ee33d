package lib

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKnownVectors(t *testing.T) {
	testCases := []struct {
		name string
		typ  SegmentType
		seq  uint32
		want []byte
	}{
		{
			name: "all zero SYN",
			typ:  SegSyn,
			seq:  0,
			want: []byte{0, 0, 0, 0, 0, 0, 0xff, 0xff, 0, 0, 0, 0},
		},
		{
			name: "ACK",
			typ:  SegAck,
			seq:  0x01020304,
			// 0x0102 + 0x0304 + 0x0003 = 0x0409
			want: []byte{0x01, 0x02, 0x03, 0x04, 0, 3, 0xfb, 0xf6, 0, 0, 0, 0},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Encode(tc.typ, tc.seq, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, 2, 3, 19, 1299, 1300, MaxPayloadLength}

	for _, size := range sizes {
		payload := make([]byte, size)
		rng.Read(payload)
		for typ := SegSyn; typ <= SegRst; typ++ {
			seq := rng.Uint32()
			datagram, err := Encode(typ, seq, payload)
			require.NoError(t, err)
			require.Len(t, datagram, HeaderLength+size)

			seg, err := Decode(datagram)
			require.NoError(t, err, "type %s size %d", typ, size)
			assert.Equal(t, seq, seg.Sequence)
			assert.Equal(t, typ, seg.Type)
			assert.Equal(t, uint16(size), seg.Size)
			assert.True(t, bytes.Equal(payload, seg.Payload))
			assert.Zero(t, CalculateChecksum(datagram), "sum over a valid segment is zero")
		}
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(SegData, 0, make([]byte, MaxPayloadLength+1))
	assert.ErrorIs(t, err, ErrSegmentTooLarge)
}

func TestMarshalBufferTooSmall(t *testing.T) {
	s := &Segment{Type: SegData, Payload: []byte("abc")}
	_, err := s.Marshal(make([]byte, HeaderLength+2))
	assert.Error(t, err)
}

func TestDecodeDetectsSingleByteCorruption(t *testing.T) {
	datagram, err := Encode(SegData, 4242, []byte("Pizzazz and shazam\x00"))
	require.NoError(t, err)

	for i := range datagram {
		if i >= offSize && i < offSize+2 {
			continue // covered by the size check below
		}
		corrupted := append([]byte(nil), datagram...)
		corrupted[i] ^= 0x5a

		seg, err := Decode(corrupted)
		require.NotNil(t, seg, "byte %d", i)
		assert.ErrorIs(t, err, ErrChecksumMismatch, "byte %d", i)
	}
}

func TestDecodeDoesNotModifyInput(t *testing.T) {
	datagram, err := Encode(SegData, 7, []byte("hello"))
	require.NoError(t, err)
	datagram[HeaderLength] ^= 1
	before := append([]byte(nil), datagram...)

	_, err = Decode(datagram)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, before, datagram)
}

func TestDecodePayloadSharesDatagramBuffer(t *testing.T) {
	datagram, err := Encode(SegData, 7, []byte("hello"))
	require.NoError(t, err)
	seg, err := Decode(datagram)
	require.NoError(t, err)

	a := newReceiveAssembler()
	a.Append(seg.Payload)

	// the endpoint reads the next datagram into the same buffer
	copy(datagram[HeaderLength:], "world")
	assert.Equal(t, []byte("world"), seg.Payload)
	assert.Equal(t, []byte("hello"), a.Finalize())
}

func TestDecodeShortDatagram(t *testing.T) {
	for n := 0; n < HeaderLength; n++ {
		seg, err := Decode(make([]byte, n))
		assert.Nil(t, seg)
		assert.ErrorIs(t, err, ErrMalformedSegment)
	}
}

func TestDecodeSizeMismatch(t *testing.T) {
	datagram, err := Encode(SegData, 1, []byte("hello"))
	require.NoError(t, err)

	// a truncated datagram still carries the original size field
	seg, err := Decode(datagram[:len(datagram)-1])
	require.NotNil(t, seg)
	assert.Equal(t, SegData, seg.Type)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestDecodeUnknownType(t *testing.T) {
	datagram, err := Encode(SegmentType(9), 1, nil)
	require.NoError(t, err)

	seg, err := Decode(datagram)
	require.NoError(t, err)
	assert.False(t, seg.Type.Known())
	assert.Equal(t, InputInvalid, inputForSegment(seg.Type))
	assert.Equal(t, "UNKNOWN(9)", seg.Type.String())
}

func TestVerifyChecksumIgnoresChecksumField(t *testing.T) {
	datagram, err := Encode(SegFin, 99, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, VerifyChecksum(datagram))

	binary.BigEndian.PutUint16(datagram[offChecksum:], 0)
	assert.False(t, VerifyChecksum(datagram))
	assert.False(t, VerifyChecksum(datagram[:HeaderLength-1]))
}

func TestCalculateChecksumOddLength(t *testing.T) {
	// a trailing byte counts as the high half of a zero padded word
	assert.Equal(t, CalculateChecksum([]byte{0xab, 0x00}), CalculateChecksum([]byte{0xab}))
	assert.Equal(t, uint16(0xffff), CalculateChecksum(nil))
}

func TestSegmentTypeNames(t *testing.T) {
	names := map[SegmentType]string{
		SegSyn: "SYN", SegSynAck: "SYN_ACK", SegData: "DATA", SegAck: "ACK",
		SegFin: "FIN", SegFinAck: "FIN_ACK", SegRst: "RST",
	}
	for typ, name := range names {
		assert.Equal(t, name, typ.String())
		assert.True(t, typ.Known())
	}
}
