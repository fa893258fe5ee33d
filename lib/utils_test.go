package lib

import (
	"errors"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsGreater(t *testing.T) {
	testCases := []struct {
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},                   // Direct comparison
		{seq1: 5, seq2: 10, expected: false},                  // Direct comparison
		{seq1: 5, seq2: 4294967295, expected: true},           // Inverse wrap-around case
		{seq1: 4294967295, seq2: 5, expected: false},          // Inverse wrap-around case
		{seq1: 2147483647, seq2: 2147483646, expected: true},  // Close to wrap-around boundary
		{seq1: 2147483646, seq2: 2147483647, expected: false}, // Close to wrap-around boundary
		{seq1: 0, seq2: 4294967295, expected: true},           // Full wrap-around
		{seq1: 4294967295, seq2: 0, expected: false},          // Full wrap-around
		{seq1: 7, seq2: 7, expected: false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.expected, isGreater(tc.seq1, tc.seq2), "isGreater(%d, %d)", tc.seq1, tc.seq2)
	}
}

func TestSeqComparisons(t *testing.T) {
	assert.True(t, isGreaterOrEqual(7, 7))
	assert.True(t, isLessOrEqual(7, 7))
	assert.False(t, isLess(7, 7))
	assert.True(t, isLess(math.MaxUint32-2, 3))
	assert.True(t, isLessOrEqual(math.MaxUint32, 0))
}

func TestSeqArithmeticWraps(t *testing.T) {
	assert.Equal(t, uint32(4), SeqIncrementBy(math.MaxUint32-5, 10))
	assert.Equal(t, uint32(10), seqDistance(math.MaxUint32-5, 4))
	assert.Equal(t, uint32(0), seqDistance(42, 42))
}

func TestTimeoutError(t *testing.T) {
	var err error = &TimeoutError{msg: "gave up"}
	assert.True(t, errors.Is(err, ErrConnectionAborted))
	assert.False(t, errors.Is(err, ErrConnectionReset))

	var ne net.Error
	require.True(t, errors.As(err, &ne))
	assert.True(t, ne.Timeout())
	assert.Equal(t, "gave up", err.Error())
}

func TestWrappedErrors(t *testing.T) {
	var err error = &IncompleteError{Received: 3, Err: &TransportError{Op: "send", Err: net.ErrClosed}}
	assert.ErrorIs(t, err, net.ErrClosed)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
}

func TestFindLocalIPLoopback(t *testing.T) {
	ip, err := findLocalIP("127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	_, err = findLocalIP("not an ip")
	assert.Error(t, err)
}
