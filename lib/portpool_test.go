package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPoolAllocatesWholeRange(t *testing.T) {
	pool, err := newPortPool(40000, 40009)
	require.NoError(t, err)
	assert.Equal(t, 10, pool.availablePorts())

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		port, err := pool.allocatePort()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 40000)
		assert.LessOrEqual(t, port, 40009)
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}

	_, err = pool.allocatePort()
	assert.ErrorIs(t, err, ErrPortPoolEmpty)
}

func TestPortPoolReturnedPortGoesLast(t *testing.T) {
	pool, err := newPortPool(50000, 50002)
	require.NoError(t, err)

	first, err := pool.allocatePort()
	require.NoError(t, err)
	require.NoError(t, pool.returnPort(first))
	assert.Equal(t, 3, pool.availablePorts())

	var order []int
	for i := 0; i < 3; i++ {
		port, err := pool.allocatePort()
		require.NoError(t, err)
		order = append(order, port)
	}
	assert.Equal(t, first, order[2])
}

func TestPortPoolRejectsForeignPort(t *testing.T) {
	pool, err := newPortPool(50000, 50002)
	require.NoError(t, err)

	assert.Error(t, pool.returnPort(50001))
	assert.Error(t, pool.returnPort(60000))

	port, err := pool.allocatePort()
	require.NoError(t, err)
	require.NoError(t, pool.returnPort(port))
	assert.Error(t, pool.returnPort(port), "double return")
}

func TestPortPoolInvalidRange(t *testing.T) {
	for _, r := range [][2]int{{0, 10}, {10, 5}, {1, 70000}} {
		_, err := newPortPool(r[0], r[1])
		assert.Error(t, err, "range %v", r)
	}
}
