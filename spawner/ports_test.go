package spawner

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPortManagerValidatesRange(t *testing.T) {
	_, err := NewPortManager(0, 100)
	assert.Error(t, err)
	_, err = NewPortManager(9200, 9100)
	assert.Error(t, err)
	_, err = NewPortManager(9100, 9100)
	assert.NoError(t, err)
}

func TestAllocateReturnsDistinctPorts(t *testing.T) {
	pm, err := NewPortManager(19300, 19309)
	require.NoError(t, err)

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		port, err := pm.Allocate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 19300)
		assert.LessOrEqual(t, port, 19309)
		assert.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}

	_, err = pm.Allocate()
	assert.Error(t, err, "range exhausted")
}

func TestReleaseMakesPortAvailableAgain(t *testing.T) {
	pm, err := NewPortManager(19310, 19310)
	require.NoError(t, err)

	port, err := pm.Allocate()
	require.NoError(t, err)
	require.Equal(t, 19310, port)

	_, err = pm.Allocate()
	require.Error(t, err)

	pm.Release(port)
	again, err := pm.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestAllocateSkipsPortsHeldElsewhere(t *testing.T) {
	pm, err := NewPortManager(19320, 19321)
	require.NoError(t, err)

	// Occupy the first port outside the manager's bookkeeping.
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", 19320))
	require.NoError(t, err)
	defer l.Close()

	port, err := pm.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 19321, port, "probe must skip the externally held port")
}

func TestReleaseIgnoresOutOfRangePorts(t *testing.T) {
	pm, err := NewPortManager(19330, 19331)
	require.NoError(t, err)

	pm.Release(80)
	pm.Release(65000)

	port, err := pm.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 19330, port)
}
