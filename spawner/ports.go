package spawner

import (
	"fmt"
	"net"
	"sync"
)

// PortManager hands out TCP ports for spawned backends from a configured
// range. A port is only considered available if the kernel will actually let
// us listen on it, so ports held by unrelated processes are skipped.
type PortManager struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	allocated map[int]bool
	next      int
}

// NewPortManager creates a PortManager for the inclusive range [minPort, maxPort].
func NewPortManager(minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		minPort:   minPort,
		maxPort:   maxPort,
		allocated: make(map[int]bool),
		next:      minPort,
	}, nil
}

// Allocate finds and reserves an available TCP port within the range.
func (pm *PortManager) Allocate() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	rangeSize := pm.maxPort - pm.minPort + 1
	for i := 0; i < rangeSize; i++ {
		candidate := pm.next

		pm.next++
		if pm.next > pm.maxPort {
			pm.next = pm.minPort
		}

		if pm.allocated[candidate] {
			continue
		}

		// Probe the port; something outside our bookkeeping may hold it.
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err != nil {
			continue
		}
		l.Close()

		pm.allocated[candidate] = true
		return candidate, nil
	}

	return 0, fmt.Errorf("no available ports in range [%d-%d]", pm.minPort, pm.maxPort)
}

// Release marks a previously allocated port as available again. Ports outside
// the managed range are ignored.
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if port < pm.minPort || port > pm.maxPort {
		return
	}
	delete(pm.allocated, port)
}
