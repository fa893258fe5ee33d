package lib

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// PortPool hands out client port numbers in random order. Released ports go
// to the back of the ring so a port is not reused right after its connection
// closed.
type PortPool struct {
	ports     []int
	capacity  int
	minPort   int
	maxPort   int
	readIdx   int
	available int
	allocated map[int]time.Time // port -> allocation time
	mtx       sync.Mutex
}

func newPortPool(minPort, maxPort int) (*PortPool, error) {
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range %d-%d", minPort, maxPort)
	}
	capacity := maxPort - minPort + 1

	ports := make([]int, capacity)
	for i, v := range rand.Perm(capacity) {
		ports[i] = minPort + v
	}

	return &PortPool{
		ports:     ports,
		capacity:  capacity,
		minPort:   minPort,
		maxPort:   maxPort,
		available: capacity,
		allocated: make(map[int]time.Time),
	}, nil
}

// allocatePort takes the next port off the ring.
func (p *PortPool) allocatePort() (int, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.available == 0 {
		return 0, ErrPortPoolEmpty
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	p.available--
	p.allocated[port] = time.Now()

	return port, nil
}

// returnPort puts an allocated port back.
func (p *PortPool) returnPort(port int) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, ok := p.allocated[port]; !ok {
		return fmt.Errorf("port %d was not allocated from this pool", port)
	}
	delete(p.allocated, port)

	writeIdx := (p.readIdx + p.available) % p.capacity
	p.ports[writeIdx] = port
	p.available++

	return nil
}

func (p *PortPool) availablePorts() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.available
}
