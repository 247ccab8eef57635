package lds

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/danmuck/sessionctl/internal/protocol"
)

// PortPool hands out ports from a fixed range. Only the owning LDS mutates it.
type PortPool struct {
	mu     sync.Mutex
	min    int
	max    int
	next   int
	used   map[int]struct{}
	isFree func(port int) bool
}

// NewPortPool returns a pool over [min, max]. When probe is true every
// candidate is additionally checked by binding it on host.
func NewPortPool(host string, min, max int, probe bool) *PortPool {
	p := &PortPool{min: min, max: max, next: min, used: make(map[int]struct{})}
	if probe {
		p.isFree = func(port int) bool {
			ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
			if err != nil {
				return false
			}
			_ = ln.Close()
			return true
		}
	}
	return p
}

// Acquire reserves the next free port, scanning round-robin from the last grant.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	span := p.max - p.min + 1
	for i := 0; i < span; i++ {
		port := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if _, taken := p.used[port]; taken {
			continue
		}
		if p.isFree != nil && !p.isFree(port) {
			continue
		}
		p.used[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: range %d-%d", protocol.ErrPortExhaustion, p.min, p.max)
}

// Release returns port to the pool. Zero is ignored.
func (p *PortPool) Release(port int) {
	if port == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// InUse lists reserved ports in ascending order.
func (p *PortPool) InUse() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.used))
	for port := range p.used {
		out = append(out, port)
	}
	sort.Ints(out)
	return out
}
