// Package health runs the periodic peer liveness checks each parent tier uses
// to deregister children (GSS over LSS, GDS over LDS).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxFailures is the consecutive miss count that deregisters a peer.
const DefaultMaxFailures = 3

// Peer is one monitored child.
type Peer struct {
	ID  uint64
	URL string
}

// ProbeFunc performs one HealthCheckPing against url.
type ProbeFunc func(ctx context.Context, url string) error

// Status is the observed health of one peer.
type Status struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	ConsecutiveFails int
}

// Monitor pings every peer on an interval and reports peers that miss
// MaxFailures consecutive checks. Probes run in parallel and never hold the
// monitor lock.
type Monitor struct {
	node        string
	target      string
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	probe       ProbeFunc
	onUnhealthy func(Peer)

	mu    sync.RWMutex
	peers map[uint64]*Status
}

// Config configures a Monitor.
type Config struct {
	Node        string
	Target      string
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

func NewMonitor(cfg Config, probe ProbeFunc, onUnhealthy func(Peer)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Monitor{
		node:        cfg.Node,
		target:      cfg.Target,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		probe:       probe,
		onUnhealthy: onUnhealthy,
		peers:       make(map[uint64]*Status),
	}
}

// Run checks peers() every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, peers func() []Peer) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	log.Info().Str("node", m.node).Str("target", m.target).Dur("interval", m.interval).Msg("health.Monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("node", m.node).Str("target", m.target).Msg("health.Monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx, peers())
		}
	}
}

// CheckAll runs one round of probes and fires onUnhealthy for peers that just
// reached the failure threshold.
func (m *Monitor) CheckAll(ctx context.Context, peers []Peer) {
	current := make(map[uint64]struct{}, len(peers))
	results := make([]error, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		current[p.ID] = struct{}{}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.timeout)
			defer cancel()
			results[i] = m.probe(pctx, p.URL)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now()
	var unhealthy []Peer
	m.mu.Lock()
	for id := range m.peers {
		if _, ok := current[id]; !ok {
			delete(m.peers, id)
		}
	}
	for i, p := range peers {
		st, ok := m.peers[p.ID]
		if !ok {
			st = &Status{}
			m.peers[p.ID] = st
		}
		st.LastCheck = now
		if results[i] == nil {
			st.LastHealthy = now
			st.ConsecutiveFails = 0
			continue
		}
		st.ConsecutiveFails++
		observability.RecordHealthMiss(m.node, m.target)
		log.Warn().Err(results[i]).Str("node", m.node).Uint64("peer_id", p.ID).Str("peer_url", p.URL).
			Int("consecutive_fails", st.ConsecutiveFails).Msg("health.Monitor ping missed")
		if st.ConsecutiveFails == m.maxFailures {
			unhealthy = append(unhealthy, p)
			delete(m.peers, p.ID)
		}
	}
	m.mu.Unlock()

	for _, p := range unhealthy {
		if m.onUnhealthy != nil {
			m.onUnhealthy(p)
		}
	}
}

// Failures returns the current consecutive miss count for id.
func (m *Monitor) Failures(id uint64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.peers[id]; ok {
		return st.ConsecutiveFails
	}
	return 0
}

// Forget drops tracked status for id.
func (m *Monitor) Forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}
