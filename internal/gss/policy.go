package gss

import (
	"fmt"
	"strings"
)

// Candidate is an LSS with room for another session.
type Candidate struct {
	ID       uint64
	URL      string
	Sessions int
}

// SelectionPolicy picks the LSS that hosts a new session. Select is called
// with a non-empty slice sorted by id while the registry lock is held.
type SelectionPolicy interface {
	Name() string
	Select(candidates []Candidate) Candidate
}

const (
	PolicyLeastLoaded = "least_loaded"
	PolicyRoundRobin  = "round_robin"
)

// NewSelectionPolicy resolves a policy by name; empty means least_loaded.
func NewSelectionPolicy(name string) (SelectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyLeastLoaded:
		return LeastLoaded{}, nil
	case PolicyRoundRobin:
		return &RoundRobin{}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", name)
	}
}

// LeastLoaded picks the candidate hosting the fewest sessions, lowest id first.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return PolicyLeastLoaded }

func (LeastLoaded) Select(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Sessions < best.Sessions {
			best = c
		}
	}
	return best
}

// RoundRobin cycles through candidates by id.
type RoundRobin struct {
	last uint64
}

func (*RoundRobin) Name() string { return PolicyRoundRobin }

func (r *RoundRobin) Select(candidates []Candidate) Candidate {
	pick := candidates[0]
	for _, c := range candidates {
		if c.ID > r.last {
			pick = c
			break
		}
	}
	r.last = pick.ID
	return pick
}
