package model

import (
	"fmt"
	"strings"
)

// ServiceState is the supervision state of one worker service instance.
type ServiceState string

const (
	StateRequested    ServiceState = "requested"
	StateInitializing ServiceState = "initializing"
	StateAlive        ServiceState = "alive"
	StateNewStopping  ServiceState = "new_stopping"
	StateStopping     ServiceState = "stopping"
	StateFailed       ServiceState = "failed"

	// StateRemoved is only carried by state reports; no registry stores it.
	StateRemoved ServiceState = "removed"
)

var transitions = map[ServiceState][]ServiceState{
	StateRequested:    {StateInitializing, StateFailed, StateRemoved},
	StateInitializing: {StateAlive, StateRequested, StateFailed, StateNewStopping, StateRemoved},
	StateAlive:        {StateRequested, StateFailed, StateNewStopping, StateStopping, StateRemoved},
	StateNewStopping:  {StateStopping, StateRemoved},
	StateStopping:     {StateRemoved},
	StateFailed:       {StateRemoved},
}

// CanTransition reports whether the supervision state machine allows from->to.
func CanTransition(from, to ServiceState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state value.
func (s ServiceState) Valid() bool {
	switch s {
	case StateRequested, StateInitializing, StateAlive, StateNewStopping, StateStopping, StateFailed, StateRemoved:
		return true
	}
	return false
}

// Terminal reports whether no automatic transition leaves s.
func (s ServiceState) Terminal() bool {
	return s == StateFailed || s == StateRemoved
}

// ParseServiceState normalizes raw into a known state.
func ParseServiceState(raw string) (ServiceState, error) {
	s := ServiceState(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown service state %q", raw)
	}
	return s, nil
}

// ServiceInstance is one supervised worker process belonging to a session.
type ServiceInstance struct {
	ID                 uint64       `json:"id"`
	Name               string       `json:"name"`
	Type               string       `json:"type"`
	SessionID          string       `json:"session_id"`
	LSSURL             string       `json:"lss_url"`
	LDSURL             string       `json:"lds_url"`
	URL                string       `json:"url"`
	WebsocketURL       string       `json:"websocket_url,omitempty"`
	Port               int          `json:"port"`
	WebsocketPort      int          `json:"websocket_port,omitempty"`
	State              ServiceState `json:"state"`
	StartCounter       int          `json:"start_counter"`
	IniAttempt         int          `json:"ini_attempt"`
	MaxCrashRestarts   int          `json:"max_crash_restarts"`
	MaxStartupRestarts int          `json:"max_startup_restarts"`
	IsDebug            bool         `json:"is_debug"`
	IsHidden           bool         `json:"is_hidden"`
	IsShuttingDown     bool         `json:"is_shutting_down"`
	FailureReason      string       `json:"failure_reason,omitempty"`
}

// Handle returns the consumer-facing address triple of the instance.
func (s ServiceInstance) Handle() ServiceHandle {
	return ServiceHandle{ID: s.ID, URL: s.URL, WebsocketURL: s.WebsocketURL}
}

// ServiceHandle is what session consumers need to reach a service.
type ServiceHandle struct {
	ID           uint64 `json:"id"`
	URL          string `json:"url"`
	WebsocketURL string `json:"websocket_url,omitempty"`
}

// SessionFlags is a bitset of session lifecycle markers.
type SessionFlags uint32

const (
	// FlagHostConfirmed is set once the owning LSS acknowledged creation.
	FlagHostConfirmed SessionFlags = 1 << iota
)

func (f SessionFlags) Has(flag SessionFlags) bool { return f&flag != 0 }

// SessionInfo carries session identity. Credentials are references, never secrets.
type SessionInfo struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	UserName         string `json:"user_name"`
	ProjectName      string `json:"project_name"`
	CollectionName   string `json:"collection_name,omitempty"`
	UserCollection   string `json:"user_collection,omitempty"`
	UserCredName     string `json:"user_cred_name,omitempty"`
	DataBaseCredName string `json:"database_cred_name,omitempty"`
}

// ShutdownEntry is one queued session shutdown.
type ShutdownEntry struct {
	SessionID string `json:"session_id"`
	Emergency bool   `json:"emergency"`
}
