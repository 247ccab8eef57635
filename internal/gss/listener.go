package gss

import (
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind names a session lifecycle notification.
type EventKind string

const (
	EventSessionCreated  EventKind = "created"
	EventSessionClosed   EventKind = "closed"
	EventSessionOrphaned EventKind = "orphaned"
)

// SessionEvent is delivered to listeners after the registry change is applied.
type SessionEvent struct {
	Kind      EventKind
	SessionID string
	LSSID     uint64
	LSSURL    string
	At        time.Time
}

// Listener receives session lifecycle notifications. Calls are made without
// the registry lock held, in the order the changes were applied.
type Listener interface {
	OnSessionEvent(SessionEvent)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(SessionEvent)

func (f ListenerFunc) OnSessionEvent(e SessionEvent) { f(e) }

// LogListener writes every event to the global logger.
type LogListener struct{}

func (LogListener) OnSessionEvent(e SessionEvent) {
	log.Info().Str("event", string(e.Kind)).Str("session_id", e.SessionID).Uint64("lss_id", e.LSSID).
		Str("lss_url", e.LSSURL).Msg("gss.session")
}

// AddListener subscribes l to session events.
func (s *Service) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) emit(events ...SessionEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, e := range events {
		for _, l := range listeners {
			l.OnSessionEvent(e)
		}
	}
}
