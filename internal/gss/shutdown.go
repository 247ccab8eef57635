package gss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RequestSessionShutdown queues a session for shutdown. Repeated requests are
// absorbed; an emergency request upgrades a queued or in-flight graceful one.
func (s *Service) RequestSessionShutdown(sessionID string, emergency bool) error {
	s.mu.Lock()
	lssID, ok := s.owner[sessionID]
	if !ok {
		completed := s.completedLocked(sessionID)
		s.mu.Unlock()
		if completed {
			return nil
		}
		return fmt.Errorf("%w: %s", protocol.ErrSessionNotFound, sessionID)
	}
	for i, e := range s.queue {
		if e.SessionID != sessionID {
			continue
		}
		if emergency && !e.Emergency {
			s.queue[i].Emergency = true
			s.mu.Unlock()
			log.Warn().Str("session_id", sessionID).Msg("gss.RequestSessionShutdown upgraded to emergency")
			s.kick()
			return nil
		}
		s.mu.Unlock()
		return nil
	}
	if s.inflight[lssID].sessionID == sessionID && !emergency {
		s.mu.Unlock()
		return nil
	}
	s.queue = append(s.queue, model.ShutdownEntry{SessionID: sessionID, Emergency: emergency})
	s.publishSizesLocked()
	s.mu.Unlock()

	log.Info().Str("session_id", sessionID).Uint64("lss_id", lssID).Bool("emergency", emergency).Msg("gss.RequestSessionShutdown queued")
	s.kick()
	return nil
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type dispatch struct {
	entry  model.ShutdownEntry
	lssID  uint64
	lssURL string
}

// runShutdownWorker dispatches queued shutdowns whenever the queue changes and
// retries failed dispatches every RetryInterval.
func (s *Service) runShutdownWorker(ctx context.Context) {
	s.workerRunning.Store(true)
	defer s.workerRunning.Store(false)
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		s.DispatchShutdowns(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// DispatchShutdowns runs one dispatch round: every queued emergency entry, and
// the oldest graceful entry of each LSS that has no graceful shutdown in
// flight. In-flight shutdowns older than InflightTimeout are sent again.
// Dispatches run in parallel.
func (s *Service) DispatchShutdowns(ctx context.Context) {
	s.mu.Lock()
	now := time.Now()
	var batch []dispatch
	claimed := make(map[uint64]bool)
	for lssID, f := range s.inflight {
		entry := s.lss[lssID]
		if owner, ok := s.owner[f.sessionID]; !ok || owner != lssID || entry == nil {
			delete(s.inflight, lssID)
			continue
		}
		if now.Sub(f.sentAt) < s.cfg.InflightTimeout {
			continue
		}
		log.Warn().Str("session_id", f.sessionID).Uint64("lss_id", lssID).Dur("since", now.Sub(f.sentAt)).
			Msg("gss.DispatchShutdowns no close from lss, resending")
		claimed[lssID] = true
		s.inflight[lssID] = inflightShutdown{sessionID: f.sessionID, sentAt: now}
		batch = append(batch, dispatch{entry: model.ShutdownEntry{SessionID: f.sessionID}, lssID: lssID, lssURL: entry.url})
	}
	kept := s.queue[:0]
	for _, e := range s.queue {
		lssID, ok := s.owner[e.SessionID]
		entry := s.lss[lssID]
		if !ok || entry == nil {
			continue
		}
		if !e.Emergency {
			if _, busy := s.inflight[lssID]; busy || claimed[lssID] {
				kept = append(kept, e)
				continue
			}
			claimed[lssID] = true
			s.inflight[lssID] = inflightShutdown{sessionID: e.SessionID, sentAt: now}
		}
		batch = append(batch, dispatch{entry: e, lssID: lssID, lssURL: entry.url})
	}
	s.queue = kept
	s.publishSizesLocked()
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	errs := make([]error, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range batch {
		g.Go(func() error {
			start := time.Now()
			errs[i] = s.client.ShutdownSession(gctx, d.lssURL, protocol.ShutdownSessionRequest{
				SessionID: d.entry.SessionID,
				Emergency: d.entry.Emergency,
			})
			observability.RecordPeerCall("gss", "shutdown_session", time.Since(start), errs[i])
			return nil
		})
	}
	_ = g.Wait()

	for i, d := range batch {
		err := errs[i]
		switch {
		case err == nil:
			log.Info().Str("session_id", d.entry.SessionID).Uint64("lss_id", d.lssID).Bool("emergency", d.entry.Emergency).
				Msg("gss.DispatchShutdowns sent")
		case errors.Is(err, protocol.ErrSessionNotFound), d.entry.Emergency:
			// The LSS no longer holds it, or an emergency must not wait on it.
			log.Warn().Err(err).Str("session_id", d.entry.SessionID).Uint64("lss_id", d.lssID).Msg("gss.DispatchShutdowns closing locally")
			_ = s.SessionClosed(d.lssID, d.entry.SessionID)
		default:
			log.Warn().Err(err).Str("session_id", d.entry.SessionID).Uint64("lss_id", d.lssID).Msg("gss.DispatchShutdowns failed, will retry")
			s.requeue(d)
		}
	}
}

func (s *Service) requeue(d dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[d.lssID].sessionID == d.entry.SessionID {
		delete(s.inflight, d.lssID)
	}
	if _, ok := s.owner[d.entry.SessionID]; !ok {
		return
	}
	for _, e := range s.queue {
		if e.SessionID == d.entry.SessionID {
			return
		}
	}
	s.queue = append([]model.ShutdownEntry{d.entry}, s.queue...)
	s.publishSizesLocked()
}

// SessionClosed records the LSS acknowledgment of a finished shutdown. The
// session leaves its LSS, is appended once to the completed queue, and is
// purged from the ownership map. lssID 0 skips the ownership check.
func (s *Service) SessionClosed(lssID uint64, sessionID string) error {
	s.mu.Lock()
	owner, ok := s.owner[sessionID]
	if !ok {
		completed := s.completedLocked(sessionID)
		s.mu.Unlock()
		if completed {
			return nil
		}
		return fmt.Errorf("%w: %s", protocol.ErrSessionNotFound, sessionID)
	}
	if lssID != 0 && owner != lssID {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s is registered at lss %d, not %d", protocol.ErrInvalidRequest, sessionID, owner, lssID)
	}
	url := ""
	if entry, ok := s.lss[owner]; ok {
		url = entry.url
		delete(entry.active, sessionID)
		delete(entry.ini, sessionID)
	}
	delete(s.owner, sessionID)
	if s.inflight[owner].sessionID == sessionID {
		delete(s.inflight, owner)
	}
	s.dequeueLocked(sessionID)
	s.appendCompletedLocked(sessionID)
	s.publishSizesLocked()
	s.mu.Unlock()

	observability.RecordServiceTransition("gss", "session_closed")
	log.Info().Str("session_id", sessionID).Uint64("lss_id", owner).Msg("gss.SessionClosed")
	s.emit(SessionEvent{Kind: EventSessionClosed, SessionID: sessionID, LSSID: owner, LSSURL: url, At: time.Now()})
	s.kick()
	return nil
}

func (s *Service) dequeueLocked(sessionID string) {
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.SessionID != sessionID {
			kept = append(kept, e)
		}
	}
	s.queue = kept
}

func (s *Service) appendCompletedLocked(id string) {
	if s.completedLocked(id) {
		return
	}
	s.completed = append(s.completed, id)
	if limit := s.cfg.CompletedHistory; len(s.completed) > limit {
		s.completed = s.completed[len(s.completed)-limit:]
	}
}

func (s *Service) completedLocked(id string) bool {
	for _, done := range s.completed {
		if done == id {
			return true
		}
	}
	return false
}

func (s *Service) purgeCompletedLocked(id string) {
	for i, done := range s.completed {
		if done == id {
			s.completed = append(s.completed[:i], s.completed[i+1:]...)
			return
		}
	}
}
