package lss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// notifyAttempts bounds SessionClosed retries; GSS re-sends the shutdown when
// every attempt is lost.
const notifyAttempts = 5

// ShutdownSession queues a graceful shutdown, or tears the session down at once
// when emergency is set.
func (s *Service) ShutdownSession(ctx context.Context, sessionID string, emergency bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		completed := s.completedLocked(sessionID)
		s.mu.Unlock()
		if completed {
			// GSS asks again when our acknowledgment never reached it.
			go s.notifyClosed(s.baseContext(), sessionID)
			return nil
		}
		return fmt.Errorf("%w: %s", protocol.ErrSessionNotFound, sessionID)
	}
	if emergency {
		s.removeSessionLocked(sess)
		s.mu.Unlock()
		log.Warn().Str("session_id", sessionID).Msg("lss.ShutdownSession emergency")
		go s.emergencyStop(sessionID)
		return nil
	}
	if sess.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	sess.shuttingDown = true
	s.queue = append(s.queue, model.ShutdownEntry{SessionID: sessionID})
	s.publishSizesLocked()
	s.mu.Unlock()

	log.Info().Str("session_id", sessionID).Msg("lss.ShutdownSession queued")
	s.kick()
	return nil
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// removeSessionLocked drops the session, its health loop, and any queued entry,
// and records it as completed.
func (s *Service) removeSessionLocked(sess *session) {
	id := sess.info.ID
	if sess.cancel != nil {
		sess.cancel()
	}
	delete(s.sessions, id)
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.SessionID != id {
			kept = append(kept, e)
		}
	}
	s.queue = kept
	s.appendCompletedLocked(id)
	s.broadcastLocked()
	s.publishSizesLocked()
}

func (s *Service) emergencyStop(sessionID string) {
	ctx, cancel := context.WithTimeout(s.baseContext(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.client.StopSession(ctx, s.currentGDS(), protocol.StopSessionRequest{SessionID: sessionID, Emergency: true}); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("lss.emergencyStop gds stop failed")
	}
	s.notifyClosed(ctx, sessionID)
}

// runShutdownWorker drains the graceful queue one session at a time.
func (s *Service) runShutdownWorker(ctx context.Context) {
	s.workerRunning.Store(true)
	defer s.workerRunning.Store(false)
	for {
		for {
			entry, ok := s.nextQueued()
			if !ok {
				break
			}
			s.shutdownGraceful(ctx, entry.SessionID)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (s *Service) nextQueued() (model.ShutdownEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return model.ShutdownEntry{}, false
	}
	return s.queue[0], true
}

// shutdownGraceful stops every service of the session in reverse creation
// order, waits for them to drain, then removes the session and tells GSS.
func (s *Service) shutdownGraceful(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.dequeueLocked(sessionID)
		s.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(sess.services))
	for i := len(sess.services) - 1; i >= 0; i-- {
		ids = append(ids, sess.services[i].inst.ID)
	}
	gdsURL := s.gdsURL
	s.mu.Unlock()

	started := time.Now()
	for _, id := range ids {
		err := s.client.StopService(ctx, gdsURL, protocol.StopServiceRequest{ServiceID: id})
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrServiceNotFound):
			s.forgetService(sessionID, id)
		default:
			log.Warn().Err(err).Str("session_id", sessionID).Uint64("service_id", id).Msg("lss.shutdownGraceful stop failed")
		}
	}

	if !s.waitDrained(ctx, sessionID, started.Add(s.cfg.ShutdownTimeout)) {
		log.Warn().Str("session_id", sessionID).Dur("timeout", s.cfg.ShutdownTimeout).Msg("lss.shutdownGraceful timed out, forcing")
		if err := s.client.StopSession(ctx, gdsURL, protocol.StopSessionRequest{SessionID: sessionID, Emergency: true}); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("lss.shutdownGraceful force stop failed")
		}
	}

	s.mu.Lock()
	sess, ok = s.sessions[sessionID]
	if ok {
		s.removeSessionLocked(sess)
	} else {
		s.dequeueLocked(sessionID)
	}
	s.mu.Unlock()
	if !ok {
		// An emergency shutdown overtook this one and already reported.
		return
	}
	observability.RecordServiceTransition("lss", "session_closed")
	log.Info().Str("session_id", sessionID).Dur("took", time.Since(started)).Msg("lss.shutdownGraceful completed")
	s.notifyClosed(ctx, sessionID)
}

// forgetService drops a service the directory no longer knows about.
func (s *Service) forgetService(sessionID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.remove(id)
		s.broadcastLocked()
	}
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

// waitDrained blocks until no service of the session is pending, the session
// disappears, the deadline passes, or ctx ends. It reports whether it drained.
func (s *Service) waitDrained(ctx context.Context, sessionID string, deadline time.Time) bool {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		s.mu.Lock()
		sess, ok := s.sessions[sessionID]
		pending := 0
		if ok {
			pending = sess.pending()
		}
		changed := s.changed
		s.mu.Unlock()
		if pending == 0 {
			return true
		}
		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Service) notifyClosed(ctx context.Context, sessionID string) {
	if s.cfg.GSSURL == "" {
		return
	}
	err := protocol.RetryUntil(ctx, s.cfg.Backoff, notifyAttempts, "lss.notify_closed", func(ctx context.Context) error {
		start := time.Now()
		err := s.client.SessionClosed(ctx, s.cfg.GSSURL, protocol.SessionClosedRequest{LSSID: s.NodeID(), SessionID: sessionID})
		observability.RecordPeerCall("lss", "session_closed", time.Since(start), err)
		if errors.Is(err, protocol.ErrSessionNotFound) || errors.Is(err, protocol.ErrInvalidRequest) {
			// GSS no longer tracks the session under this LSS.
			log.Debug().Err(err).Str("session_id", sessionID).Msg("lss.notifyClosed not tracked by gss")
			return nil
		}
		return err
	})
	s.gssConnected.Store(err == nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("lss.notifyClosed failed")
	}
}

func (s *Service) appendCompletedLocked(id string) {
	if s.completedLocked(id) {
		return
	}
	s.completed = append(s.completed, id)
	if limit := s.cfg.CompletedHistory; limit > 0 && len(s.completed) > limit {
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
