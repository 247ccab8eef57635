package lss

import (
	"context"
	"time"

	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func (s *Service) healthLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckSessionHealth(ctx, sessionID)
		}
	}
}

type pingTarget struct {
	id  uint64
	url string
}

// CheckSessionHealth runs one health round for a session: a GSS ping and one
// ping per alive service. Reaching the miss threshold on GSS queues a graceful
// shutdown; on a service it clears that service's alive flag.
func (s *Service) CheckSessionHealth(ctx context.Context, sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.shuttingDown || !sess.healthCheckRunning {
		s.mu.Unlock()
		return
	}
	var targets []pingTarget
	for _, svc := range sess.services {
		if svc.isAlive && svc.inst.URL != "" {
			targets = append(targets, pingTarget{id: svc.inst.ID, url: svc.inst.URL})
		}
	}
	s.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	var gssErr error
	svcErrs := make([]error, len(targets))
	g, gctx := errgroup.WithContext(pctx)
	if s.cfg.GSSURL != "" {
		g.Go(func() error {
			gssErr = s.client.Ping(gctx, s.cfg.GSSURL)
			return nil
		})
	}
	for i, t := range targets {
		g.Go(func() error {
			svcErrs[i] = s.client.Ping(gctx, t.url)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return
	}

	trigger := false
	s.mu.Lock()
	sess, ok = s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if gssErr != nil {
		sess.missedPings++
		observability.RecordHealthMiss("lss", "gss")
		log.Warn().Err(gssErr).Str("session_id", sessionID).Int("missed", sess.missedPings).Msg("lss.CheckSessionHealth gss ping missed")
		if sess.missedPings >= s.cfg.MaxMissedPings && sess.healthCheckRunning {
			sess.healthCheckRunning = false
			trigger = true
		}
	} else {
		sess.missedPings = 0
		s.gssConnected.Store(true)
	}
	changed := false
	for i, t := range targets {
		svc := sess.find(t.id)
		if svc == nil {
			continue
		}
		if svcErrs[i] == nil {
			svc.missedPings = 0
			continue
		}
		svc.missedPings++
		observability.RecordHealthMiss("lss", "service")
		if svc.missedPings >= s.cfg.MaxMissedPings && svc.isAlive {
			svc.isAlive = false
			changed = true
			log.Warn().Str("session_id", sessionID).Uint64("service_id", t.id).Msg("lss.CheckSessionHealth service not responding")
		}
	}
	if changed {
		s.broadcastLocked()
	}
	s.mu.Unlock()

	if trigger {
		s.gssConnected.Store(false)
		log.Error().Str("session_id", sessionID).Msg("lss.CheckSessionHealth gss lost, shutting session down")
		_ = s.ShutdownSession(ctx, sessionID, false)
	}
}
