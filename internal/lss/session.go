package lss

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/sessionctl/internal/debuginfo"
	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/rs/zerolog/log"
)

// service is one worker as seen by its session.
type service struct {
	inst           model.ServiceInstance
	isRequested    bool
	isAlive        bool
	isRunning      bool
	isShuttingDown bool
	isFailed       bool
	missedPings    int
}

// drained reports whether the service no longer blocks a graceful shutdown.
func (svc *service) drained() bool {
	return svc.isFailed || svc.inst.State == model.StateFailed
}

type session struct {
	info               model.SessionInfo
	flags              model.SessionFlags
	healthCheckRunning bool
	shuttingDown       bool
	missedPings        int
	failedRequests     int
	lastError          string
	// services is kept in creation order; shutdown walks it backwards.
	services []*service
	cancel   context.CancelFunc
}

func (sess *session) find(id uint64) *service {
	for _, svc := range sess.services {
		if svc.inst.ID == id {
			return svc
		}
	}
	return nil
}

func (sess *session) remove(id uint64) {
	for i, svc := range sess.services {
		if svc.inst.ID == id {
			sess.services = append(sess.services[:i], sess.services[i+1:]...)
			return
		}
	}
}

func (sess *session) pending() int {
	n := 0
	for _, svc := range sess.services {
		if !svc.drained() {
			n++
		}
	}
	return n
}

func (sess *session) debugInfo() debuginfo.LSSSession {
	out := debuginfo.LSSSession{
		Session:              sess.info,
		Flags:                sess.flags,
		HostConfirmed:        sess.flags.Has(model.FlagHostConfirmed),
		IsHealthCheckRunning: sess.healthCheckRunning,
		IsShuttingDown:       sess.shuttingDown,
		MissedPings:          sess.missedPings,
		FailedRequests:       sess.failedRequests,
		LastRequestError:     sess.lastError,
		Services:             make([]debuginfo.LSSService, 0, len(sess.services)),
	}
	for _, svc := range sess.services {
		out.Services = append(out.Services, debuginfo.LSSService{
			ID:             svc.inst.ID,
			Name:           svc.inst.Name,
			Type:           svc.inst.Type,
			URL:            svc.inst.URL,
			WebsocketURL:   svc.inst.WebsocketURL,
			State:          svc.inst.State,
			IsDebug:        svc.inst.IsDebug,
			IsRequested:    svc.isRequested,
			IsAlive:        svc.isAlive,
			IsRunning:      svc.isRunning,
			IsShuttingDown: svc.isShuttingDown,
			IsHidden:       svc.inst.IsHidden,
			IsFailed:       svc.isFailed,
			MissedPings:    svc.missedPings,
		})
	}
	return out
}

// ConfirmSession instantiates a session on this LSS. Repeated confirmations of
// a live session are no-ops.
func (s *Service) ConfirmSession(ctx context.Context, info model.SessionInfo) error {
	info.ID = strings.TrimSpace(info.ID)
	if info.ID == "" {
		return fmt.Errorf("%w: session id is required", protocol.ErrInvalidRequest)
	}

	s.mu.Lock()
	if sess, ok := s.sessions[info.ID]; ok {
		shuttingDown := sess.shuttingDown
		s.mu.Unlock()
		if shuttingDown {
			return fmt.Errorf("%w: %s", protocol.ErrSessionShuttingDown, info.ID)
		}
		log.Debug().Str("session_id", info.ID).Msg("lss.ConfirmSession already confirmed")
		return nil
	}
	hctx, cancel := context.WithCancel(s.baseContext())
	sess := &session{
		info:               info,
		flags:              model.FlagHostConfirmed,
		healthCheckRunning: true,
		cancel:             cancel,
	}
	s.sessions[info.ID] = sess
	s.purgeCompletedLocked(info.ID)
	s.publishSizesLocked()
	s.mu.Unlock()

	log.Info().Str("session_id", info.ID).Str("session_type", info.Type).Str("user", info.UserName).
		Msg("lss.ConfirmSession instantiated")
	go s.healthLoop(hctx, info.ID)
	go s.afterConfirm(info)
	return nil
}

// afterConfirm reports the confirmation to GSS and requests the session type's
// mandatory services.
func (s *Service) afterConfirm(info model.SessionInfo) {
	ctx, cancel := context.WithTimeout(s.baseContext(), 4*s.cfg.RequestTimeout)
	defer cancel()

	if id := s.NodeID(); id != 0 && s.cfg.GSSURL != "" {
		start := time.Now()
		err := s.client.ConfirmSession(ctx, s.cfg.GSSURL, protocol.ConfirmSessionRequest{LSSID: id, Session: info})
		observability.RecordPeerCall("lss", "confirm_session", time.Since(start), err)
		if err != nil {
			log.Warn().Err(err).Str("session_id", info.ID).Msg("lss.ConfirmSession gss confirmation failed")
		}
	}
	for _, serviceType := range s.cfg.MandatoryServices[info.Type] {
		if _, err := s.RequestService(ctx, info.ID, serviceType, nil); err != nil {
			log.Warn().Err(err).Str("session_id", info.ID).Str("service_type", serviceType).
				Msg("lss.ConfirmSession mandatory service failed")
		}
	}
}

// RequestService asks GDS for a new worker of serviceType bound to the session.
// Failures are recorded on the session and never retried.
func (s *Service) RequestService(ctx context.Context, sessionID, serviceType string, options map[string]string) (model.ServiceHandle, error) {
	if strings.TrimSpace(serviceType) == "" {
		return model.ServiceHandle{}, fmt.Errorf("%w: service_type is required", protocol.ErrInvalidRequest)
	}
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return model.ServiceHandle{}, fmt.Errorf("%w: %s", protocol.ErrSessionNotFound, sessionID)
	}
	if sess.shuttingDown {
		s.mu.Unlock()
		return model.ServiceHandle{}, fmt.Errorf("%w: %s", protocol.ErrSessionShuttingDown, sessionID)
	}
	gdsURL := s.gdsURL
	s.mu.Unlock()

	start := time.Now()
	inst, err := s.client.CreateService(ctx, gdsURL, protocol.CreateServiceRequest{
		SessionID:   sessionID,
		ServiceType: serviceType,
		LSSURL:      s.cfg.AdvertiseURL,
		Options:     options,
	})
	observability.RecordPeerCall("lss", "create_service", time.Since(start), err)
	s.gdsConnected.Store(!errors.Is(err, protocol.ErrHostUnreachable))

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok = s.sessions[sessionID]
	if !ok {
		if err == nil {
			go s.stopOrphan(inst.ID)
		}
		return model.ServiceHandle{}, fmt.Errorf("%w: %s", protocol.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		sess.failedRequests++
		sess.lastError = err.Error()
		log.Warn().Err(err).Str("session_id", sessionID).Str("service_type", serviceType).
			Int("failed_requests", sess.failedRequests).Msg("lss.RequestService failed")
		return model.ServiceHandle{}, err
	}
	// A state report may have landed first; it is newer than inst.
	svc := sess.find(inst.ID)
	if svc == nil {
		svc = &service{inst: inst}
		sess.services = append(sess.services, svc)
		s.applyStateLocked(svc, inst.State)
	}
	svc.isRequested = true
	s.broadcastLocked()
	log.Info().Str("session_id", sessionID).Uint64("service_id", inst.ID).Str("service_type", serviceType).
		Str("url", inst.URL).Msg("lss.RequestService granted")
	return inst.Handle(), nil
}

func (s *Service) stopOrphan(id uint64) {
	ctx, cancel := context.WithTimeout(s.baseContext(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.client.StopService(ctx, s.currentGDS(), protocol.StopServiceRequest{ServiceID: id, Emergency: true}); err != nil {
		log.Warn().Err(err).Uint64("service_id", id).Msg("lss.stopOrphan failed")
	}
}

// OnServiceStateChanged applies a supervision report to the owning session.
func (s *Service) OnServiceStateChanged(report protocol.ServiceStateReport) error {
	inst := report.Instance
	inst.ID = report.ServiceID
	inst.State = report.State

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[inst.SessionID]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrSessionNotFound, inst.SessionID)
	}
	svc := sess.find(inst.ID)
	if report.State == model.StateRemoved {
		if svc != nil {
			sess.remove(inst.ID)
			s.broadcastLocked()
		}
		log.Debug().Str("session_id", inst.SessionID).Uint64("service_id", inst.ID).Msg("lss.OnServiceStateChanged removed")
		return nil
	}
	if svc == nil {
		svc = &service{isRequested: true}
		sess.services = append(sess.services, svc)
	}
	svc.inst = inst
	s.applyStateLocked(svc, inst.State)
	if report.State == model.StateFailed && report.Reason != "" {
		sess.lastError = report.Reason
	}
	s.broadcastLocked()
	log.Debug().Str("session_id", inst.SessionID).Uint64("service_id", inst.ID).Str("state", string(inst.State)).
		Msg("lss.OnServiceStateChanged")
	return nil
}

func (s *Service) applyStateLocked(svc *service, state model.ServiceState) {
	svc.inst.State = state
	switch state {
	case model.StateRequested:
		svc.isRequested, svc.isAlive, svc.isRunning = true, false, false
	case model.StateInitializing:
		svc.isRunning, svc.isAlive = true, false
	case model.StateAlive:
		svc.isRunning, svc.isAlive, svc.isFailed = true, true, false
		svc.missedPings = 0
	case model.StateNewStopping, model.StateStopping:
		svc.isShuttingDown, svc.isAlive = true, false
	case model.StateFailed:
		svc.isFailed, svc.isAlive, svc.isRunning = true, false, false
	}
	observability.RecordServiceTransition("lss", string(state))
}

// broadcastLocked wakes everyone waiting on a service change.
func (s *Service) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
