package lds

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/sessionctl/internal/debuginfo"
	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/node"
	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const reportQueueSize = 256

// ServiceConfig configures the LDS daemon.
type ServiceConfig struct {
	ListenAddr          string
	AdvertiseURL        string
	GDSURL              string
	CorsOrigins         []string
	RequestTimeout      time.Duration
	HeartbeatInterval   time.Duration
	PingWorkers         bool
	RegisterMaxAttempts int
	Backoff             protocol.BackoffConfig
}

// LDS daemon defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:        "127.0.0.1:7400",
		AdvertiseURL:      "http://127.0.0.1:7400",
		GDSURL:            "http://127.0.0.1:7300",
		RequestTimeout:    protocol.DefaultTimeout,
		HeartbeatInterval: 5 * time.Second,
		PingWorkers:       true,
		Backoff:           protocol.DefaultBackoff(),
	}
}

// Service is the LDS daemon: the supervisor plus its GDS link and HTTP surface.
type Service struct {
	cfg     ServiceConfig
	dirCfg  *Config
	manager *Manager
	client  *protocol.Client
	router  *gin.Engine
	reports chan protocol.ServiceStateReport
	// resync asks the heartbeat loop for a re-registration after dropped reports.
	resync chan struct{}

	id            atomic.Uint64
	gdsConnected  atomic.Bool
	registering   atomic.Bool
	workerRunning atomic.Bool
}

// LDS service constructor. dirCfg may be un-imported; the daemon then serves
// debug and health but refuses spawns and GDS rejects its registration.
func NewService(cfg ServiceConfig, dirCfg *Config, launcher Launcher, opts ...ManagerOption) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = protocol.DefaultTimeout
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = protocol.DefaultBackoff()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultServiceConfig().HeartbeatInterval
	}
	if dirCfg == nil {
		empty := DefaultConfig()
		dirCfg = &empty
	}
	s := &Service{
		cfg:     cfg,
		dirCfg:  dirCfg,
		client:  protocol.NewClient(cfg.RequestTimeout),
		reports: make(chan protocol.ServiceStateReport, reportQueueSize),
		resync:  make(chan struct{}, 1),
	}
	if cfg.PingWorkers {
		opts = append([]ManagerOption{WithProbe(s.client.Ping)}, opts...)
	}
	s.manager = NewManager(dirCfg, cfg.AdvertiseURL, launcher, ReporterFunc(s.enqueue), opts...)
	s.router = s.newRouter()
	return s
}

func (s *Service) NodeID() uint64 { return s.id.Load() }

func (s *Service) Kind() string { return "lds" }

func (s *Service) HTTPRouter() *gin.Engine { return s.router }

// Manager exposes the supervisor.
func (s *Service) Manager() *Manager { return s.manager }

// SetAdvertiseURL updates the url announced to GDS and stamped into instances.
func (s *Service) SetAdvertiseURL(url string) {
	s.cfg.AdvertiseURL = url
	s.manager.SetSelfURL(url)
}

func (s *Service) enqueue(report protocol.ServiceStateReport) {
	select {
	case s.reports <- report:
	default:
		log.Error().Uint64("service_id", report.ServiceID).Str("state", string(report.State)).
			Msg("lds.Service report queue full, dropping and resyncing with gds")
		select {
		case s.resync <- struct{}{}:
		default:
		}
	}
}

// pumpReports forwards supervision reports to GDS in order.
func (s *Service) pumpReports(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-s.reports:
			if strings.TrimSpace(s.cfg.GDSURL) == "" {
				continue
			}
			start := time.Now()
			err := s.client.ServiceStateChanged(ctx, s.cfg.GDSURL, report)
			observability.RecordPeerCall("lds", "service_state_changed", time.Since(start), err)
			if err == nil {
				continue
			}
			log.Warn().Err(err).Uint64("service_id", report.ServiceID).Str("state", string(report.State)).
				Msg("lds.Service report to gds failed")
			if errors.Is(err, protocol.ErrHostNotFound) {
				s.gdsConnected.Store(false)
				go s.registerWithRetry(ctx)
			}
		}
	}
}

// heartbeatLoop re-registers with GDS whenever it no longer holds this LDS, and
// after dropped reports so GDS reconciles from the current instance list.
func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.resync:
			s.gdsConnected.Store(false)
			s.registerWithRetry(ctx)
		case <-ticker.C:
			s.checkRegistration(ctx)
		}
	}
}

func (s *Service) checkRegistration(ctx context.Context) {
	if s.registering.Load() {
		return
	}
	if id := s.id.Load(); id != 0 {
		start := time.Now()
		err := s.client.HeartbeatLDS(ctx, s.cfg.GDSURL, protocol.HeartbeatRequest{ID: id, URL: s.cfg.AdvertiseURL})
		observability.RecordPeerCall("lds", "heartbeat", time.Since(start), err)
		if err == nil {
			s.gdsConnected.Store(true)
			return
		}
		s.gdsConnected.Store(false)
		if !errors.Is(err, protocol.ErrHostNotFound) {
			log.Debug().Err(err).Str("gds_url", s.cfg.GDSURL).Msg("lds.Service heartbeat failed")
			return
		}
		log.Warn().Uint64("lds_id", id).Str("gds_url", s.cfg.GDSURL).Msg("lds.Service registration lost, re-registering")
	}
	s.registerWithRetry(ctx)
}

// Register announces this LDS to GDS once.
func (s *Service) Register(ctx context.Context) error {
	req := protocol.RegisterLDSRequest{
		URL:               s.cfg.AdvertiseURL,
		SupportedServices: s.dirCfg.SupportedNames(),
		ConfigImported:    s.dirCfg.Imported(),
		Services:          s.manager.Instances(),
	}
	start := time.Now()
	resp, err := s.client.RegisterLDS(ctx, s.cfg.GDSURL, req)
	observability.RecordPeerCall("lds", "register", time.Since(start), err)
	if err != nil {
		return err
	}
	s.id.Store(resp.ID)
	s.gdsConnected.Store(true)
	log.Info().Uint64("lds_id", resp.ID).Str("gds_url", s.cfg.GDSURL).Int("services", len(req.Services)).
		Msg("lds.Service registered")
	return nil
}

func (s *Service) registerWithRetry(ctx context.Context) {
	if !s.registering.CompareAndSwap(false, true) {
		return
	}
	defer s.registering.Store(false)
	err := protocol.RetryUntil(ctx, s.cfg.Backoff, s.cfg.RegisterMaxAttempts, "lds.register", func(ctx context.Context) error {
		err := s.Register(ctx)
		if errors.Is(err, protocol.ErrConfigNotImported) {
			// Not retryable until the operator fixes the config.
			return nil
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("gds_url", s.cfg.GDSURL).Msg("lds.Service registration abandoned")
	}
}

// Run serves HTTP on the configured address until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	return node.ListenAndServe(ctx, s.cfg.ListenAddr, s.Serve)
}

// Serve runs the supervisor loops and the HTTP surface on ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.pumpReports(ctx)
	s.workerRunning.Store(true)
	go func() {
		defer s.workerRunning.Store(false)
		s.manager.Run(ctx)
	}()
	if s.dirCfg.Imported() {
		go s.registerWithRetry(ctx)
		go s.heartbeatLoop(ctx)
	} else {
		log.Error().Msg("lds.Service config not imported, skipping gds registration")
	}

	err := node.Serve(ctx, ln, s.router, 5*time.Second)
	s.manager.Shutdown()
	return err
}

// Snapshot projects the supervisor registry.
func (s *Service) Snapshot() debuginfo.LDSDebugInfo {
	instances := s.manager.Instances()
	info := debuginfo.LDSDebugInfo{
		ID:                         s.NodeID(),
		URL:                        s.cfg.AdvertiseURL,
		GDSURL:                     s.cfg.GDSURL,
		GDSConnected:               s.gdsConnected.Load(),
		ServicesIPAddress:          s.dirCfg.ServicesIPAddress,
		LastError:                  s.manager.LastError(),
		Config:                     s.dirCfg.Info(),
		UsedPorts:                  s.manager.UsedPorts(),
		WorkerRunning:              s.workerRunning.Load(),
		ServiceCheckAliveFrequency: s.dirCfg.CheckAliveInterval(),
		AliveSessions:              []debuginfo.LDSSession{},
		RequestedServices:          []model.ServiceInstance{},
		InitializingServices:       []model.ServiceInstance{},
		FailedServices:             []model.ServiceInstance{},
		NewStoppingServices:        []model.ServiceInstance{},
		StoppingServices:           []model.ServiceInstance{},
	}
	sessions := make(map[string]*debuginfo.LDSSession)
	for _, inst := range instances {
		switch inst.State {
		case model.StateRequested:
			info.RequestedServices = append(info.RequestedServices, inst)
		case model.StateInitializing:
			info.InitializingServices = append(info.InitializingServices, inst)
		case model.StateFailed:
			info.FailedServices = append(info.FailedServices, inst)
		case model.StateNewStopping:
			info.NewStoppingServices = append(info.NewStoppingServices, inst)
		case model.StateStopping:
			info.StoppingServices = append(info.StoppingServices, inst)
		case model.StateAlive:
			sess, ok := sessions[inst.SessionID]
			if !ok {
				sess = &debuginfo.LDSSession{SessionID: inst.SessionID, LSSURL: inst.LSSURL}
				sessions[inst.SessionID] = sess
			}
			sess.Services = append(sess.Services, inst)
		}
	}
	for _, sess := range sessions {
		info.AliveSessions = append(info.AliveSessions, *sess)
	}
	sort.Slice(info.AliveSessions, func(i, j int) bool {
		return info.AliveSessions[i].SessionID < info.AliveSessions[j].SessionID
	})
	return info
}
