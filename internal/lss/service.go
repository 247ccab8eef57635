// Package lss implements the Local Session Service: it hosts sessions, asks the
// directory tier for their worker services, watches their health, and shuts
// them down in order.
package lss

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/sessionctl/internal/debuginfo"
	"github.com/danmuck/sessionctl/internal/health"
	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/node"
	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Config configures the LSS daemon.
type Config struct {
	ListenAddr          string
	AdvertiseURL        string
	GSSURL              string
	GDSURL              string
	CorsOrigins         []string
	RequestTimeout      time.Duration
	HealthInterval      time.Duration
	HeartbeatInterval   time.Duration
	MaxMissedPings      int
	ShutdownTimeout     time.Duration
	CompletedHistory    int
	MandatoryServices   map[string][]string
	BlockedPorts        []int
	RegisterMaxAttempts int
	Backoff             protocol.BackoffConfig
}

// LSS daemon defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:7200",
		AdvertiseURL:      "http://127.0.0.1:7200",
		GSSURL:            "http://127.0.0.1:7100",
		GDSURL:            "http://127.0.0.1:7300",
		RequestTimeout:    protocol.DefaultTimeout,
		HealthInterval:    5 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		MaxMissedPings:    health.DefaultMaxFailures,
		ShutdownTimeout:   30 * time.Second,
		CompletedHistory:  128,
		Backoff:           protocol.DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxMissedPings <= 0 {
		c.MaxMissedPings = d.MaxMissedPings
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// Service is the LSS.
type Service struct {
	cfg    Config
	client *protocol.Client
	router *gin.Engine
	wake   chan struct{}

	mu        sync.Mutex
	sessions  map[string]*session
	queue     []model.ShutdownEntry
	completed []string
	changed   chan struct{}
	gdsURL    string
	baseCtx   context.Context

	id            atomic.Uint64
	gssConnected  atomic.Bool
	gdsConnected  atomic.Bool
	registering   atomic.Bool
	workerRunning atomic.Bool
}

// LSS service constructor.
func NewService(cfg Config) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		client:   protocol.NewClient(cfg.RequestTimeout),
		wake:     make(chan struct{}, 1),
		sessions: make(map[string]*session),
		changed:  make(chan struct{}),
		gdsURL:   cfg.GDSURL,
		baseCtx:  context.Background(),
	}
	s.router = s.newRouter()
	return s
}

func (s *Service) NodeID() uint64 { return s.id.Load() }

func (s *Service) Kind() string { return "lss" }

func (s *Service) HTTPRouter() *gin.Engine { return s.router }

// SetAdvertiseURL updates the url announced to GSS and GDS.
func (s *Service) SetAdvertiseURL(url string) { s.cfg.AdvertiseURL = url }

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Service) currentGDS() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gdsURL
}

// Register announces this LSS to GSS once and adopts the GDS it names.
func (s *Service) Register(ctx context.Context) error {
	start := time.Now()
	resp, err := s.client.RegisterLSS(ctx, s.cfg.GSSURL, protocol.RegisterLSSRequest{URL: s.cfg.AdvertiseURL})
	observability.RecordPeerCall("lss", "register", time.Since(start), err)
	if err != nil {
		s.gssConnected.Store(false)
		return err
	}
	s.id.Store(resp.ID)
	s.gssConnected.Store(true)
	if resp.GDSURL != "" {
		s.mu.Lock()
		s.gdsURL = resp.GDSURL
		s.mu.Unlock()
	}
	log.Info().Uint64("lss_id", resp.ID).Str("gss_url", s.cfg.GSSURL).Str("gds_url", resp.GDSURL).Msg("lss.Service registered")
	return nil
}

func (s *Service) registerWithRetry(ctx context.Context) {
	if !s.registering.CompareAndSwap(false, true) {
		return
	}
	defer s.registering.Store(false)
	err := protocol.RetryUntil(ctx, s.cfg.Backoff, s.cfg.RegisterMaxAttempts, "lss.register", s.Register)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("gss_url", s.cfg.GSSURL).Msg("lss.Service registration abandoned")
	}
}

// heartbeatLoop re-registers with GSS whenever it no longer holds this LSS,
// after a GSS restart or a health deregistration.
func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
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
		err := s.client.HeartbeatLSS(ctx, s.cfg.GSSURL, protocol.HeartbeatRequest{ID: id, URL: s.cfg.AdvertiseURL})
		observability.RecordPeerCall("lss", "heartbeat", time.Since(start), err)
		if err == nil {
			s.gssConnected.Store(true)
			return
		}
		s.gssConnected.Store(false)
		if !errors.Is(err, protocol.ErrHostNotFound) {
			log.Debug().Err(err).Str("gss_url", s.cfg.GSSURL).Msg("lss.Service heartbeat failed")
			return
		}
		log.Warn().Uint64("lss_id", id).Str("gss_url", s.cfg.GSSURL).Msg("lss.Service registration lost, re-registering")
	}
	s.registerWithRetry(ctx)
}

// Start launches the shutdown worker and registration under ctx. Serve calls
// it; tests that drive the service without HTTP call it directly.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	go s.runShutdownWorker(ctx)
	if s.cfg.GSSURL != "" {
		go s.registerWithRetry(ctx)
		go s.heartbeatLoop(ctx)
	}
}

// Run serves HTTP on the configured address until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	return node.ListenAndServe(ctx, s.cfg.ListenAddr, s.Serve)
}

// Serve starts the background workers and the HTTP surface on ln.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(ctx)
	return node.Serve(ctx, ln, s.router, 5*time.Second)
}

func (s *Service) publishSizesLocked() {
	observability.SetRegistrySize("lss", "sessions", len(s.sessions))
	observability.SetRegistrySize("lss", "shutdown_queue", len(s.queue))
	observability.SetRegistrySize("lss", "completed", len(s.completed))
}

// Snapshot projects the LSS registries.
func (s *Service) Snapshot() debuginfo.LSSDebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := debuginfo.LSSDebugInfo{
		ID:                     s.NodeID(),
		URL:                    s.cfg.AdvertiseURL,
		WorkerRunning:          s.workerRunning.Load(),
		GSSURL:                 s.cfg.GSSURL,
		GSSConnected:           s.gssConnected.Load(),
		GDSURL:                 s.gdsURL,
		GDSConnected:           s.gdsConnected.Load(),
		MandatoryServices:      s.cfg.MandatoryServices,
		ShutdownQueue:          append([]model.ShutdownEntry{}, s.queue...),
		ShutdownCompletedQueue: append([]string{}, s.completed...),
		BlockedPorts:           append([]int{}, s.cfg.BlockedPorts...),
		Sessions:               make([]debuginfo.LSSSession, 0, len(s.sessions)),
	}
	for _, sess := range s.sessions {
		info.Sessions = append(info.Sessions, sess.debugInfo())
	}
	sort.Slice(info.Sessions, func(i, j int) bool { return info.Sessions[i].Session.ID < info.Sessions[j].Session.ID })
	return info
}
