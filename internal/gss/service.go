// Package gss implements the Global Session Service: the registry of LSS
// hosts, assignment of new sessions to them, and the session shutdown queue.
package gss

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
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
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config configures the GSS daemon.
type Config struct {
	ListenAddr        string
	AdvertiseURL      string
	GDSURL            string
	CorsOrigins       []string
	RequestTimeout    time.Duration
	CreateTimeout     time.Duration
	IniTimeout        time.Duration
	HealthInterval    time.Duration
	MaxMissedPings    int
	MaxSessionsPerLSS int
	SelectionPolicy   string
	CompletedHistory  int
	RetryInterval     time.Duration
	InflightTimeout   time.Duration
	BlockedPorts      []int
}

// GSS daemon defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       "127.0.0.1:7100",
		AdvertiseURL:     "http://127.0.0.1:7100",
		GDSURL:           "http://127.0.0.1:7300",
		RequestTimeout:   protocol.DefaultTimeout,
		CreateTimeout:    10 * time.Second,
		IniTimeout:       time.Minute,
		HealthInterval:   10 * time.Second,
		MaxMissedPings:   health.DefaultMaxFailures,
		SelectionPolicy:  PolicyLeastLoaded,
		CompletedHistory: 128,
		RetryInterval:    time.Second,
		InflightTimeout:  2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = d.CreateTimeout
	}
	if c.IniTimeout <= 0 {
		c.IniTimeout = d.IniTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.CompletedHistory <= 0 {
		c.CompletedHistory = d.CompletedHistory
	}
	if c.InflightTimeout <= 0 {
		c.InflightTimeout = d.InflightTimeout
	}
	return c
}

type iniSession struct {
	info  model.SessionInfo
	since time.Time
}

type lssEntry struct {
	id           uint64
	url          string
	registeredAt time.Time
	active       map[string]model.SessionInfo
	ini          map[string]iniSession
}

func (e *lssEntry) load() int { return len(e.active) + len(e.ini) }

func (e *lssEntry) lookup(sessionID string) (model.SessionInfo, bool) {
	if info, ok := e.active[sessionID]; ok {
		return info, true
	}
	if ini, ok := e.ini[sessionID]; ok {
		return ini.info, true
	}
	return model.SessionInfo{}, false
}

// inflightShutdown is the graceful shutdown an LSS is working on. It is sent
// again once sentAt is older than InflightTimeout.
type inflightShutdown struct {
	sessionID string
	sentAt    time.Time
}

type orphan struct {
	info   model.SessionInfo
	lssID  uint64
	lssURL string
	at     time.Time
}

// Service is the GSS.
type Service struct {
	cfg     Config
	client  *protocol.Client
	monitor *health.Monitor
	router  *gin.Engine
	wake    chan struct{}

	mu        sync.Mutex
	policy    SelectionPolicy
	lss       map[uint64]*lssEntry
	byURL     map[string]uint64
	owner     map[string]uint64
	queue     []model.ShutdownEntry
	inflight  map[uint64]inflightShutdown
	completed []string
	orphaned  []orphan
	listeners []Listener
	nextLSSID uint64

	workerRunning atomic.Bool
}

// GSS service constructor. An unknown selection policy name is an error.
func NewService(cfg Config) (*Service, error) {
	cfg = cfg.withDefaults()
	policy, err := NewSelectionPolicy(cfg.SelectionPolicy)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		client:   protocol.NewClient(cfg.RequestTimeout),
		wake:     make(chan struct{}, 1),
		policy:   policy,
		lss:      make(map[uint64]*lssEntry),
		byURL:    make(map[string]uint64),
		owner:    make(map[string]uint64),
		inflight: make(map[uint64]inflightShutdown),
	}
	s.monitor = health.NewMonitor(health.Config{
		Node:        "gss",
		Target:      "lss",
		Interval:    cfg.HealthInterval,
		Timeout:     cfg.RequestTimeout,
		MaxFailures: cfg.MaxMissedPings,
	}, s.client.Ping, func(p health.Peer) {
		s.Deregister(p.ID, "missed health checks")
	})
	s.router = s.newRouter()
	return s, nil
}

// SetSelectionPolicy swaps the LSS selection policy.
func (s *Service) SetSelectionPolicy(p SelectionPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

func (s *Service) NodeID() uint64 { return 0 }

func (s *Service) Kind() string { return "gss" }

func (s *Service) HTTPRouter() *gin.Engine { return s.router }

// Monitor exposes the LSS health monitor.
func (s *Service) Monitor() *health.Monitor { return s.monitor }

// RegisterLocalSessionService adds an LSS and returns its id and the GDS url it
// should use. A re-registration from the same url orphans the prior entry's
// sessions.
func (s *Service) RegisterLocalSessionService(url string) (uint64, string, error) {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return 0, "", fmt.Errorf("%w: url is required", protocol.ErrInvalidRequest)
	}
	s.mu.Lock()
	var events []SessionEvent
	if oldID, ok := s.byURL[url]; ok {
		events = s.dropEntryLocked(oldID, "re-registered")
	}
	s.nextLSSID++
	entry := &lssEntry{
		id:           s.nextLSSID,
		url:          url,
		registeredAt: time.Now(),
		active:       make(map[string]model.SessionInfo),
		ini:          make(map[string]iniSession),
	}
	s.lss[entry.id] = entry
	s.byURL[url] = entry.id
	s.publishSizesLocked()
	s.mu.Unlock()

	log.Info().Uint64("lss_id", entry.id).Str("lss_url", url).Int("orphaned", len(events)).Msg("gss.Register accepted")
	s.emit(events...)
	s.kick()
	return entry.id, s.cfg.GDSURL, nil
}

// Heartbeat reports whether lssID is still registered from url.
func (s *Service) Heartbeat(lssID uint64, url string) error {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	s.mu.Lock()
	entry, ok := s.lss[lssID]
	s.mu.Unlock()
	if !ok || entry.url != url {
		return fmt.Errorf("%w: lss %d at %s", protocol.ErrHostNotFound, lssID, url)
	}
	return nil
}

// Deregister drops an LSS and moves its sessions to the orphaned list.
func (s *Service) Deregister(id uint64, reason string) {
	s.mu.Lock()
	entry, ok := s.lss[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	events := s.dropEntryLocked(id, reason)
	s.publishSizesLocked()
	s.mu.Unlock()

	log.Warn().Uint64("lss_id", id).Str("lss_url", entry.url).Str("reason", reason).
		Int("orphaned", len(events)).Msg("gss.Deregister")
	s.emit(events...)
	s.kick()
}

func (s *Service) dropEntryLocked(id uint64, reason string) []SessionEvent {
	entry, ok := s.lss[id]
	if !ok {
		return nil
	}
	now := time.Now()
	var events []SessionEvent
	adopt := func(info model.SessionInfo) {
		s.orphaned = append(s.orphaned, orphan{info: info, lssID: id, lssURL: entry.url, at: now})
		delete(s.owner, info.ID)
		s.dequeueLocked(info.ID)
		events = append(events, SessionEvent{Kind: EventSessionOrphaned, SessionID: info.ID, LSSID: id, LSSURL: entry.url, At: now})
		log.Warn().Str("session_id", info.ID).Uint64("lss_id", id).Str("reason", reason).Msg("gss.session orphaned")
	}
	for _, info := range entry.active {
		adopt(info)
	}
	for _, ini := range entry.ini {
		adopt(ini.info)
	}
	if limit := s.cfg.CompletedHistory; len(s.orphaned) > limit {
		s.orphaned = s.orphaned[len(s.orphaned)-limit:]
	}
	delete(s.inflight, id)
	delete(s.lss, id)
	delete(s.byURL, entry.url)
	s.monitor.Forget(id)
	return events
}

// CreateSession assigns a new session to an LSS and waits for the LSS to
// confirm it. The assignment is rolled back when confirmation fails.
func (s *Service) CreateSession(ctx context.Context, req protocol.CreateSessionRequest) (protocol.CreateSessionResponse, error) {
	if strings.TrimSpace(req.SessionType) == "" {
		return protocol.CreateSessionResponse{}, fmt.Errorf("%w: session_type is required", protocol.ErrInvalidRequest)
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	info := req.SessionInfo(id)

	s.mu.Lock()
	if err := s.alreadyOpenLocked(info); err != nil {
		s.mu.Unlock()
		return protocol.CreateSessionResponse{}, err
	}
	entry, err := s.selectLocked()
	if err != nil {
		s.mu.Unlock()
		log.Warn().Err(err).Str("session_id", id).Str("session_type", info.Type).Msg("gss.CreateSession rejected")
		return protocol.CreateSessionResponse{}, err
	}
	entry.ini[id] = iniSession{info: info, since: time.Now()}
	s.owner[id] = entry.id
	s.purgeCompletedLocked(id)
	s.publishSizesLocked()
	lssID, lssURL := entry.id, entry.url
	s.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CreateTimeout)
	defer cancel()
	start := time.Now()
	err = s.client.ConfirmSession(cctx, lssURL, protocol.ConfirmSessionRequest{LSSID: lssID, Session: info})
	observability.RecordPeerCall("gss", "confirm_session", time.Since(start), err)

	s.mu.Lock()
	entry, live := s.lss[lssID]
	owned := live && s.owner[id] == lssID
	if err != nil {
		if owned {
			delete(entry.ini, id)
			delete(entry.active, id)
			delete(s.owner, id)
		}
		s.publishSizesLocked()
		s.mu.Unlock()
		log.Warn().Err(err).Str("session_id", id).Uint64("lss_id", lssID).Msg("gss.CreateSession confirm failed, rolled back")
		return protocol.CreateSessionResponse{}, err
	}
	if !owned {
		s.mu.Unlock()
		log.Warn().Str("session_id", id).Uint64("lss_id", lssID).Msg("gss.CreateSession assignment lost during confirmation")
		go s.abandon(lssURL, id)
		return protocol.CreateSessionResponse{}, fmt.Errorf("%w: lss %d dropped session %s during confirmation", protocol.ErrHostUnreachable, lssID, id)
	}
	s.promoteLocked(entry, id)
	s.publishSizesLocked()
	s.mu.Unlock()

	observability.RecordServiceTransition("gss", "session_created")
	log.Info().Str("session_id", id).Str("session_type", info.Type).Str("user", info.UserName).
		Uint64("lss_id", lssID).Str("lss_url", lssURL).Msg("gss.CreateSession confirmed")
	s.emit(SessionEvent{Kind: EventSessionCreated, SessionID: id, LSSID: lssID, LSSURL: lssURL, At: time.Now()})
	return protocol.CreateSessionResponse{SessionID: id, LSSURL: lssURL, LSSID: lssID}, nil
}

func (s *Service) alreadyOpenLocked(info model.SessionInfo) error {
	lssID, ok := s.owner[info.ID]
	if !ok {
		return nil
	}
	var existing model.SessionInfo
	if entry, ok := s.lss[lssID]; ok {
		existing, _ = entry.lookup(info.ID)
	}
	if existing.UserName == info.UserName {
		return fmt.Errorf("%w: session %s is already open for user %s", protocol.ErrSessionAlreadyOpen, info.ID, info.UserName)
	}
	return fmt.Errorf("%w: session %s is already open by another user", protocol.ErrSessionAlreadyOpen, info.ID)
}

func (s *Service) selectLocked() (*lssEntry, error) {
	if len(s.lss) == 0 {
		return nil, fmt.Errorf("%w: no lss registered", protocol.ErrNoCapacity)
	}
	candidates := make([]Candidate, 0, len(s.lss))
	for _, entry := range s.lss {
		n := entry.load()
		if s.cfg.MaxSessionsPerLSS > 0 && n >= s.cfg.MaxSessionsPerLSS {
			continue
		}
		candidates = append(candidates, Candidate{ID: entry.id, URL: entry.url, Sessions: n})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: all %d lss at %d sessions", protocol.ErrNoCapacity, len(s.lss), s.cfg.MaxSessionsPerLSS)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return s.lss[s.policy.Select(candidates).ID], nil
}

func (s *Service) promoteLocked(entry *lssEntry, id string) {
	if ini, ok := entry.ini[id]; ok {
		delete(entry.ini, id)
		entry.active[id] = ini.info
	}
}

// abandon tells an LSS to drop a session GSS no longer tracks.
func (s *Service) abandon(lssURL, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	err := s.client.ShutdownSession(ctx, lssURL, protocol.ShutdownSessionRequest{SessionID: sessionID, Emergency: true})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("lss_url", lssURL).Msg("gss.abandon failed")
	}
}

// ConfirmSession records an LSS-initiated confirmation of a session assigned
// to it. Confirming an active session again is a no-op.
func (s *Service) ConfirmSession(lssID uint64, info model.SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owner[info.ID]
	if !ok {
		return fmt.Errorf("%w: session %s is not registered", protocol.ErrSessionNotFound, info.ID)
	}
	if owner != lssID {
		return fmt.Errorf("%w: session %s is registered at lss %d, not %d", protocol.ErrInvalidRequest, info.ID, owner, lssID)
	}
	entry, ok := s.lss[lssID]
	if !ok {
		return fmt.Errorf("%w: lss %d", protocol.ErrHostNotFound, lssID)
	}
	existing, _ := entry.lookup(info.ID)
	if info.UserName != "" && existing.UserName != info.UserName {
		return fmt.Errorf("%w: session %s belongs to another user", protocol.ErrInvalidRequest, info.ID)
	}
	s.promoteLocked(entry, info.ID)
	s.publishSizesLocked()
	log.Debug().Str("session_id", info.ID).Uint64("lss_id", lssID).Msg("gss.ConfirmSession")
	return nil
}

// SweepInitializing drops sessions that have waited longer than the ini
// timeout for confirmation, as of now. It returns the dropped ids.
func (s *Service) SweepInitializing(now time.Time) []string {
	s.mu.Lock()
	var dropped []string
	for _, entry := range s.lss {
		for id, ini := range entry.ini {
			if now.Sub(ini.since) < s.cfg.IniTimeout {
				continue
			}
			delete(entry.ini, id)
			delete(s.owner, id)
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		s.publishSizesLocked()
	}
	s.mu.Unlock()
	sort.Strings(dropped)
	for _, id := range dropped {
		log.Warn().Str("session_id", id).Dur("ini_timeout", s.cfg.IniTimeout).Msg("gss.SweepInitializing dropped")
	}
	return dropped
}

func (s *Service) sweepLoop(ctx context.Context) {
	interval := s.cfg.IniTimeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepInitializing(now)
		}
	}
}

func (s *Service) peers() []health.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]health.Peer, 0, len(s.lss))
	for _, entry := range s.lss {
		out = append(out, health.Peer{ID: entry.id, URL: entry.url})
	}
	return out
}

func (s *Service) publishSizesLocked() {
	active, ini := 0, 0
	for _, entry := range s.lss {
		active += len(entry.active)
		ini += len(entry.ini)
	}
	observability.SetRegistrySize("gss", "lss", len(s.lss))
	observability.SetRegistrySize("gss", "active", active)
	observability.SetRegistrySize("gss", "initializing", ini)
	observability.SetRegistrySize("gss", "shutdown_queue", len(s.queue))
	observability.SetRegistrySize("gss", "orphaned", len(s.orphaned))
}

// Start launches the shutdown dispatcher, the initialization sweeper, and the
// LSS health monitor under ctx.
func (s *Service) Start(ctx context.Context) {
	go s.runShutdownWorker(ctx)
	go s.sweepLoop(ctx)
	go s.monitor.Run(ctx, s.peers)
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

// Snapshot projects the GSS registries.
func (s *Service) Snapshot() debuginfo.GSSDebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := debuginfo.GSSDebugInfo{
		URL:                    s.cfg.AdvertiseURL,
		GDSURL:                 s.cfg.GDSURL,
		WorkerRunning:          s.workerRunning.Load(),
		SelectionPolicy:        s.policy.Name(),
		LocalSessionServices:   make([]debuginfo.GSSLocalSession, 0, len(s.lss)),
		ShutdownQueue:          append([]model.ShutdownEntry{}, s.queue...),
		ShutdownInFlight:       make(map[uint64]string, len(s.inflight)),
		ShutdownCompletedQueue: append([]string{}, s.completed...),
		OrphanedSessions:       make([]debuginfo.OrphanedSession, 0, len(s.orphaned)),
		BlockedPorts:           append([]int{}, s.cfg.BlockedPorts...),
	}
	for id, f := range s.inflight {
		info.ShutdownInFlight[id] = f.sessionID
	}
	for _, entry := range s.lss {
		d := debuginfo.GSSLocalSession{
			ID:                   entry.id,
			URL:                  entry.url,
			RegisteredAt:         entry.registeredAt,
			MissedHealthChecks:   s.monitor.Failures(entry.id),
			Sessions:             make([]model.SessionInfo, 0, len(entry.active)),
			InitializingSessions: make([]debuginfo.IniSession, 0, len(entry.ini)),
		}
		for _, sess := range entry.active {
			d.Sessions = append(d.Sessions, sess)
		}
		sort.Slice(d.Sessions, func(i, j int) bool { return d.Sessions[i].ID < d.Sessions[j].ID })
		for _, ini := range entry.ini {
			d.InitializingSessions = append(d.InitializingSessions, debuginfo.IniSession{Session: ini.info, Since: ini.since})
		}
		sort.Slice(d.InitializingSessions, func(i, j int) bool {
			return d.InitializingSessions[i].Session.ID < d.InitializingSessions[j].Session.ID
		})
		info.LocalSessionServices = append(info.LocalSessionServices, d)
	}
	sort.Slice(info.LocalSessionServices, func(i, j int) bool {
		return info.LocalSessionServices[i].ID < info.LocalSessionServices[j].ID
	})
	for _, o := range s.orphaned {
		info.OrphanedSessions = append(info.OrphanedSessions, debuginfo.OrphanedSession{
			Session: o.info, LSSID: o.lssID, LSSURL: o.lssURL, Orphaned: o.at,
		})
	}
	return info
}
