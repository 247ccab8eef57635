// Package gds implements the Global Directory Service: the registry of LDS
// hosts, placement of new worker services, and routing of supervision reports
// back to the owning LSS.
package gds

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
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const maxFailedHistory = 256

// Config configures the GDS daemon.
type Config struct {
	ListenAddr        string
	AdvertiseURL      string
	GSSURL            string
	CorsOrigins       []string
	RequestTimeout    time.Duration
	MaxServicesPerLDS int
	HealthInterval    time.Duration
	MaxMissedPings    int
	RehomeOrphans     bool
}

// GDS daemon defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:7300",
		AdvertiseURL:   "http://127.0.0.1:7300",
		GSSURL:         "http://127.0.0.1:7100",
		RequestTimeout: protocol.DefaultTimeout,
		HealthInterval: 10 * time.Second,
		MaxMissedPings: health.DefaultMaxFailures,
		RehomeOrphans:  true,
	}
}

type ldsEntry struct {
	id           uint64
	url          string
	registeredAt time.Time
	supported    []string
	services     map[uint64]model.ServiceInstance
}

func (e *ldsEntry) supports(serviceType string) bool {
	for _, name := range e.supported {
		if name == serviceType {
			return true
		}
	}
	return false
}

type requestedService struct {
	inst    model.ServiceInstance
	ldsID   uint64
	at      time.Time
	options map[string]string
}

// Rehomer places a service whose LDS was deregistered before it became alive.
type Rehomer interface {
	Rehome(ctx context.Context, inst model.ServiceInstance, options map[string]string) (model.ServiceInstance, error)
}

// Service is the GDS.
type Service struct {
	cfg     Config
	client  *protocol.Client
	monitor *health.Monitor
	rehomer Rehomer
	router  *gin.Engine

	mu            sync.Mutex
	lds           map[uint64]*ldsEntry
	byURL         map[string]uint64
	requested     map[uint64]*requestedService
	failed        []model.ServiceInstance
	nextLDSID     uint64
	nextServiceID uint64

	workerRunning atomic.Bool
}

// GDS service constructor.
func NewService(cfg Config) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = protocol.DefaultTimeout
	}
	s := &Service{
		cfg:       cfg,
		client:    protocol.NewClient(cfg.RequestTimeout),
		lds:       make(map[uint64]*ldsEntry),
		byURL:     make(map[string]uint64),
		requested: make(map[uint64]*requestedService),
	}
	s.rehomer = placementRehomer{s: s}
	s.monitor = health.NewMonitor(health.Config{
		Node:        "gds",
		Target:      "lds",
		Interval:    cfg.HealthInterval,
		Timeout:     cfg.RequestTimeout,
		MaxFailures: cfg.MaxMissedPings,
	}, s.client.Ping, func(p health.Peer) {
		s.Deregister(context.Background(), p.ID, "missed health checks")
	})
	s.router = s.newRouter()
	return s
}

// SetRehomer replaces the placement used for orphaned requested services.
func (s *Service) SetRehomer(r Rehomer) { s.rehomer = r }

func (s *Service) NodeID() uint64 { return 0 }

func (s *Service) Kind() string { return "gds" }

func (s *Service) HTTPRouter() *gin.Engine { return s.router }

// Monitor exposes the LDS health monitor.
func (s *Service) Monitor() *health.Monitor { return s.monitor }

// RegisterLocalDirectoryService adds an LDS and reconciles the services it
// already supervises.
func (s *Service) RegisterLocalDirectoryService(ctx context.Context, req protocol.RegisterLDSRequest) (uint64, error) {
	url := strings.TrimRight(strings.TrimSpace(req.URL), "/")
	if url == "" {
		return 0, fmt.Errorf("%w: url is required", protocol.ErrInvalidRequest)
	}
	if !req.ConfigImported {
		log.Warn().Str("lds_url", url).Msg("gds.Register rejected, config not imported")
		return 0, fmt.Errorf("%w: lds %s", protocol.ErrConfigNotImported, url)
	}

	s.mu.Lock()
	var lost []protocol.ServiceStateReport
	if oldID, ok := s.byURL[url]; ok {
		lost = s.dropEntryLocked(oldID, req.Services)
	}
	s.nextLDSID++
	entry := &ldsEntry{
		id:           s.nextLDSID,
		url:          url,
		registeredAt: time.Now(),
		supported:    append([]string(nil), req.SupportedServices...),
		services:     make(map[uint64]model.ServiceInstance),
	}
	for _, inst := range req.Services {
		inst.LDSURL = url
		switch inst.State {
		case model.StateAlive:
			entry.services[inst.ID] = inst
		case model.StateFailed:
			s.appendFailedLocked(inst)
		default:
			s.requested[inst.ID] = &requestedService{inst: inst, ldsID: entry.id, at: time.Now()}
		}
		if inst.ID > s.nextServiceID {
			s.nextServiceID = inst.ID
		}
	}
	s.lds[entry.id] = entry
	s.byURL[url] = entry.id
	s.publishSizesLocked()
	s.mu.Unlock()

	log.Info().Uint64("lds_id", entry.id).Str("lds_url", url).Strs("supported", entry.supported).
		Int("services", len(req.Services)).Msg("gds.Register accepted")
	s.notify(ctx, lost)
	return entry.id, nil
}

// Heartbeat reports whether ldsID is still registered from url.
func (s *Service) Heartbeat(ldsID uint64, url string) error {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	s.mu.Lock()
	entry, ok := s.lds[ldsID]
	s.mu.Unlock()
	if !ok || entry.url != url {
		return fmt.Errorf("%w: lds %d at %s", protocol.ErrHostNotFound, ldsID, url)
	}
	return nil
}

// dropEntryLocked removes an entry replaced by a re-registration and returns
// failure reports for requested services the new registration does not carry.
func (s *Service) dropEntryLocked(id uint64, keep []model.ServiceInstance) []protocol.ServiceStateReport {
	entry, ok := s.lds[id]
	if !ok {
		return nil
	}
	kept := make(map[uint64]struct{}, len(keep))
	for _, inst := range keep {
		kept[inst.ID] = struct{}{}
	}
	var lost []protocol.ServiceStateReport
	for sid, r := range s.requested {
		if r.ldsID != id {
			continue
		}
		delete(s.requested, sid)
		if _, ok := kept[sid]; !ok {
			lost = append(lost, s.failLocked(r.inst, "lds restarted"))
		}
	}
	for sid, inst := range entry.services {
		if _, ok := kept[sid]; !ok {
			lost = append(lost, s.failLocked(inst, "lds restarted"))
		}
	}
	delete(s.lds, id)
	delete(s.byURL, entry.url)
	s.monitor.Forget(id)
	return lost
}

// CreateService places a new service on the least loaded capable LDS.
func (s *Service) CreateService(ctx context.Context, req protocol.CreateServiceRequest) (model.ServiceInstance, error) {
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.ServiceType) == "" {
		return model.ServiceInstance{}, fmt.Errorf("%w: session_id and service_type are required", protocol.ErrInvalidRequest)
	}
	s.mu.Lock()
	s.nextServiceID++
	id := s.nextServiceID
	s.mu.Unlock()

	inst := model.ServiceInstance{
		ID:        id,
		Name:      req.ServiceType,
		Type:      req.ServiceType,
		SessionID: req.SessionID,
		LSSURL:    req.LSSURL,
		State:     model.StateRequested,
	}
	return s.place(ctx, inst, req.Options)
}

// place selects an LDS, records the service as requested, and forwards
// StartService. Failures roll the record back.
func (s *Service) place(ctx context.Context, inst model.ServiceInstance, options map[string]string) (model.ServiceInstance, error) {
	s.mu.Lock()
	entry, err := s.selectLocked(inst.Type)
	if err != nil {
		s.mu.Unlock()
		log.Warn().Err(err).Str("service_type", inst.Type).Str("session_id", inst.SessionID).Msg("gds.CreateService rejected")
		return model.ServiceInstance{}, err
	}
	inst.LDSURL = entry.url
	s.requested[inst.ID] = &requestedService{inst: inst, ldsID: entry.id, at: time.Now(), options: options}
	s.publishSizesLocked()
	ldsURL := entry.url
	s.mu.Unlock()

	start := time.Now()
	started, err := s.client.StartService(ctx, ldsURL, protocol.StartServiceRequest{
		ServiceID:   inst.ID,
		ServiceType: inst.Type,
		SessionID:   inst.SessionID,
		LSSURL:      inst.LSSURL,
		IsDebug:     inst.IsDebug,
		IsHidden:    inst.IsHidden,
		Options:     options,
	})
	observability.RecordPeerCall("gds", "start_service", time.Since(start), err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		delete(s.requested, inst.ID)
		s.publishSizesLocked()
		log.Warn().Err(err).Uint64("service_id", inst.ID).Str("lds_url", ldsURL).Msg("gds.CreateService start failed, rolled back")
		return model.ServiceInstance{}, err
	}
	if r, ok := s.requested[inst.ID]; ok && !r.inst.State.Terminal() && r.inst.State != model.StateAlive {
		r.inst = started
	}
	log.Info().Uint64("service_id", inst.ID).Str("service_type", inst.Type).Str("session_id", inst.SessionID).
		Str("lds_url", ldsURL).Msg("gds.CreateService placed")
	return started, nil
}

func (s *Service) selectLocked(serviceType string) (*ldsEntry, error) {
	load := make(map[uint64]int, len(s.lds))
	for _, r := range s.requested {
		load[r.ldsID]++
	}
	var best *ldsEntry
	bestLoad := 0
	capable := 0
	for _, entry := range s.lds {
		if !entry.supports(serviceType) {
			continue
		}
		capable++
		n := len(entry.services) + load[entry.id]
		if s.cfg.MaxServicesPerLDS > 0 && n >= s.cfg.MaxServicesPerLDS {
			continue
		}
		if best == nil || n < bestLoad || (n == bestLoad && entry.id < best.id) {
			best, bestLoad = entry, n
		}
	}
	if capable == 0 {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnsupportedServiceType, serviceType)
	}
	if best == nil {
		return nil, fmt.Errorf("%w: all %d capable lds at %d services", protocol.ErrNoCapacity, capable, s.cfg.MaxServicesPerLDS)
	}
	return best, nil
}

// OnServiceStateChanged applies an LDS report and forwards it to the owning LSS.
func (s *Service) OnServiceStateChanged(ctx context.Context, report protocol.ServiceStateReport) error {
	inst := report.Instance
	inst.ID = report.ServiceID
	inst.State = report.State

	s.mu.Lock()
	entry := s.ownerLocked(inst)
	if entry == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: lds %s", protocol.ErrHostNotFound, inst.LDSURL)
	}
	switch report.State {
	case model.StateAlive:
		delete(s.requested, inst.ID)
		entry.services[inst.ID] = inst
	case model.StateFailed:
		delete(s.requested, inst.ID)
		delete(entry.services, inst.ID)
		s.appendFailedLocked(inst)
	case model.StateRemoved:
		delete(s.requested, inst.ID)
		delete(entry.services, inst.ID)
		s.purgeFailedLocked(inst.ID)
	case model.StateRequested, model.StateInitializing:
		// A crash restart takes an alive service back to requested.
		delete(entry.services, inst.ID)
		if r, ok := s.requested[inst.ID]; ok {
			r.inst = inst
		} else {
			s.requested[inst.ID] = &requestedService{inst: inst, ldsID: entry.id, at: time.Now()}
		}
	default:
		if _, ok := entry.services[inst.ID]; ok {
			entry.services[inst.ID] = inst
		} else if r, ok := s.requested[inst.ID]; ok {
			r.inst = inst
		}
	}
	s.publishSizesLocked()
	s.mu.Unlock()

	observability.RecordServiceTransition("gds", string(report.State))
	log.Debug().Uint64("service_id", inst.ID).Str("state", string(report.State)).Str("session_id", inst.SessionID).
		Msg("gds.OnServiceStateChanged")
	s.forward(ctx, inst.LSSURL, protocol.ServiceStateReport{ServiceID: inst.ID, State: report.State, Instance: inst, Reason: report.Reason})
	return nil
}

func (s *Service) ownerLocked(inst model.ServiceInstance) *ldsEntry {
	if r, ok := s.requested[inst.ID]; ok {
		if entry, ok := s.lds[r.ldsID]; ok {
			return entry
		}
	}
	if id, ok := s.byURL[strings.TrimRight(inst.LDSURL, "/")]; ok {
		return s.lds[id]
	}
	for _, entry := range s.lds {
		if _, ok := entry.services[inst.ID]; ok {
			return entry
		}
	}
	return nil
}

// StopService routes a stop to the LDS supervising id.
func (s *Service) StopService(ctx context.Context, id uint64, emergency bool) error {
	s.mu.Lock()
	url := s.locateLocked(id)
	s.mu.Unlock()
	if url == "" {
		return fmt.Errorf("%w: %d", protocol.ErrServiceNotFound, id)
	}
	start := time.Now()
	err := s.client.StopService(ctx, url, protocol.StopServiceRequest{ServiceID: id, Emergency: emergency})
	observability.RecordPeerCall("gds", "stop_service", time.Since(start), err)
	return err
}

func (s *Service) locateLocked(id uint64) string {
	if r, ok := s.requested[id]; ok {
		if entry, ok := s.lds[r.ldsID]; ok {
			return entry.url
		}
	}
	for _, entry := range s.lds {
		if _, ok := entry.services[id]; ok {
			return entry.url
		}
	}
	for _, inst := range s.failed {
		if inst.ID == id {
			if _, ok := s.byURL[inst.LDSURL]; ok {
				return inst.LDSURL
			}
		}
	}
	return ""
}

// StopSession stops every service of sessionID on every LDS holding one.
func (s *Service) StopSession(ctx context.Context, sessionID string, emergency bool) error {
	s.mu.Lock()
	urls := make(map[string]struct{})
	for _, r := range s.requested {
		if r.inst.SessionID == sessionID {
			if entry, ok := s.lds[r.ldsID]; ok {
				urls[entry.url] = struct{}{}
			}
		}
	}
	for _, entry := range s.lds {
		for _, inst := range entry.services {
			if inst.SessionID == sessionID {
				urls[entry.url] = struct{}{}
			}
		}
	}
	for _, inst := range s.failed {
		if inst.SessionID == sessionID {
			if _, ok := s.byURL[inst.LDSURL]; ok {
				urls[inst.LDSURL] = struct{}{}
			}
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for url := range urls {
		g.Go(func() error {
			start := time.Now()
			err := s.client.StopSession(gctx, url, protocol.StopSessionRequest{SessionID: sessionID, Emergency: emergency})
			observability.RecordPeerCall("gds", "stop_session", time.Since(start), err)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("gds.StopSession partial failure")
		return err
	}
	log.Info().Str("session_id", sessionID).Int("lds", len(urls)).Bool("emergency", emergency).Msg("gds.StopSession routed")
	return nil
}

// Deregister drops an LDS. Its requested services are re-homed when enabled,
// otherwise failed; its alive services are failed. Owning LSS are notified.
func (s *Service) Deregister(ctx context.Context, id uint64, reason string) {
	s.mu.Lock()
	entry, ok := s.lds[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.lds, id)
	delete(s.byURL, entry.url)
	var orphans []*requestedService
	var reports []protocol.ServiceStateReport
	for sid, r := range s.requested {
		if r.ldsID != id {
			continue
		}
		delete(s.requested, sid)
		if s.cfg.RehomeOrphans {
			orphans = append(orphans, r)
			continue
		}
		reports = append(reports, s.failLocked(r.inst, "lds deregistered: "+reason))
	}
	for _, inst := range entry.services {
		reports = append(reports, s.failLocked(inst, "lds deregistered: "+reason))
	}
	s.publishSizesLocked()
	s.mu.Unlock()

	s.monitor.Forget(id)
	log.Warn().Uint64("lds_id", id).Str("lds_url", entry.url).Str("reason", reason).
		Int("orphans", len(orphans)).Int("failed", len(reports)).Msg("gds.Deregister")

	for _, r := range orphans {
		inst := r.inst
		inst.State = model.StateRequested
		inst.StartCounter, inst.IniAttempt = 0, 0
		placed, err := s.rehomer.Rehome(ctx, inst, r.options)
		if err != nil {
			log.Warn().Err(err).Uint64("service_id", inst.ID).Msg("gds.Deregister rehome failed")
			s.mu.Lock()
			reports = append(reports, s.failLocked(inst, "rehome failed: "+err.Error()))
			s.publishSizesLocked()
			s.mu.Unlock()
			continue
		}
		log.Info().Uint64("service_id", inst.ID).Str("lds_url", placed.LDSURL).Msg("gds.Deregister rehomed")
	}
	s.notify(ctx, reports)
}

func (s *Service) failLocked(inst model.ServiceInstance, reason string) protocol.ServiceStateReport {
	inst.State = model.StateFailed
	inst.FailureReason = reason
	s.appendFailedLocked(inst)
	return protocol.ServiceStateReport{ServiceID: inst.ID, State: model.StateFailed, Instance: inst, Reason: reason}
}

func (s *Service) appendFailedLocked(inst model.ServiceInstance) {
	s.purgeFailedLocked(inst.ID)
	s.failed = append(s.failed, inst)
	if len(s.failed) > maxFailedHistory {
		s.failed = s.failed[len(s.failed)-maxFailedHistory:]
	}
}

func (s *Service) purgeFailedLocked(id uint64) {
	for i, inst := range s.failed {
		if inst.ID == id {
			s.failed = append(s.failed[:i], s.failed[i+1:]...)
			return
		}
	}
}

func (s *Service) notify(ctx context.Context, reports []protocol.ServiceStateReport) {
	for _, r := range reports {
		s.forward(ctx, r.Instance.LSSURL, r)
	}
}

func (s *Service) forward(ctx context.Context, lssURL string, report protocol.ServiceStateReport) {
	if strings.TrimSpace(lssURL) == "" {
		return
	}
	start := time.Now()
	err := s.client.ServiceStateChanged(ctx, lssURL, report)
	observability.RecordPeerCall("gds", "forward_state", time.Since(start), err)
	if err != nil {
		log.Warn().Err(err).Uint64("service_id", report.ServiceID).Str("lss_url", lssURL).Msg("gds.forward failed")
	}
}

func (s *Service) publishSizesLocked() {
	alive := 0
	for _, entry := range s.lds {
		alive += len(entry.services)
	}
	observability.SetRegistrySize("gds", "lds", len(s.lds))
	observability.SetRegistrySize("gds", "alive", alive)
	observability.SetRegistrySize("gds", "requested", len(s.requested))
	observability.SetRegistrySize("gds", "failed", len(s.failed))
}

func (s *Service) peers() []health.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]health.Peer, 0, len(s.lds))
	for _, entry := range s.lds {
		out = append(out, health.Peer{ID: entry.id, URL: entry.url})
	}
	return out
}

// Run serves HTTP on the configured address until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	return node.ListenAndServe(ctx, s.cfg.ListenAddr, s.Serve)
}

// Serve runs the LDS health monitor and the HTTP surface on ln.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.workerRunning.Store(true)
	go func() {
		defer s.workerRunning.Store(false)
		s.monitor.Run(ctx, s.peers)
	}()
	return node.Serve(ctx, ln, s.router, 5*time.Second)
}

// Snapshot projects the GDS registries.
func (s *Service) Snapshot() debuginfo.GDSDebugInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := debuginfo.GDSDebugInfo{
		URL:                    s.cfg.AdvertiseURL,
		GSSURL:                 s.cfg.GSSURL,
		WorkerRunning:          s.workerRunning.Load(),
		RehomeOrphans:          s.cfg.RehomeOrphans,
		LocalDirectoryServices: make([]debuginfo.GDSLocalDirectory, 0, len(s.lds)),
		RequestedServices:      make([]debuginfo.GDSRequestedService, 0, len(s.requested)),
		FailedServices:         append([]model.ServiceInstance{}, s.failed...),
	}
	for _, entry := range s.lds {
		d := debuginfo.GDSLocalDirectory{
			ID:                 entry.id,
			URL:                entry.url,
			RegisteredAt:       entry.registeredAt,
			SupportedServices:  append([]string{}, entry.supported...),
			Services:           make([]model.ServiceInstance, 0, len(entry.services)),
			MissedHealthChecks: s.monitor.Failures(entry.id),
		}
		for _, inst := range entry.services {
			d.Services = append(d.Services, inst)
		}
		sort.Slice(d.Services, func(i, j int) bool { return d.Services[i].ID < d.Services[j].ID })
		info.LocalDirectoryServices = append(info.LocalDirectoryServices, d)
	}
	sort.Slice(info.LocalDirectoryServices, func(i, j int) bool {
		return info.LocalDirectoryServices[i].ID < info.LocalDirectoryServices[j].ID
	})
	for _, r := range s.requested {
		info.RequestedServices = append(info.RequestedServices, debuginfo.GDSRequestedService{
			Service: r.inst, LDSID: r.ldsID, RequestedAt: r.at,
		})
	}
	sort.Slice(info.RequestedServices, func(i, j int) bool {
		return info.RequestedServices[i].Service.ID < info.RequestedServices[j].Service.ID
	})
	return info
}

type placementRehomer struct {
	s *Service
}

// Rehome places inst again under its existing id.
func (p placementRehomer) Rehome(ctx context.Context, inst model.ServiceInstance, options map[string]string) (model.ServiceInstance, error) {
	return p.s.place(ctx, inst, options)
}
