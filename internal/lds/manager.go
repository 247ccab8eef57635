package lds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/observability"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Reporter receives every supervision transition. Report is called with the
// manager lock held and must not block.
type Reporter interface {
	Report(report protocol.ServiceStateReport)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(protocol.ServiceStateReport)

func (f ReporterFunc) Report(r protocol.ServiceStateReport) { f(r) }

// ProbeFunc pings one alive worker.
type ProbeFunc func(ctx context.Context, url string) error

type managed struct {
	inst    model.ServiceInstance
	options map[string]string
	proc    Process
	// gen identifies the current process; exits of older processes are ignored.
	gen   uint64
	since time.Time
	// holdsPorts is cleared once the instance's ports go back to the pool.
	holdsPorts bool
}

// Manager supervises the worker processes of one LDS.
type Manager struct {
	cfg      *Config
	selfURL  string
	launcher Launcher
	ports    *PortPool
	reporter Reporter
	probe    ProbeFunc
	now      func() time.Time

	mu        sync.Mutex
	services  map[uint64]*managed
	lastError string
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithProbe enables HTTP liveness pings of alive workers.
func WithProbe(p ProbeFunc) ManagerOption { return func(m *Manager) { m.probe = p } }

// WithPortPool replaces the pool derived from the config.
func WithPortPool(p *PortPool) ManagerOption { return func(m *Manager) { m.ports = p } }

func withClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.now = now } }

// NewManager builds a supervisor over an imported config.
func NewManager(cfg *Config, selfURL string, launcher Launcher, reporter Reporter, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		selfURL:  selfURL,
		launcher: launcher,
		reporter: reporter,
		now:      time.Now,
		services: make(map[uint64]*managed),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ports == nil {
		m.ports = NewPortPool(cfg.ServicesIPAddress, cfg.PortMin, cfg.PortMax, true)
	}
	if m.reporter == nil {
		m.reporter = ReporterFunc(func(protocol.ServiceStateReport) {})
	}
	return m
}

// SetSelfURL updates the url stamped into new instances.
func (m *Manager) SetSelfURL(url string) {
	m.mu.Lock()
	m.selfURL = url
	m.mu.Unlock()
}

// Spawn allocates ports for a new instance and launches it. The returned
// instance reflects the state after the first launch attempt.
func (m *Manager) Spawn(ctx context.Context, req protocol.StartServiceRequest) (model.ServiceInstance, error) {
	if !m.cfg.Imported() {
		return model.ServiceInstance{}, protocol.ErrConfigNotImported
	}
	policy, ok := m.cfg.Policy(req.ServiceType)
	if !ok {
		return model.ServiceInstance{}, fmt.Errorf("%w: %q", protocol.ErrUnsupportedServiceType, req.ServiceType)
	}
	if req.ServiceID == 0 {
		return model.ServiceInstance{}, fmt.Errorf("%w: service id is required", protocol.ErrInvalidRequest)
	}

	m.mu.Lock()
	if _, exists := m.services[req.ServiceID]; exists {
		m.mu.Unlock()
		return model.ServiceInstance{}, fmt.Errorf("%w: service %d already supervised", protocol.ErrInvalidRequest, req.ServiceID)
	}
	port, err := m.ports.Acquire()
	if err != nil {
		m.lastError = err.Error()
		m.mu.Unlock()
		return model.ServiceInstance{}, err
	}
	var wsPort int
	if policy.Websocket {
		if wsPort, err = m.ports.Acquire(); err != nil {
			m.ports.Release(port)
			m.lastError = err.Error()
			m.mu.Unlock()
			return model.ServiceInstance{}, err
		}
	}
	inst := model.ServiceInstance{
		ID:                 req.ServiceID,
		Name:               policy.Name,
		Type:               policy.Type,
		SessionID:          req.SessionID,
		LSSURL:             req.LSSURL,
		LDSURL:             m.selfURL,
		URL:                "http://" + hostPort(m.cfg.ServicesIPAddress, port),
		Port:               port,
		WebsocketPort:      wsPort,
		State:              model.StateRequested,
		MaxCrashRestarts:   policy.MaxCrashRestarts,
		MaxStartupRestarts: policy.MaxStartupRestarts,
		IsDebug:            req.IsDebug,
		IsHidden:           req.IsHidden,
	}
	if wsPort != 0 {
		inst.WebsocketURL = "ws://" + hostPort(m.cfg.ServicesIPAddress, wsPort)
	}
	ms := &managed{inst: inst, options: req.Options, since: m.now(), holdsPorts: true}
	m.services[inst.ID] = ms
	m.reportLocked(ms, "")
	m.publishSizesLocked()
	m.mu.Unlock()

	log.Info().Uint64("service_id", inst.ID).Str("name", inst.Name).Str("session_id", inst.SessionID).
		Int("port", port).Msg("lds.Spawn accepted")
	m.launch(ctx, inst.ID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.services[inst.ID]; ok {
		return cur.inst, nil
	}
	return inst, nil
}

// launch starts the instance while it sits in Requested, retrying launch
// errors within the startup budget.
func (m *Manager) launch(ctx context.Context, id uint64) {
	for {
		m.mu.Lock()
		ms, ok := m.services[id]
		if !ok || ms.inst.State != model.StateRequested {
			m.mu.Unlock()
			return
		}
		ms.gen++
		gen := ms.gen
		spec := m.launchSpecLocked(ms)
		m.mu.Unlock()

		proc, err := m.launcher.Launch(ctx, spec)

		m.mu.Lock()
		ms, ok = m.services[id]
		if !ok || ms.gen != gen || ms.inst.State != model.StateRequested {
			// Stopped while launching.
			m.mu.Unlock()
			if proc != nil {
				_ = proc.Kill()
			}
			return
		}
		ms.inst.IniAttempt++
		attempt := ms.inst.IniAttempt
		if err != nil {
			m.lastError = err.Error()
			log.Warn().Err(err).Uint64("service_id", id).Int("ini_attempt", attempt).Msg("lds.launch failed")
			if attempt < ms.inst.MaxStartupRestarts {
				observability.RecordServiceRestart("lds", "startup")
				m.mu.Unlock()
				continue
			}
			m.failLocked(ms, fmt.Sprintf("%s: startup attempts %d of %d: %s",
				protocol.ErrRestartBudgetExceeded, attempt, ms.inst.MaxStartupRestarts, err))
			m.mu.Unlock()
			return
		}
		ms.proc = proc
		m.transitionLocked(ms, model.StateInitializing, "")
		m.mu.Unlock()

		log.Info().Uint64("service_id", id).Int("pid", proc.PID()).Int("ini_attempt", attempt).Msg("lds.launch started")
		go m.watch(id, gen, proc)
		return
	}
}

func (m *Manager) launchSpecLocked(ms *managed) LaunchSpec {
	return LaunchSpec{
		LauncherPath:  m.cfg.LauncherPath,
		LibraryPath:   m.cfg.ServicesLibraryPath,
		ServiceID:     ms.inst.ID,
		ServiceName:   ms.inst.Name,
		ServiceType:   ms.inst.Type,
		SessionID:     ms.inst.SessionID,
		LSSURL:        ms.inst.LSSURL,
		LDSURL:        ms.inst.LDSURL,
		URL:           ms.inst.URL,
		WebsocketPort: ms.inst.WebsocketPort,
		Options:       ms.options,
	}
}

func (m *Manager) watch(id, gen uint64, proc Process) {
	err := proc.Wait()
	m.onExit(id, gen, err)
}

func (m *Manager) onExit(id, gen uint64, exitErr error) {
	m.mu.Lock()
	ms, ok := m.services[id]
	if !ok || ms.gen != gen {
		m.mu.Unlock()
		return
	}
	ms.proc = nil
	reason := "process exited"
	if exitErr != nil {
		reason = exitErr.Error()
	}
	retry := false
	switch ms.inst.State {
	case model.StateInitializing:
		retry = m.startupFailedLocked(ms, reason)
	case model.StateAlive:
		retry = m.crashedLocked(ms, reason)
	case model.StateNewStopping, model.StateStopping:
		m.removeLocked(ms, "")
	}
	m.mu.Unlock()

	log.Info().Uint64("service_id", id).Str("reason", reason).Bool("relaunch", retry).Msg("lds.onExit")
	if retry {
		m.launch(context.Background(), id)
	}
}

// startupFailedLocked applies the startup restart rule. It reports whether the
// instance went back to Requested for another launch.
func (m *Manager) startupFailedLocked(ms *managed, reason string) bool {
	if ms.inst.IniAttempt < ms.inst.MaxStartupRestarts {
		observability.RecordServiceRestart("lds", "startup")
		m.transitionLocked(ms, model.StateRequested, reason)
		return true
	}
	m.failLocked(ms, fmt.Sprintf("%s: startup attempts %d of %d: %s",
		protocol.ErrRestartBudgetExceeded, ms.inst.IniAttempt, ms.inst.MaxStartupRestarts, reason))
	return false
}

// crashedLocked applies the crash restart rule.
func (m *Manager) crashedLocked(ms *managed, reason string) bool {
	if ms.inst.StartCounter < ms.inst.MaxCrashRestarts {
		ms.inst.StartCounter++
		ms.inst.IniAttempt = 0
		observability.RecordServiceRestart("lds", "crash")
		m.transitionLocked(ms, model.StateRequested, reason)
		return true
	}
	m.failLocked(ms, fmt.Sprintf("%s: crash restarts %d of %d: %s",
		protocol.ErrRestartBudgetExceeded, ms.inst.StartCounter, ms.inst.MaxCrashRestarts, reason))
	return false
}

func (m *Manager) failLocked(ms *managed, reason string) {
	ms.inst.FailureReason = reason
	m.lastError = reason
	m.releasePortsLocked(ms)
	m.transitionLocked(ms, model.StateFailed, reason)
	log.Error().Uint64("service_id", ms.inst.ID).Str("reason", reason).Msg("lds.failed")
}

func (m *Manager) removeLocked(ms *managed, reason string) {
	delete(m.services, ms.inst.ID)
	m.releasePortsLocked(ms)
	ms.gen++
	ms.inst.State = model.StateRemoved
	observability.RecordServiceTransition("lds", string(model.StateRemoved))
	m.reportLocked(ms, reason)
	m.publishSizesLocked()
}

// releasePortsLocked returns the instance ports to the pool once. Failed
// instances keep their port numbers for reporting.
func (m *Manager) releasePortsLocked(ms *managed) {
	if !ms.holdsPorts {
		return
	}
	ms.holdsPorts = false
	m.ports.Release(ms.inst.Port)
	m.ports.Release(ms.inst.WebsocketPort)
}

func (m *Manager) transitionLocked(ms *managed, to model.ServiceState, reason string) {
	from := ms.inst.State
	if !model.CanTransition(from, to) {
		log.Error().Uint64("service_id", ms.inst.ID).Str("from", string(from)).Str("to", string(to)).
			Msg("lds.transition not allowed")
	}
	ms.inst.State = to
	ms.since = m.now()
	observability.RecordServiceTransition("lds", string(to))
	m.reportLocked(ms, reason)
	m.publishSizesLocked()
}

func (m *Manager) reportLocked(ms *managed, reason string) {
	m.reporter.Report(protocol.ServiceStateReport{
		ServiceID: ms.inst.ID,
		State:     ms.inst.State,
		Instance:  ms.inst,
		Reason:    reason,
	})
}

func (m *Manager) publishSizesLocked() {
	counts := make(map[model.ServiceState]int)
	for _, ms := range m.services {
		counts[ms.inst.State]++
	}
	for _, st := range []model.ServiceState{
		model.StateRequested, model.StateInitializing, model.StateAlive,
		model.StateNewStopping, model.StateStopping, model.StateFailed,
	} {
		observability.SetRegistrySize("lds", string(st), counts[st])
	}
}

// ReportState applies an unsolicited worker signal.
func (m *Manager) ReportState(serviceID uint64, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.services[serviceID]
	if !ok {
		return fmt.Errorf("%w: %d", protocol.ErrServiceNotFound, serviceID)
	}
	switch state {
	case protocol.WorkerAlive:
		switch ms.inst.State {
		case model.StateAlive:
			return nil
		case model.StateInitializing:
			m.transitionLocked(ms, model.StateAlive, "")
			log.Info().Uint64("service_id", serviceID).Str("url", ms.inst.URL).Msg("lds.ReportState alive")
			return nil
		}
	case protocol.WorkerShuttingDown:
		switch ms.inst.State {
		case model.StateStopping:
			return nil
		case model.StateInitializing:
			ms.inst.IsShuttingDown = true
			m.transitionLocked(ms, model.StateNewStopping, "worker shutting down")
			m.transitionLocked(ms, model.StateStopping, "worker shutting down")
			return nil
		case model.StateAlive, model.StateNewStopping:
			ms.inst.IsShuttingDown = true
			m.transitionLocked(ms, model.StateStopping, "worker shutting down")
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown worker state %q", protocol.ErrInvalidRequest, state)
	}
	return fmt.Errorf("%w: service %d is %s", protocol.ErrInvalidRequest, serviceID, ms.inst.State)
}

// Stop ends one instance. Graceful stops signal the worker and wait for its
// exit; emergency stops kill and remove immediately.
func (m *Manager) Stop(_ context.Context, serviceID uint64, emergency bool) error {
	m.mu.Lock()
	ms, ok := m.services[serviceID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", protocol.ErrServiceNotFound, serviceID)
	}
	proc := ms.proc
	if emergency || proc == nil {
		ms.proc = nil
		m.removeLocked(ms, "stopped")
		m.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
		}
		log.Info().Uint64("service_id", serviceID).Bool("emergency", emergency).Msg("lds.Stop removed")
		return nil
	}
	if ms.inst.State == model.StateNewStopping || ms.inst.State == model.StateStopping {
		m.mu.Unlock()
		return nil
	}
	ms.inst.IsShuttingDown = true
	m.transitionLocked(ms, model.StateNewStopping, "stop requested")
	gen := ms.gen
	m.mu.Unlock()

	err := proc.Terminate()

	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok = m.services[serviceID]
	if !ok || ms.gen != gen || ms.inst.State != model.StateNewStopping {
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Uint64("service_id", serviceID).Msg("lds.Stop terminate failed, killing")
		_ = proc.Kill()
		return nil
	}
	m.transitionLocked(ms, model.StateStopping, "")
	return nil
}

// StopSession stops every instance that belongs to sessionID.
func (m *Manager) StopSession(ctx context.Context, sessionID string, emergency bool) error {
	m.mu.Lock()
	var ids []uint64
	for id, ms := range m.services {
		if ms.inst.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			err := m.Stop(gctx, id, emergency)
			if err != nil && !isNotFound(err) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Run executes the health loop every check_alive_frequency until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.CheckAliveInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Dur("interval", interval).Msg("lds.Manager health loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("lds.Manager health loop stopped")
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

type healthTarget struct {
	id   uint64
	gen  uint64
	url  string
	proc Process
}

// CheckHealth runs one supervision round: pings alive workers, fails stuck
// startups, and escalates stuck stops.
func (m *Manager) CheckHealth(ctx context.Context) {
	now := m.now()
	var alive, stuckStart []healthTarget
	var stuckStop []Process
	m.mu.Lock()
	for id, ms := range m.services {
		t := healthTarget{id: id, gen: ms.gen, url: ms.inst.URL, proc: ms.proc}
		switch ms.inst.State {
		case model.StateAlive:
			alive = append(alive, t)
		case model.StateInitializing:
			if now.Sub(ms.since) > m.cfg.StartupTimeoutDuration() {
				stuckStart = append(stuckStart, t)
			}
		case model.StateNewStopping, model.StateStopping:
			if ms.proc != nil && now.Sub(ms.since) > m.cfg.StopTimeoutDuration() {
				stuckStop = append(stuckStop, ms.proc)
			}
		}
	}
	m.mu.Unlock()

	for _, t := range stuckStart {
		m.abandon(t, "startup timeout", false)
	}
	for _, proc := range stuckStop {
		log.Warn().Int("pid", proc.PID()).Msg("lds.CheckHealth stop timeout, killing")
		_ = proc.Kill()
	}
	if m.probe == nil || len(alive) == 0 {
		return
	}

	failed := make([]error, len(alive))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range alive {
		g.Go(func() error {
			failed[i] = m.probe(gctx, t.url)
			return nil
		})
	}
	_ = g.Wait()
	for i, t := range alive {
		if failed[i] == nil {
			continue
		}
		observability.RecordHealthMiss("lds", "service")
		m.abandon(t, "not responding: "+failed[i].Error(), true)
	}
}

// abandon treats the current process of t as dead, kills it, and applies the
// crash or startup rule.
func (m *Manager) abandon(t healthTarget, reason string, crashed bool) {
	m.mu.Lock()
	ms, ok := m.services[t.id]
	want := model.StateInitializing
	if crashed {
		want = model.StateAlive
	}
	if !ok || ms.gen != t.gen || ms.inst.State != want {
		m.mu.Unlock()
		return
	}
	ms.gen++
	ms.proc = nil
	var retry bool
	if crashed {
		retry = m.crashedLocked(ms, reason)
	} else {
		retry = m.startupFailedLocked(ms, reason)
	}
	m.mu.Unlock()

	if t.proc != nil {
		_ = t.proc.Kill()
	}
	log.Warn().Uint64("service_id", t.id).Str("reason", reason).Bool("relaunch", retry).Msg("lds.abandon")
	if retry {
		m.launch(context.Background(), t.id)
	}
}

// Instance returns a copy of one supervised instance.
func (m *Manager) Instance(id uint64) (model.ServiceInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.services[id]
	if !ok {
		return model.ServiceInstance{}, false
	}
	return ms.inst, true
}

// Instances lists supervised instances ordered by id.
func (m *Manager) Instances() []model.ServiceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ServiceInstance, 0, len(m.services))
	for _, ms := range m.services {
		out = append(out, ms.inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LastError returns the most recent supervision error.
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// UsedPorts lists reserved worker ports.
func (m *Manager) UsedPorts() []int { return m.ports.InUse() }

// Shutdown kills every worker and clears the registry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	var procs []Process
	for _, ms := range m.services {
		if ms.proc != nil {
			procs = append(procs, ms.proc)
		}
		ms.proc = nil
		m.removeLocked(ms, "lds shutdown")
	}
	m.mu.Unlock()
	for _, p := range procs {
		_ = p.Kill()
	}
}

func hostPort(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + strconv.Itoa(port)
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, protocol.ErrServiceNotFound)
}
