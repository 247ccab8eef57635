package lds

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/stretchr/testify/require"
)

type fakeProc struct {
	pid        int
	exit       chan error
	once       sync.Once
	exitOnTerm bool
	terminated atomic.Bool
	killed     atomic.Bool
}

func (p *fakeProc) PID() int    { return p.pid }
func (p *fakeProc) Wait() error { return <-p.exit }

func (p *fakeProc) Terminate() error {
	p.terminated.Store(true)
	if p.exitOnTerm {
		p.exitWith(nil)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.exitWith(errors.New("signal: killed"))
	return nil
}

func (p *fakeProc) exitWith(err error) {
	p.once.Do(func() { p.exit <- err })
}

type fakeLauncher struct {
	mu         sync.Mutex
	procs      []*fakeProc
	specs      []LaunchSpec
	calls      int
	failNext   int
	exitOnTerm bool
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.specs = append(l.specs, spec)
	if l.failNext > 0 {
		l.failNext--
		return nil, errors.New("exec: launcher not found")
	}
	p := &fakeProc{pid: 1000 + len(l.procs), exit: make(chan error, 1), exitOnTerm: l.exitOnTerm}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []protocol.ServiceStateReport
}

func (r *recordingReporter) Report(report protocol.ServiceStateReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

func (r *recordingReporter) states(id uint64) []model.ServiceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ServiceState
	for _, rep := range r.reports {
		if rep.ServiceID == id {
			out = append(out, rep.State)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func intp(v int) *int { return &v }

func testConfig(t *testing.T, services ...SupportedService) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LauncherPath = "/opt/sessionctl/bin/launcher"
	cfg.ServicesLibraryPath = "/opt/sessionctl/services"
	cfg.PortMin = 9000
	cfg.PortMax = 9009
	if len(services) == 0 {
		services = []SupportedService{{Name: "Solver", Type: "solver", MaxCrashRestarts: intp(2), MaxStartupRestarts: intp(2)}}
	}
	cfg.SupportedServices = services
	require.NoError(t, cfg.Finalize())
	return &cfg
}

type harness struct {
	m        *Manager
	launcher *fakeLauncher
	reporter *recordingReporter
	clock    *fakeClock
}

func newHarness(t *testing.T, cfg *Config, opts ...ManagerOption) *harness {
	t.Helper()
	h := &harness{launcher: &fakeLauncher{}, reporter: &recordingReporter{}, clock: newFakeClock()}
	opts = append([]ManagerOption{
		WithPortPool(NewPortPool(cfg.ServicesIPAddress, cfg.PortMin, cfg.PortMax, false)),
		withClock(h.clock.Now),
	}, opts...)
	h.m = NewManager(cfg, "http://127.0.0.1:7400", h.launcher, h.reporter, opts...)
	t.Cleanup(h.m.Shutdown)
	return h
}

func (h *harness) spawn(t *testing.T, id uint64, sessionID string) model.ServiceInstance {
	t.Helper()
	inst, err := h.m.Spawn(context.Background(), protocol.StartServiceRequest{
		ServiceID:   id,
		ServiceType: "Solver",
		SessionID:   sessionID,
		LSSURL:      "http://127.0.0.1:7200",
	})
	require.NoError(t, err)
	return inst
}

func (h *harness) state(id uint64) model.ServiceState {
	inst, ok := h.m.Instance(id)
	if !ok {
		return model.StateRemoved
	}
	return inst.State
}

func (h *harness) eventuallyState(t *testing.T, id uint64, want model.ServiceState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state(id) == want }, 2*time.Second, 5*time.Millisecond,
		"service %d never reached %s (now %s)", id, want, h.state(id))
}
