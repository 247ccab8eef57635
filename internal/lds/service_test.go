package lds

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sessionctl/internal/debuginfo"
	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/node"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/danmuck/sessionctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, gdsURL string) (*Service, *fakeLauncher, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	launcher := &fakeLauncher{}
	svcCfg := DefaultServiceConfig()
	svcCfg.GDSURL = gdsURL
	svcCfg.PingWorkers = false
	svcCfg.RegisterMaxAttempts = 3
	svcCfg.Backoff = protocol.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	s := NewService(svcCfg, cfg, launcher, WithPortPool(NewPortPool("127.0.0.1", 9000, 9009, false)))
	srv := httptest.NewServer(s.HTTPRouter())
	t.Cleanup(srv.Close)
	t.Cleanup(s.Manager().Shutdown)
	s.SetAdvertiseURL(srv.URL)
	return s, launcher, srv
}

func TestServiceRoutesDriveTheManager(t *testing.T) {
	testlog.Start(t)

	s, _, srv := newTestService(t, "")
	client := protocol.NewClient(time.Second)
	ctx := context.Background()

	inst, err := client.StartService(ctx, srv.URL, protocol.StartServiceRequest{
		ServiceID: 11, ServiceType: "Solver", SessionID: "s-1", LSSURL: "http://lss",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StateInitializing, inst.State)
	assert.Equal(t, srv.URL, inst.LDSURL)

	_, err = client.StartService(ctx, srv.URL, protocol.StartServiceRequest{ServiceID: 12, ServiceType: "Mesher"})
	assert.ErrorIs(t, err, protocol.ErrUnsupportedServiceType)

	require.NoError(t, client.ReportState(ctx, srv.URL, protocol.ReportStateRequest{ServiceID: 11, State: protocol.WorkerAlive}))

	var snap debuginfo.LDSDebugInfo
	require.NoError(t, client.Debug(ctx, srv.URL, &snap))
	require.Len(t, snap.AliveSessions, 1)
	assert.Equal(t, "s-1", snap.AliveSessions[0].SessionID)
	assert.True(t, snap.Config.ConfigImported)
	assert.Equal(t, []int{9000}, snap.UsedPorts)

	require.NoError(t, client.StopSession(ctx, srv.URL, protocol.StopSessionRequest{SessionID: "s-1", Emergency: true}))
	_, ok := s.Manager().Instance(11)
	assert.False(t, ok)

	err = client.StopService(ctx, srv.URL, protocol.StopServiceRequest{ServiceID: 11})
	assert.ErrorIs(t, err, protocol.ErrServiceNotFound)
}

type fakeGDS struct {
	mu         sync.Mutex
	registered []protocol.RegisterLDSRequest
	reports    []protocol.ServiceStateReport
	known      bool
}

func (g *fakeGDS) router() *gin.Engine {
	r := node.NewRouter("gds", func() uint64 { return 1 }, nil, nil)
	r.POST(protocol.PathRegisterLDS, func(c *gin.Context) {
		var req protocol.RegisterLDSRequest
		if !node.BindJSON(c, &req) {
			return
		}
		g.mu.Lock()
		g.registered = append(g.registered, req)
		g.known = true
		g.mu.Unlock()
		c.JSON(200, protocol.RegisterLDSResponse{ID: 4})
	})
	r.POST(protocol.PathHeartbeatLDS, func(c *gin.Context) {
		g.mu.Lock()
		known := g.known
		g.mu.Unlock()
		if !known {
			node.RespondError(c, protocol.ErrHostNotFound)
			return
		}
		node.RespondAck(c, "registered")
	})
	r.POST(protocol.PathServiceState, func(c *gin.Context) {
		var rep protocol.ServiceStateReport
		if !node.BindJSON(c, &rep) {
			return
		}
		g.mu.Lock()
		g.reports = append(g.reports, rep)
		g.mu.Unlock()
		node.RespondAck(c, "ok")
	})
	return r
}

func (g *fakeGDS) forget() {
	g.mu.Lock()
	g.known = false
	g.mu.Unlock()
}

func (g *fakeGDS) registrations() []protocol.RegisterLDSRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]protocol.RegisterLDSRequest(nil), g.registered...)
}

func (g *fakeGDS) reportCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reports)
}

func TestServiceRegistersAndForwardsReports(t *testing.T) {
	testlog.Start(t)

	gds := &fakeGDS{}
	gdsSrv := httptest.NewServer(gds.router())
	defer gdsSrv.Close()

	s, _, _ := newTestService(t, gdsSrv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Register(ctx))
	assert.Equal(t, uint64(4), s.NodeID())
	require.Len(t, gds.registered, 1)
	assert.True(t, gds.registered[0].ConfigImported)
	assert.Equal(t, []string{"Solver"}, gds.registered[0].SupportedServices)

	go s.pumpReports(ctx)
	_, err := s.Manager().Spawn(ctx, protocol.StartServiceRequest{ServiceID: 3, ServiceType: "Solver", SessionID: "s-9"})
	require.NoError(t, err)
	require.NoError(t, s.Manager().ReportState(3, protocol.WorkerAlive))

	require.Eventually(t, func() bool { return gds.reportCount() == 3 }, 2*time.Second, 5*time.Millisecond)
	gds.mu.Lock()
	defer gds.mu.Unlock()
	assert.Equal(t, model.StateRequested, gds.reports[0].State)
	assert.Equal(t, model.StateInitializing, gds.reports[1].State)
	assert.Equal(t, model.StateAlive, gds.reports[2].State)
	assert.Equal(t, "s-9", gds.reports[2].Instance.SessionID)
}

func TestHeartbeatReregistersWhenGDSForgetsTheLDS(t *testing.T) {
	testlog.Start(t)

	gds := &fakeGDS{}
	gdsSrv := httptest.NewServer(gds.router())
	defer gdsSrv.Close()

	s, _, _ := newTestService(t, gdsSrv.URL)
	s.cfg.HeartbeatInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Register(ctx))
	_, err := s.Manager().Spawn(ctx, protocol.StartServiceRequest{ServiceID: 5, ServiceType: "Solver", SessionID: "s-1"})
	require.NoError(t, err)
	go s.heartbeatLoop(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, gds.registrations(), 1, "a known lds is left alone")

	gds.forget()
	require.Eventually(t, func() bool { return len(gds.registrations()) == 2 }, 2*time.Second, 5*time.Millisecond)
	again := gds.registrations()[1]
	require.Len(t, again.Services, 1)
	assert.Equal(t, uint64(5), again.Services[0].ID)
}

func TestReportOverflowResyncsWithGDS(t *testing.T) {
	testlog.Start(t)

	gds := &fakeGDS{}
	gdsSrv := httptest.NewServer(gds.router())
	defer gdsSrv.Close()

	s, _, _ := newTestService(t, gdsSrv.URL)
	s.cfg.HeartbeatInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Register(ctx))
	_, err := s.Manager().Spawn(ctx, protocol.StartServiceRequest{ServiceID: 8, ServiceType: "Solver", SessionID: "s-1"})
	require.NoError(t, err)

	// Nothing drains the queue, so it overflows.
	for i := 0; i <= reportQueueSize; i++ {
		s.enqueue(protocol.ServiceStateReport{ServiceID: 8, State: model.StateInitializing})
	}
	assert.Len(t, s.resync, 1)

	go s.heartbeatLoop(ctx)
	require.Eventually(t, func() bool { return len(gds.registrations()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, gds.registrations()[1].Services, 1)
}
