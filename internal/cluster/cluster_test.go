package cluster_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sessionctl/internal/debuginfo"
	"github.com/danmuck/sessionctl/internal/gds"
	"github.com/danmuck/sessionctl/internal/gss"
	"github.com/danmuck/sessionctl/internal/lds"
	"github.com/danmuck/sessionctl/internal/lss"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/danmuck/sessionctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workerProc stands in for a launched worker: it reports alive to its LDS and
// exits when terminated.
type workerProc struct {
	pid  int
	exit chan error
	once sync.Once
}

func (p *workerProc) PID() int    { return p.pid }
func (p *workerProc) Wait() error { return <-p.exit }
func (p *workerProc) Terminate() error {
	p.once.Do(func() { p.exit <- nil })
	return nil
}
func (p *workerProc) Kill() error { return p.Terminate() }

type workerLauncher struct {
	client *protocol.Client
	mu     sync.Mutex
	specs  []lds.LaunchSpec
}

func (l *workerLauncher) Launch(_ context.Context, spec lds.LaunchSpec) (lds.Process, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	p := &workerProc{pid: 4000 + len(l.specs), exit: make(chan error, 1)}
	l.mu.Unlock()
	go func() {
		_ = l.client.ReportState(context.Background(), spec.LDSURL, protocol.ReportStateRequest{
			ServiceID: spec.ServiceID,
			State:     protocol.WorkerAlive,
		})
	}()
	return p, nil
}

func (l *workerLauncher) launched() []lds.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]lds.LaunchSpec(nil), l.specs...)
}

type cluster struct {
	gss *gss.Service
	lss *lss.Service
	gds *gds.Service
	lds *lds.Service

	gssURL, lssURL, gdsURL, ldsURL string

	launcher *workerLauncher
	client   *protocol.Client
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln, "http://" + ln.Addr().String()
}

func serve(t *testing.T, ctx context.Context, wg *sync.WaitGroup, fn func(context.Context, net.Listener) error, ln net.Listener) {
	t.Helper()
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, fn(ctx, ln))
	}()
}

func startCluster(t *testing.T) *cluster {
	t.Helper()
	gssLn, gssURL := listen(t)
	lssLn, lssURL := listen(t)
	gdsLn, gdsURL := listen(t)
	ldsLn, ldsURL := listen(t)
	fast := protocol.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond}

	gssCfg := gss.DefaultConfig()
	gssCfg.AdvertiseURL = gssURL
	gssCfg.GDSURL = gdsURL
	gssCfg.HealthInterval = time.Hour
	gssCfg.RetryInterval = 50 * time.Millisecond
	gssSvc, err := gss.NewService(gssCfg)
	require.NoError(t, err)

	gdsCfg := gds.DefaultConfig()
	gdsCfg.AdvertiseURL = gdsURL
	gdsCfg.GSSURL = gssURL
	gdsCfg.HealthInterval = time.Hour
	gdsSvc := gds.NewService(gdsCfg)

	lssCfg := lss.DefaultConfig()
	lssCfg.AdvertiseURL = lssURL
	lssCfg.GSSURL = gssURL
	lssCfg.GDSURL = gdsURL
	lssCfg.HealthInterval = time.Hour
	lssCfg.ShutdownTimeout = 5 * time.Second
	lssCfg.HeartbeatInterval = 20 * time.Millisecond
	lssCfg.Backoff = fast
	lssSvc := lss.NewService(lssCfg)

	dirCfg := lds.DefaultConfig()
	dirCfg.LauncherPath = "/opt/sessionctl/bin/launcher"
	dirCfg.ServicesLibraryPath = "/opt/sessionctl/services"
	dirCfg.PortMin = 9100
	dirCfg.PortMax = 9109
	dirCfg.SupportedServices = []lds.SupportedService{{Name: "Solver", Type: "solver"}}
	require.NoError(t, dirCfg.Finalize())

	client := protocol.NewClient(2 * time.Second)
	launcher := &workerLauncher{client: client}
	ldsCfg := lds.DefaultServiceConfig()
	ldsCfg.AdvertiseURL = ldsURL
	ldsCfg.GDSURL = gdsURL
	ldsCfg.PingWorkers = false
	ldsCfg.HeartbeatInterval = 20 * time.Millisecond
	ldsCfg.Backoff = fast
	ldsSvc := lds.NewService(ldsCfg, &dirCfg, launcher,
		lds.WithPortPool(lds.NewPortPool("127.0.0.1", 9100, 9109, false)))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	serve(t, ctx, &wg, gssSvc.Serve, gssLn)
	serve(t, ctx, &wg, gdsSvc.Serve, gdsLn)
	serve(t, ctx, &wg, lssSvc.Serve, lssLn)
	serve(t, ctx, &wg, ldsSvc.Serve, ldsLn)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	c := &cluster{
		gss: gssSvc, lss: lssSvc, gds: gdsSvc, lds: ldsSvc,
		gssURL: gssURL, lssURL: lssURL, gdsURL: gdsURL, ldsURL: ldsURL,
		launcher: launcher, client: client,
	}
	require.Eventually(t, func() bool {
		return len(c.gss.Snapshot().LocalSessionServices) == 1 && c.lss.NodeID() != 0 &&
			len(c.gds.Snapshot().LocalDirectoryServices) == 1 && c.lds.NodeID() != 0
	}, 5*time.Second, 10*time.Millisecond, "lss and lds register")
	return c
}

func (c *cluster) lssSession(id string) (debuginfo.LSSSession, bool) {
	for _, s := range c.lss.Snapshot().Sessions {
		if s.Session.ID == id {
			return s, true
		}
	}
	return debuginfo.LSSSession{}, false
}

func TestSessionLifecycleAcrossRoles(t *testing.T) {
	testlog.Start(t)

	c := startCluster(t)
	ctx := context.Background()

	created, err := c.client.CreateSession(ctx, c.gssURL, protocol.CreateSessionRequest{
		SessionType: "Modeling",
		UserName:    "ada",
		ProjectName: "bridge",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, c.lssURL, created.LSSURL)
	assert.Equal(t, c.lss.NodeID(), created.LSSID)

	session, ok := c.lssSession(created.SessionID)
	require.True(t, ok)
	assert.Equal(t, "ada", session.Session.UserName)

	handle, err := c.client.RequestService(ctx, c.lssURL, protocol.RequestServiceRequest{
		SessionID:   created.SessionID,
		ServiceType: "Solver",
	})
	require.NoError(t, err)
	assert.NotZero(t, handle.ID)

	require.Eventually(t, func() bool {
		s, ok := c.lssSession(created.SessionID)
		return ok && len(s.Services) == 1 && s.Services[0].IsAlive
	}, 5*time.Second, 10*time.Millisecond, "service reported alive to the lss")

	specs := c.launcher.launched()
	require.Len(t, specs, 1)
	assert.Equal(t, created.SessionID, specs[0].SessionID)
	assert.Equal(t, c.lssURL, specs[0].LSSURL)
	assert.Equal(t, c.ldsURL, specs[0].LDSURL)

	gdsSnap := c.gds.Snapshot()
	require.Len(t, gdsSnap.LocalDirectoryServices, 1)
	assert.Len(t, gdsSnap.LocalDirectoryServices[0].Services, 1)

	require.NoError(t, c.client.RequestSessionShutdown(ctx, c.gssURL, protocol.ShutdownSessionRequest{
		SessionID: created.SessionID,
	}))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{created.SessionID}, c.gss.Snapshot().ShutdownCompletedQueue)
	}, 5*time.Second, 10*time.Millisecond, "gss records the closed session")

	_, ok = c.lssSession(created.SessionID)
	assert.False(t, ok)
	assert.Contains(t, c.lss.Snapshot().ShutdownCompletedQueue, created.SessionID)
	assert.Empty(t, c.lds.Snapshot().AliveSessions)
	require.Eventually(t, func() bool {
		snap := c.gds.Snapshot()
		return len(snap.LocalDirectoryServices) == 1 && len(snap.LocalDirectoryServices[0].Services) == 0
	}, 5*time.Second, 10*time.Millisecond, "gds forgets the removed service")

	// The session id is free again once closed.
	again, err := c.client.CreateSession(ctx, c.gssURL, protocol.CreateSessionRequest{
		SessionID:   created.SessionID,
		SessionType: "Modeling",
		UserName:    "ada",
		ProjectName: "bridge",
	})
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, again.SessionID)
}

func TestEmergencyShutdownAcrossRoles(t *testing.T) {
	testlog.Start(t)

	c := startCluster(t)
	ctx := context.Background()

	created, err := c.client.CreateSession(ctx, c.gssURL, protocol.CreateSessionRequest{
		SessionID:   "s-emergency",
		SessionType: "Modeling",
		UserName:    "grace",
		ProjectName: "compiler",
	})
	require.NoError(t, err)
	_, err = c.client.RequestService(ctx, c.lssURL, protocol.RequestServiceRequest{
		SessionID:   created.SessionID,
		ServiceType: "Solver",
	})
	require.NoError(t, err)

	require.NoError(t, c.client.RequestSessionShutdown(ctx, c.gssURL, protocol.ShutdownSessionRequest{
		SessionID: created.SessionID,
		Emergency: true,
	}))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{created.SessionID}, c.gss.Snapshot().ShutdownCompletedQueue)
	}, 5*time.Second, 10*time.Millisecond)
	_, ok := c.lssSession(created.SessionID)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		return len(c.lds.Snapshot().AliveSessions) == 0
	}, 5*time.Second, 10*time.Millisecond, "lds stops the session's workers")
}

func TestChildrenReregisterAfterParentsDropThem(t *testing.T) {
	testlog.Start(t)

	c := startCluster(t)
	ctx := context.Background()

	lssID := c.gss.Snapshot().LocalSessionServices[0].ID
	ldsID := c.gds.Snapshot().LocalDirectoryServices[0].ID
	c.gss.Deregister(lssID, "missed health checks")
	c.gds.Deregister(ctx, ldsID, "missed health checks")

	require.Eventually(t, func() bool {
		gssSnap := c.gss.Snapshot()
		gdsSnap := c.gds.Snapshot()
		return len(gssSnap.LocalSessionServices) == 1 && gssSnap.LocalSessionServices[0].ID != lssID &&
			gssSnap.LocalSessionServices[0].ID == c.lss.NodeID() &&
			len(gdsSnap.LocalDirectoryServices) == 1 && gdsSnap.LocalDirectoryServices[0].ID != ldsID &&
			gdsSnap.LocalDirectoryServices[0].ID == c.lds.NodeID()
	}, 5*time.Second, 10*time.Millisecond, "lss and lds register again")

	created, err := c.client.CreateSession(ctx, c.gssURL, protocol.CreateSessionRequest{
		SessionType: "Modeling",
		UserName:    "ada",
		ProjectName: "bridge",
	})
	require.NoError(t, err)
	_, err = c.client.RequestService(ctx, c.lssURL, protocol.RequestServiceRequest{
		SessionID:   created.SessionID,
		ServiceType: "Solver",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := c.lssSession(created.SessionID)
		return ok && len(s.Services) == 1 && s.Services[0].IsAlive
	}, 5*time.Second, 10*time.Millisecond)
}
