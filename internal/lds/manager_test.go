package lds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/sessionctl/internal/model"
	"github.com/danmuck/sessionctl/internal/protocol"
	"github.com/danmuck/sessionctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnRejectsUnsupportedType(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	_, err := h.m.Spawn(context.Background(), protocol.StartServiceRequest{ServiceID: 1, ServiceType: "Mesher"})
	assert.ErrorIs(t, err, protocol.ErrUnsupportedServiceType)
	assert.Zero(t, h.launcher.launches())
	assert.Empty(t, h.m.UsedPorts())
}

func TestSpawnRequiresImportedConfig(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	h := newHarness(t, &cfg)
	_, err := h.m.Spawn(context.Background(), protocol.StartServiceRequest{ServiceID: 1, ServiceType: "Solver"})
	assert.ErrorIs(t, err, protocol.ErrConfigNotImported)
}

func TestSpawnReportsPortExhaustion(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t)
	h := newHarness(t, cfg, WithPortPool(NewPortPool("127.0.0.1", 9000, 9000, false)))
	h.spawn(t, 1, "s-1")
	_, err := h.m.Spawn(context.Background(), protocol.StartServiceRequest{ServiceID: 2, ServiceType: "Solver", SessionID: "s-1"})
	assert.ErrorIs(t, err, protocol.ErrPortExhaustion)
	assert.Contains(t, h.m.LastError(), "port exhaustion")
}

func TestSpawnReachesAliveOnWorkerReport(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	inst := h.spawn(t, 7, "s-1")
	assert.Equal(t, model.StateInitializing, inst.State)
	assert.Equal(t, 1, inst.IniAttempt)
	assert.Equal(t, "http://127.0.0.1:9000", inst.URL)
	assert.Equal(t, "http://127.0.0.1:7400", inst.LDSURL)

	require.NoError(t, h.m.ReportState(7, protocol.WorkerAlive))
	assert.Equal(t, model.StateAlive, h.state(7))
	require.NoError(t, h.m.ReportState(7, protocol.WorkerAlive), "repeated alive is idempotent")

	assert.Equal(t, []model.ServiceState{model.StateRequested, model.StateInitializing, model.StateAlive}, h.reporter.states(7))

	err := h.m.ReportState(99, protocol.WorkerAlive)
	assert.ErrorIs(t, err, protocol.ErrServiceNotFound)
	err = h.m.ReportState(7, "sleeping")
	assert.ErrorIs(t, err, protocol.ErrInvalidRequest)

	spec := h.launcher.specs[0]
	assert.Equal(t, "/opt/sessionctl/bin/launcher", spec.LauncherPath)
	assert.Contains(t, spec.Args(), "/opt/sessionctl/services/Solver")
}

func TestCrashRestartsAreBounded(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.spawn(t, 1, "s-1")
	require.NoError(t, h.m.ReportState(1, protocol.WorkerAlive))

	for restart := 1; restart <= 2; restart++ {
		h.launcher.last().exitWith(errors.New("exit status 139"))
		require.Eventually(t, func() bool { return h.launcher.launches() == restart+1 }, 2*time.Second, 5*time.Millisecond)
		h.eventuallyState(t, 1, model.StateInitializing)
		inst, _ := h.m.Instance(1)
		assert.Equal(t, restart, inst.StartCounter)
		assert.Equal(t, 1, inst.IniAttempt, "startup attempts reset on crash restart")
		require.NoError(t, h.m.ReportState(1, protocol.WorkerAlive))
	}

	h.launcher.last().exitWith(errors.New("exit status 139"))
	h.eventuallyState(t, 1, model.StateFailed)
	assert.Equal(t, 3, h.launcher.launches(), "no relaunch once the crash budget is spent")

	inst, _ := h.m.Instance(1)
	assert.Contains(t, inst.FailureReason, protocol.ErrRestartBudgetExceeded.Error())
	assert.Empty(t, h.m.UsedPorts(), "failed instances release their ports")

	states := h.reporter.states(1)
	assert.Equal(t, model.StateFailed, states[len(states)-1])
}

func TestFailedInstanceDoesNotReleasePortTwice(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig(t, SupportedService{Name: "Solver", MaxCrashRestarts: intp(0), MaxStartupRestarts: intp(2)})
	h := newHarness(t, cfg, WithPortPool(NewPortPool("127.0.0.1", 9000, 9000, false)))

	h.spawn(t, 1, "s-1")
	require.NoError(t, h.m.ReportState(1, protocol.WorkerAlive))
	h.launcher.last().exitWith(errors.New("exit status 139"))
	h.eventuallyState(t, 1, model.StateFailed)
	assert.Empty(t, h.m.UsedPorts())

	second := h.spawn(t, 2, "s-2")
	assert.Equal(t, 9000, second.Port)

	require.NoError(t, h.m.Stop(context.Background(), 1, false))
	assert.Equal(t, model.StateRemoved, h.state(1))
	assert.Equal(t, []int{9000}, h.m.UsedPorts(), "the reused port stays with service 2")

	_, err := h.m.Spawn(context.Background(), protocol.StartServiceRequest{ServiceID: 3, ServiceType: "Solver", SessionID: "s-3"})
	assert.ErrorIs(t, err, protocol.ErrPortExhaustion)
}

func TestStartupFailuresAreBounded(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.spawn(t, 1, "s-1")

	h.launcher.last().exitWith(errors.New("exit status 1"))
	require.Eventually(t, func() bool { return h.launcher.launches() == 2 }, 2*time.Second, 5*time.Millisecond)
	h.eventuallyState(t, 1, model.StateInitializing)

	h.launcher.last().exitWith(errors.New("exit status 1"))
	h.eventuallyState(t, 1, model.StateFailed)
	assert.Equal(t, 2, h.launcher.launches())

	inst, _ := h.m.Instance(1)
	assert.Zero(t, inst.StartCounter)
	assert.Equal(t, 2, inst.IniAttempt)
}

func TestLaunchErrorsCountAgainstStartupBudget(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.launcher.failNext = 5
	inst := h.spawn(t, 1, "s-1")
	assert.Equal(t, model.StateFailed, inst.State)
	assert.Equal(t, 2, h.launcher.launches())
	assert.Contains(t, h.m.LastError(), "startup attempts 2 of 2")
}

func TestStartupTimeoutCountsAsStartupFailure(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.spawn(t, 1, "s-1")
	first := h.launcher.last()

	h.clock.Advance(10 * time.Second)
	h.m.CheckHealth(context.Background())
	assert.Equal(t, 1, h.launcher.launches(), "still within startup timeout")

	h.clock.Advance(time.Minute)
	h.m.CheckHealth(context.Background())
	assert.True(t, first.killed.Load())
	h.eventuallyState(t, 1, model.StateInitializing)
	assert.Equal(t, 2, h.launcher.launches())
}

func TestHealthProbeFailureCountsAsCrash(t *testing.T) {
	testlog.Start(t)

	down := map[string]bool{}
	probe := func(_ context.Context, url string) error {
		if down[url] {
			return protocol.ErrHostUnreachable
		}
		return nil
	}
	h := newHarness(t, testConfig(t), WithProbe(probe))
	inst := h.spawn(t, 1, "s-1")
	require.NoError(t, h.m.ReportState(1, protocol.WorkerAlive))

	h.m.CheckHealth(context.Background())
	assert.Equal(t, model.StateAlive, h.state(1))

	down[inst.URL] = true
	h.m.CheckHealth(context.Background())
	h.eventuallyState(t, 1, model.StateInitializing)
	got, _ := h.m.Instance(1)
	assert.Equal(t, 1, got.StartCounter)
	assert.Equal(t, 2, h.launcher.launches())
}

func TestGracefulStopRemovesOnExit(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.launcher.exitOnTerm = true
	h.spawn(t, 1, "s-1")
	require.NoError(t, h.m.ReportState(1, protocol.WorkerAlive))

	require.NoError(t, h.m.Stop(context.Background(), 1, false))
	h.eventuallyState(t, 1, model.StateRemoved)
	assert.True(t, h.launcher.last().terminated.Load())
	assert.False(t, h.launcher.last().killed.Load())
	assert.Empty(t, h.m.UsedPorts())

	states := h.reporter.states(1)
	assert.Contains(t, states, model.StateNewStopping)
	assert.Equal(t, model.StateRemoved, states[len(states)-1])
	assert.Equal(t, 1, h.launcher.launches(), "a stopped worker is never relaunched")
}

func TestGracefulStopEscalatesAfterTimeout(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.spawn(t, 1, "s-1")
	require.NoError(t, h.m.ReportState(1, protocol.WorkerAlive))

	require.NoError(t, h.m.Stop(context.Background(), 1, false))
	assert.Equal(t, model.StateStopping, h.state(1))
	require.NoError(t, h.m.Stop(context.Background(), 1, false), "second stop is a no-op")

	h.clock.Advance(time.Minute)
	h.m.CheckHealth(context.Background())
	assert.True(t, h.launcher.last().killed.Load())
	h.eventuallyState(t, 1, model.StateRemoved)
}

func TestEmergencyStopRemovesImmediately(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.spawn(t, 1, "s-1")
	require.NoError(t, h.m.ReportState(1, protocol.WorkerAlive))

	require.NoError(t, h.m.Stop(context.Background(), 1, true))
	_, ok := h.m.Instance(1)
	assert.False(t, ok)
	assert.True(t, h.launcher.last().killed.Load())
	assert.NotContains(t, h.reporter.states(1), model.StateStopping)

	err := h.m.Stop(context.Background(), 1, true)
	assert.ErrorIs(t, err, protocol.ErrServiceNotFound)
}

func TestWorkerInitiatedShutdownRemovesOnExit(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.spawn(t, 1, "s-1")
	require.NoError(t, h.m.ReportState(1, protocol.WorkerAlive))
	require.NoError(t, h.m.ReportState(1, protocol.WorkerShuttingDown))
	assert.Equal(t, model.StateStopping, h.state(1))

	h.launcher.last().exitWith(nil)
	h.eventuallyState(t, 1, model.StateRemoved)
	assert.Equal(t, 1, h.launcher.launches())
}

func TestStopSessionOnlyTouchesThatSession(t *testing.T) {
	testlog.Start(t)

	h := newHarness(t, testConfig(t))
	h.spawn(t, 1, "s-1")
	h.spawn(t, 2, "s-1")
	h.spawn(t, 3, "s-2")

	require.NoError(t, h.m.StopSession(context.Background(), "s-1", true))
	_, ok1 := h.m.Instance(1)
	_, ok2 := h.m.Instance(2)
	_, ok3 := h.m.Instance(3)
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.True(t, ok3)
	require.NoError(t, h.m.StopSession(context.Background(), "unknown", false))
}
