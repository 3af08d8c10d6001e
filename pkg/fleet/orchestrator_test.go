package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/viewerfleet/pkg/config"
	"github.com/entrhq/viewerfleet/pkg/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Workers:              1,
		SubsessionsPerWorker: 2,
		TabsPerSubsession:    2,
		TargetURL:            "https://kick.com/example_channel",
		IdentityBuffer:       2,
		TunnelProfile:        "",
		TunnelWait:           10 * time.Millisecond,
		WorkerCooldown:       time.Millisecond,
		SubsessionCooldown:   time.Millisecond,
		TabCooldown:          time.Millisecond,
		LaunchBackoff:        time.Millisecond,
		ContextBackoff:       time.Millisecond,
		TabBackoff:           time.Millisecond,
		NavigationTimeout:    time.Second,
		HealthInterval:       time.Hour,
		ReportInterval:       time.Hour,
		ScreenshotInterval:   time.Hour,
		ScreenshotDir:        t.TempDir(),
	}
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logging.SetDirectory(t.TempDir())
	t.Cleanup(func() { logging.SetDirectory("") })
	log, err := logging.NewLogger("fleet-test")
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, engine *fakeEngine, tun Tunnel) *Orchestrator {
	t.Helper()
	orch, err := New(cfg, engine, &fakeIdentitySource{}, tun, testLogger(t))
	require.NoError(t, err)
	return orch
}

// provisionAll loads identities and runs the provisioning flow to
// completion, the way Run would before blocking on its context.
func provisionAll(t *testing.T, o *Orchestrator) {
	t.Helper()
	ids, err := o.ids.FetchBatch(context.Background(), o.cfg.IdentitiesNeeded())
	require.NoError(t, err)
	o.identities = ids
	o.provision(context.Background())
}

func TestProvision_FullTree(t *testing.T) {
	cfg := testConfig(t)
	engine := &fakeEngine{
		behavior: instanceBehavior{surface: surfaceBehavior{directWorks: true}},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	provisionAll(t, orch)

	snap := orch.Tree().Snapshot()
	require.Len(t, snap.Workers, 1)
	require.Len(t, snap.Workers[0].Subsessions, 2)

	totalTabs := 0
	for _, sub := range snap.Workers[0].Subsessions {
		totalTabs += len(sub.Tabs)
		for _, tab := range sub.Tabs {
			// Every tab reached loaded or later.
			assert.Contains(t, []TabStatus{TabLoaded, TabPlaying, TabPlaybackFailed}, tab.Status)
		}
	}
	assert.Equal(t, 4, totalTabs)
	assert.Equal(t, 4, snap.Totals.Tabs)
	assert.Equal(t, WorkerRunning, snap.Workers[0].Status)
}

func TestProvision_TabsInOrdinalOrder(t *testing.T) {
	cfg := testConfig(t)
	engine := &fakeEngine{
		behavior: instanceBehavior{surface: surfaceBehavior{directWorks: true}},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	provisionAll(t, orch)

	snap := orch.Tree().Snapshot()
	for _, sub := range snap.Workers[0].Subsessions {
		for i, tab := range sub.Tabs {
			assert.Equal(t, i, tab.Ordinal)
		}
	}
	for i, sub := range snap.Workers[0].Subsessions {
		assert.Equal(t, i, sub.Ordinal)
	}
}

func TestProvision_IdentityAssignment(t *testing.T) {
	cfg := testConfig(t)
	engine := &fakeEngine{
		behavior: instanceBehavior{surface: surfaceBehavior{directWorks: true}},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	provisionAll(t, orch)

	snap := orch.Tree().Snapshot()
	// Worker takes the first identity, sub-sessions the following ones.
	assert.Equal(t, "fp-1", snap.Workers[0].IdentityID)
	assert.Equal(t, "fp-2", snap.Workers[0].Subsessions[0].IdentityID)
	assert.Equal(t, "fp-3", snap.Workers[0].Subsessions[1].IdentityID)

	// The identity's attributes flowed into the context options.
	inst := engine.instances[0]
	assert.Equal(t, "Mozilla/5.0 (test)", inst.contexts[0].opts.UserAgent)
	assert.Equal(t, 412, inst.contexts[0].opts.Viewport.Width)
	assert.NotNil(t, inst.contexts[0].policy, "route policy installed on every context")
}

func TestProvision_WorkerLaunchRetries(t *testing.T) {
	cfg := testConfig(t)
	engine := &fakeEngine{
		failLaunches: 2, // first two attempts fail, third succeeds
		behavior:     instanceBehavior{surface: surfaceBehavior{directWorks: true}},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	provisionAll(t, orch)

	snap := orch.Tree().Snapshot()
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, WorkerRunning, snap.Workers[0].Status)
	assert.Equal(t, 3, snap.Workers[0].LaunchAttempt, "exactly 3 recorded attempts")
}

func TestProvision_FailedWorkerDoesNotBlockNext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 2
	engine := &fakeEngine{
		failLaunches: 3, // worker 0 exhausts its whole budget
		behavior:     instanceBehavior{surface: surfaceBehavior{directWorks: true}},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	provisionAll(t, orch)

	snap := orch.Tree().Snapshot()
	require.Len(t, snap.Workers, 2)
	assert.Equal(t, WorkerFailed, snap.Workers[0].Status)
	assert.Equal(t, 3, snap.Workers[0].LaunchAttempt)
	assert.Empty(t, snap.Workers[0].Subsessions)

	assert.Equal(t, WorkerRunning, snap.Workers[1].Status)
	assert.Len(t, snap.Workers[1].Subsessions, 2)
}

func TestProvision_NavigationFailureIsContained(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubsessionsPerWorker = 1
	cfg.TabsPerSubsession = 2
	engine := &fakeEngine{
		behavior: instanceBehavior{
			surface: surfaceBehavior{navErr: assert.AnError, directWorks: true},
		},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	provisionAll(t, orch)

	snap := orch.Tree().Snapshot()
	tabs := snap.Workers[0].Subsessions[0].Tabs
	require.Len(t, tabs, 2, "a failed tab never blocks its siblings' creation")
	for _, tab := range tabs {
		assert.Equal(t, TabError, tab.Status)
	}

	// Errored tabs are excluded from health monitoring.
	assert.Empty(t, orch.Tree().MonitorableTabs())
}

func TestProvision_ActivationFallsBackToMuted(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubsessionsPerWorker = 1
	cfg.TabsPerSubsession = 1
	engine := &fakeEngine{
		behavior: instanceBehavior{
			surface: surfaceBehavior{directWorks: false, mutedWorks: true},
		},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	provisionAll(t, orch)

	snap := orch.Tree().Snapshot()
	tab := snap.Workers[0].Subsessions[0].Tabs[0]
	assert.Equal(t, TabPlaying, tab.Status)

	surface := engine.instances[0].contexts[0].surfaces[0]
	assert.Contains(t, surface.evaluatedScripts(), mutedPlay, "muted-first fallback was exercised")
	assert.GreaterOrEqual(t, surface.captures, 2, "artifacts captured before and after activation")
}

func TestProvision_PlaybackFailureRecorded(t *testing.T) {
	cfg := testConfig(t)
	cfg.SubsessionsPerWorker = 1
	cfg.TabsPerSubsession = 1
	engine := &fakeEngine{
		behavior: instanceBehavior{
			surface: surfaceBehavior{directWorks: false, mutedWorks: false},
		},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	provisionAll(t, orch)

	tab := orch.Tree().Snapshot().Workers[0].Subsessions[0].Tabs[0]
	assert.Equal(t, TabPlaybackFailed, tab.Status)
}

func TestRun_IdentitySupplyFailureIsFatal(t *testing.T) {
	cfg := testConfig(t)
	orch, err := New(cfg, &fakeEngine{}, &fakeIdentitySource{fail: true}, nil, testLogger(t))
	require.NoError(t, err)

	err = orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity supply failed")
}

func TestRun_SignalDuringIdentityAcquisitionExitsClean(t *testing.T) {
	cfg := testConfig(t)
	orch, err := New(cfg, &fakeEngine{}, &fakeIdentitySource{blockUntilCancel: true}, nil, testLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	require.NoError(t, <-done, "a termination signal mid-acquisition is a graceful exit, not a supply failure")
	assert.Empty(t, orch.Tree().Snapshot().Workers)
}

func TestRun_TunnelNeverUpMeansDegraded(t *testing.T) {
	cfg := testConfig(t)
	cfg.TunnelProfile = "profile-1"
	engine := &fakeEngine{
		behavior: instanceBehavior{surface: surfaceBehavior{directWorks: true}},
	}
	tun := &fakeTunnel{up: false}
	orch := newTestOrchestrator(t, cfg, engine, tun)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap := orch.Tree().Snapshot()
		return snap.Totals.Tabs == 4
	}, 5*time.Second, 5*time.Millisecond, "provisioning proceeds despite the tunnel")

	cancel()
	require.NoError(t, <-done)

	snap := orch.Tree().Snapshot()
	assert.True(t, snap.DegradedTunnel)
	assert.True(t, tun.stopped, "started tunnel is stopped during shutdown")
}

func TestRun_ShutdownMidProvisioning(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 3
	cfg.WorkerCooldown = time.Hour // park provisioning after worker 0
	engine := &fakeEngine{
		behavior: instanceBehavior{
			closeErr: assert.AnError, // close failures must not escape
			surface:  surfaceBehavior{directWorks: true},
		},
	}
	orch := newTestOrchestrator(t, cfg, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap := orch.Tree().Snapshot()
		return len(snap.Workers) == 1 && snap.Workers[0].Status == WorkerRunning
	}, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	cancel()
	require.NoError(t, <-done, "no error escapes shutdown even when close fails")
	assert.Less(t, time.Since(start), 5*time.Second, "cooldown wait abandoned promptly")

	snap := orch.Tree().Snapshot()
	require.Len(t, snap.Workers, 1, "only the provisioned worker exists")
	assert.Equal(t, WorkerClosed, snap.Workers[0].Status)
	assert.True(t, engine.instances[0].closed)
	assert.Equal(t, 1, engine.shutdowns)
}
