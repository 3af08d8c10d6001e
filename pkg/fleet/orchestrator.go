// Package fleet provisions and supervises the Worker → Subsession →
// Tab tree. Provisioning is strictly sequential with cooldown delays
// between tiers: simultaneous resource acquisition is the primary
// failure mode under a hard memory ceiling, so the staggering is a
// throttling mechanism, not incidental sleep.
package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/entrhq/viewerfleet/pkg/browser"
	"github.com/entrhq/viewerfleet/pkg/browser/filter"
	"github.com/entrhq/viewerfleet/pkg/config"
	"github.com/entrhq/viewerfleet/pkg/identity"
	"github.com/entrhq/viewerfleet/pkg/logging"
	"github.com/entrhq/viewerfleet/pkg/retry"
)

// Retry budgets per provisioning tier.
const (
	launchAttempts  = 3
	contextAttempts = 3
	tabAttempts     = 5
)

// IdentitySource supplies the fleet's identities. *client.Client is
// the production implementation.
type IdentitySource interface {
	FetchBatch(ctx context.Context, count int) ([]identity.Identity, error)
}

// Tunnel is the external network-tunnel capability. *tunnel.Controller
// is the production implementation; a nil Tunnel means no tunnel is
// configured.
type Tunnel interface {
	Start(ctx context.Context) error
	WaitUntilUp(ctx context.Context, wait time.Duration) bool
	Stop() error
}

// Orchestrator owns the whole fleet lifecycle: identity acquisition,
// tunnel establishment, staged provisioning, monitoring, shutdown.
type Orchestrator struct {
	cfg    *config.Config
	engine browser.Engine
	ids    IdentitySource
	tun    Tunnel
	log    *logging.Logger

	tree      *Tree
	artifacts *ArtifactStore
	policy    *filter.Policy

	identities []identity.Identity
	nextID     int

	launchPolicy  retry.Policy
	contextPolicy retry.Policy
	tabPolicy     retry.Policy

	tunnelStarted bool
}

// New wires an orchestrator. The engine, identity source and tunnel
// are injected so the core never depends on a specific automation or
// transport implementation.
func New(cfg *config.Config, engine browser.Engine, ids IdentitySource, tun Tunnel, log *logging.Logger) (*Orchestrator, error) {
	policy, err := filter.New(cfg.TargetURL, cfg.AllowDomains)
	if err != nil {
		return nil, fmt.Errorf("building traffic policy: %w", err)
	}

	artifacts, err := NewArtifactStore(cfg.ScreenshotDir)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		ids:       ids,
		tun:       tun,
		log:       log,
		tree:      NewTree(),
		artifacts: artifacts,
		policy:    policy,
		launchPolicy: retry.Policy{
			MaxAttempts: launchAttempts,
			Backoff:     retry.Linear(cfg.LaunchBackoff, 0),
		},
		contextPolicy: retry.Policy{
			MaxAttempts: contextAttempts,
			Backoff:     retry.Fixed(cfg.ContextBackoff),
		},
		tabPolicy: retry.Policy{
			MaxAttempts: tabAttempts,
			Backoff:     retry.Linear(cfg.TabBackoff, 6*cfg.TabBackoff),
		},
	}, nil
}

// Tree exposes the fleet state for the status server.
func (o *Orchestrator) Tree() *Tree { return o.tree }

// Artifacts exposes the artifact store for the status server.
func (o *Orchestrator) Artifacts() *ArtifactStore { return o.artifacts }

// Run executes the fleet lifecycle until ctx is cancelled. It returns
// an error only for unrecoverable startup failures (identity supply);
// everything after identity acquisition degrades instead of failing.
func (o *Orchestrator) Run(ctx context.Context) error {
	needed := o.cfg.IdentitiesNeeded()
	ids, err := o.ids.FetchBatch(ctx, needed)
	if err != nil {
		// A termination signal during acquisition is a normal exit,
		// not a supply failure.
		if ctx.Err() != nil {
			o.log.Infof("shutdown requested during identity acquisition")
			return nil
		}
		return fmt.Errorf("identity supply failed: %w", err)
	}
	o.identities = ids
	o.log.Infof("acquired %d identities for %d workers", needed, o.cfg.Workers)

	o.establishTunnel(ctx)

	go o.healthLoop(ctx)
	go o.reportLoop(ctx)

	o.provision(ctx)

	<-ctx.Done()
	o.shutdown()
	return nil
}

// establishTunnel starts the tunnel and waits for its up signal within
// the configured window. A tunnel that never comes up does not block
// startup; the fleet continues in degraded mode.
func (o *Orchestrator) establishTunnel(ctx context.Context) {
	if o.tun == nil || o.cfg.TunnelProfile == "" {
		return
	}

	if err := o.tun.Start(ctx); err != nil {
		o.log.Warnf("tunnel start failed, continuing degraded: %v", err)
		o.tree.SetDegradedTunnel(true)
		return
	}
	o.tunnelStarted = true

	if !o.tun.WaitUntilUp(ctx, o.cfg.TunnelWait) {
		o.log.Warnf("tunnel not up after %s, continuing degraded", o.cfg.TunnelWait)
		o.tree.SetDegradedTunnel(true)
		return
	}
	o.log.Infof("tunnel established")
}

// provision builds the whole tree, workers in ordinal order. A failed
// worker never blocks its siblings.
func (o *Orchestrator) provision(ctx context.Context) {
	for w := 0; w < o.cfg.Workers; w++ {
		if w > 0 {
			if err := retry.Sleep(ctx, o.cfg.WorkerCooldown); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		o.provisionWorker(ctx, w)
	}
	o.log.Infof("provisioning complete")
}

func (o *Orchestrator) provisionWorker(ctx context.Context, ordinal int) {
	id := o.nextIdentity()
	o.tree.AddWorker(ordinal, id.ID)
	o.log.Infof("worker %d: launching engine (identity %s)", ordinal, id.ID)

	attempts := 0
	var instance browser.Instance
	err := o.launchPolicy.Do(ctx, func(ctx context.Context) error {
		attempts++
		inst, err := o.engine.Launch(ctx)
		if err != nil {
			o.log.Warnf("worker %d: launch attempt %d failed: %v", ordinal, attempts, err)
			return err
		}
		instance = inst
		return nil
	})
	if err != nil {
		o.tree.WorkerFailed(ordinal, attempts)
		o.log.Errorf("worker %d: engine launch failed permanently: %v", ordinal, err)
		return
	}
	o.tree.WorkerLaunched(ordinal, instance, attempts)
	o.log.Infof("worker %d: engine running after %d attempt(s)", ordinal, attempts)

	for s := 0; s < o.cfg.SubsessionsPerWorker; s++ {
		if err := retry.Sleep(ctx, o.cfg.SubsessionCooldown); err != nil {
			return
		}
		o.provisionSubsession(ctx, ordinal, s, instance)
	}
}

func (o *Orchestrator) provisionSubsession(ctx context.Context, workerOrdinal, ordinal int, instance browser.Instance) {
	id := o.nextIdentity()

	var bc browser.Context
	err := o.contextPolicy.Do(ctx, func(ctx context.Context) error {
		c, err := instance.NewIsolatedContext(ctx, browser.ContextOptions{
			UserAgent: id.UserAgent,
			Viewport:  browser.Viewport{Width: id.Viewport.Width, Height: id.Viewport.Height},
			Locale:    id.Locale,
			Timezone:  id.Timezone,
		})
		if err != nil {
			o.log.Warnf("worker %d sub %d: context creation failed: %v", workerOrdinal, ordinal, err)
			return err
		}
		bc = c
		return nil
	})
	if err != nil {
		o.log.Errorf("worker %d sub %d: context creation failed permanently: %v", workerOrdinal, ordinal, err)
		return
	}

	if err := bc.InstallRoutePolicy(o.policy); err != nil {
		// Filtering is a bandwidth optimization; a sub-session without
		// it still works.
		o.log.Warnf("worker %d sub %d: route policy install failed: %v", workerOrdinal, ordinal, err)
	}

	o.tree.AddSubsession(workerOrdinal, ordinal, id.ID, bc)
	o.log.Infof("worker %d sub %d: context ready (identity %s)", workerOrdinal, ordinal, id.ID)

	for t := 0; t < o.cfg.TabsPerSubsession; t++ {
		if err := retry.Sleep(ctx, o.cfg.TabCooldown); err != nil {
			return
		}
		o.provisionTab(ctx, workerOrdinal, ordinal, t, bc)
	}
}

func (o *Orchestrator) provisionTab(ctx context.Context, workerOrdinal, subOrdinal, ordinal int, bc browser.Context) {
	var surface browser.Surface
	err := o.tabPolicy.Do(ctx, func(ctx context.Context) error {
		s, err := bc.NewSurface(ctx)
		if err != nil {
			o.log.Warnf("worker %d sub %d tab %d: surface creation failed: %v",
				workerOrdinal, subOrdinal, ordinal, err)
			return err
		}
		if !probeResponsive(ctx, s) {
			_ = s.Close()
			return fmt.Errorf("surface failed responsiveness check")
		}
		surface = s
		return nil
	})
	if err != nil {
		// Record the failed tab so the status surface shows it; there
		// is no surface to attach.
		o.tree.AddTab(workerOrdinal, subOrdinal, ordinal, o.cfg.TargetURL, nil)
		o.tree.SetTabStatus(workerOrdinal, subOrdinal, ordinal, TabError)
		o.log.Errorf("worker %d sub %d tab %d: surface creation failed permanently: %v",
			workerOrdinal, subOrdinal, ordinal, err)
		return
	}

	o.tree.AddTab(workerOrdinal, subOrdinal, ordinal, o.cfg.TargetURL, surface)
	o.tree.SetTabStatus(workerOrdinal, subOrdinal, ordinal, TabNavigating)

	if err := surface.Navigate(ctx, o.cfg.TargetURL, o.cfg.NavigationTimeout); err != nil {
		o.tree.SetTabStatus(workerOrdinal, subOrdinal, ordinal, TabError)
		o.log.Errorf("worker %d sub %d tab %d: navigation failed: %v",
			workerOrdinal, subOrdinal, ordinal, err)
		return
	}
	o.tree.SetTabStatus(workerOrdinal, subOrdinal, ordinal, TabLoaded)
	o.log.Infof("worker %d sub %d tab %d: loaded %s", workerOrdinal, subOrdinal, ordinal, o.cfg.TargetURL)

	o.capture(workerOrdinal, subOrdinal, ordinal, surface)
	playing := activate(ctx, surface)
	o.tree.SetTabPlayback(workerOrdinal, subOrdinal, ordinal, playing)
	o.capture(workerOrdinal, subOrdinal, ordinal, surface)

	if playing {
		o.log.Infof("worker %d sub %d tab %d: playing", workerOrdinal, subOrdinal, ordinal)
	} else {
		o.log.Warnf("worker %d sub %d tab %d: playback not established", workerOrdinal, subOrdinal, ordinal)
	}
}

// capture takes a diagnostic artifact, best-effort.
func (o *Orchestrator) capture(workerOrdinal, subOrdinal, ordinal int, surface browser.Surface) {
	path := o.artifacts.NextPath(workerOrdinal, subOrdinal, ordinal)
	if err := surface.CaptureArtifact(path); err != nil {
		o.log.Warnf("worker %d sub %d tab %d: artifact capture failed: %v",
			workerOrdinal, subOrdinal, ordinal, err)
		return
	}
	o.artifacts.Record(workerOrdinal, subOrdinal, ordinal, path)
	o.tree.SetTabArtifact(workerOrdinal, subOrdinal, ordinal, path)
}

// nextIdentity hands out the next pre-fetched identity. The batch is
// sized with a buffer, so wrapping indicates a sizing bug; reuse is
// still preferable to halting provisioning.
func (o *Orchestrator) nextIdentity() identity.Identity {
	if len(o.identities) == 0 {
		return identity.Identity{}
	}
	if o.nextID >= len(o.identities) {
		o.log.Warnf("identity batch exhausted, reusing from the start")
		o.nextID = 0
	}
	id := o.identities[o.nextID]
	o.nextID++
	return id
}

// shutdown closes every engine instance, then the engine runtime, then
// the tunnel. Individual close failures are logged, never raised: no
// error may escape shutdown.
func (o *Orchestrator) shutdown() {
	o.log.Infof("shutdown: closing fleet")

	for ordinal, instance := range o.tree.Instances() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.log.Errorf("worker %d: panic during close: %v", ordinal, r)
				}
			}()
			if err := instance.Close(); err != nil {
				o.log.Warnf("worker %d: close failed: %v", ordinal, err)
			}
		}()
	}
	o.tree.MarkWorkersClosed()

	if err := o.engine.Shutdown(); err != nil {
		o.log.Warnf("engine shutdown failed: %v", err)
	}

	if o.tunnelStarted {
		if err := o.tun.Stop(); err != nil {
			o.log.Warnf("tunnel stop failed: %v", err)
		}
	}
	o.log.Infof("shutdown complete")
}
