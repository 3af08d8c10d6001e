package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/viewerfleet/pkg/browser"
	"github.com/entrhq/viewerfleet/pkg/browser/filter"
	"github.com/entrhq/viewerfleet/pkg/identity"
)

// Fake automation engine used by the orchestrator tests. Behavior
// structs model the failure modes the provisioning protocol has to
// absorb: launches that fail N times, contexts that never come up,
// navigations that time out, surfaces that detach.

type surfaceBehavior struct {
	navErr error

	// directWorks means the direct play() trigger succeeds,
	// mutedWorks means the muted-first fallback does.
	directWorks bool
	mutedWorks  bool
}

type instanceBehavior struct {
	closeErr     error
	failContexts int // first N context creations fail
	failSurfaces int // first N surface creations fail, per context
	surface      surfaceBehavior
}

type fakeEngine struct {
	mu           sync.Mutex
	failLaunches int // first N launches fail
	launches     int
	instances    []*fakeInstance
	shutdowns    int
	behavior     instanceBehavior
}

func (e *fakeEngine) Launch(ctx context.Context) (browser.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launches++
	if e.launches <= e.failLaunches {
		return nil, errors.New("engine launch failed")
	}
	inst := &fakeInstance{behavior: e.behavior}
	e.instances = append(e.instances, inst)
	return inst, nil
}

func (e *fakeEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdowns++
	return nil
}

type fakeInstance struct {
	mu           sync.Mutex
	behavior     instanceBehavior
	closed       bool
	contextTries int
	contexts     []*fakeContext
}

func (i *fakeInstance) NewIsolatedContext(ctx context.Context, opts browser.ContextOptions) (browser.Context, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.contextTries++
	if i.contextTries <= i.behavior.failContexts {
		return nil, errors.New("context creation failed")
	}
	c := &fakeContext{
		opts:         opts,
		failSurfaces: i.behavior.failSurfaces,
		behavior:     i.behavior.surface,
	}
	i.contexts = append(i.contexts, c)
	return c, nil
}

func (i *fakeInstance) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.closed
}

func (i *fakeInstance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return i.behavior.closeErr
}

type fakeContext struct {
	mu           sync.Mutex
	opts         browser.ContextOptions
	policy       *filter.Policy
	failSurfaces int
	surfaceTries int
	surfaces     []*fakeSurface
	behavior     surfaceBehavior
}

func (c *fakeContext) NewSurface(ctx context.Context) (browser.Surface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.surfaceTries++
	if c.surfaceTries <= c.failSurfaces {
		return nil, errors.New("surface creation failed")
	}
	s := &fakeSurface{behavior: c.behavior, connected: true}
	c.surfaces = append(c.surfaces, s)
	return s, nil
}

func (c *fakeContext) InstallRoutePolicy(policy *filter.Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
	return nil
}

func (c *fakeContext) Close() error { return nil }

type fakeSurface struct {
	mu        sync.Mutex
	behavior  surfaceBehavior
	connected bool
	playing   bool
	captures  int
	evaluated []string
}

func (s *fakeSurface) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return s.behavior.navErr
}

func (s *fakeSurface) Evaluate(ctx context.Context, script string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluated = append(s.evaluated, script)

	switch script {
	case responsivenessProbe:
		return float64(2), nil
	case playbackProbe:
		return s.playing, nil
	case directPlay:
		if s.behavior.directWorks {
			s.playing = true
		}
		return "ok", nil
	case mutedPlay:
		if s.behavior.mutedWorks {
			s.playing = true
		}
		return "ok", nil
	default:
		return nil, fmt.Errorf("unexpected script: %s", script)
	}
}

func (s *fakeSurface) CaptureArtifact(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures++
	return nil
}

func (s *fakeSurface) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSurface) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *fakeSurface) setPlaying(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = v
}

func (s *fakeSurface) evaluatedScripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.evaluated))
	copy(out, s.evaluated)
	return out
}

func (s *fakeSurface) Close() error {
	s.setConnected(false)
	return nil
}

type fakeIdentitySource struct {
	fail             bool
	blockUntilCancel bool
}

func (f *fakeIdentitySource) FetchBatch(ctx context.Context, count int) ([]identity.Identity, error) {
	if f.blockUntilCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.fail {
		return nil, errors.New("all identity service addresses exhausted")
	}
	ids := make([]identity.Identity, count)
	for i := range ids {
		ids[i] = identity.Identity{
			ID:        fmt.Sprintf("fp-%d", i+1),
			UserAgent: "Mozilla/5.0 (test)",
			Viewport:  identity.Viewport{Width: 412, Height: 915},
			Locale:    "en-US",
			Timezone:  "Europe/London",
		}
	}
	return ids, nil
}

type fakeTunnel struct {
	mu       sync.Mutex
	startErr error
	up       bool
	started  bool
	stopped  bool
}

func (f *fakeTunnel) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeTunnel) WaitUntilUp(ctx context.Context, wait time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeTunnel) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}
