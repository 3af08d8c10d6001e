package fleet

import (
	"sync"
	"time"

	"github.com/entrhq/viewerfleet/pkg/browser"
)

// TabStatus is a tab's position in its lifecycle state machine:
//
//	created → navigating → loaded → {playing | playback-failed}
//
// with playing ⇄ playback-failed transitions driven by the health
// loop, and an absorbing error state reachable from anywhere.
type TabStatus string

const (
	TabCreated        TabStatus = "created"
	TabNavigating     TabStatus = "navigating"
	TabLoaded         TabStatus = "loaded"
	TabPlaying        TabStatus = "playing"
	TabPlaybackFailed TabStatus = "playback-failed"
	TabError          TabStatus = "error"
)

// WorkerStatus tracks one engine instance's lifecycle.
type WorkerStatus string

const (
	WorkerLaunching WorkerStatus = "launching"
	WorkerRunning   WorkerStatus = "running"
	WorkerFailed    WorkerStatus = "failed"
	WorkerClosed    WorkerStatus = "closed"
)

// Tab is one navigable surface within a sub-session.
type Tab struct {
	Ordinal      int
	TargetURL    string
	Status       TabStatus
	LastArtifact string
	Playing      *bool
	CreatedAt    time.Time

	surface     browser.Surface
	lastCapture time.Time
	unmonitored bool
}

// Subsession is an isolated execution context within a worker.
type Subsession struct {
	Ordinal    int
	IdentityID string
	CreatedAt  time.Time
	Tabs       []*Tab

	context browser.Context
}

// Worker is one heavyweight engine instance and everything it owns.
type Worker struct {
	Ordinal       int
	IdentityID    string
	Status        WorkerStatus
	LaunchAttempt int
	LaunchedAt    time.Time
	Subsessions   []*Subsession

	instance browser.Instance
}

// Tree is the fleet state: an explicitly owned Worker → Subsession →
// Tab hierarchy behind a single synchronization point. The
// provisioning flow is the only writer; the health and report loops
// read snapshots and treat absent nodes as not yet provisioned.
type Tree struct {
	mu             sync.RWMutex
	workers        []*Worker
	degradedTunnel bool
}

// NewTree creates an empty fleet tree.
func NewTree() *Tree {
	return &Tree{}
}

// SetDegradedTunnel records that the tunnel never came up within its
// wait window and the fleet is running without it.
func (t *Tree) SetDegradedTunnel(degraded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.degradedTunnel = degraded
}

// AddWorker registers a worker entering launch.
func (t *Tree) AddWorker(ordinal int, identityID string) *Worker {
	t.mu.Lock()
	defer t.mu.Unlock()

	w := &Worker{
		Ordinal:    ordinal,
		IdentityID: identityID,
		Status:     WorkerLaunching,
	}
	t.workers = append(t.workers, w)
	return w
}

// WorkerLaunched marks a worker as running and attaches its instance.
func (t *Tree) WorkerLaunched(ordinal int, instance browser.Instance, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w := t.workerLocked(ordinal); w != nil {
		w.Status = WorkerRunning
		w.LaunchAttempt = attempts
		w.LaunchedAt = time.Now().UTC()
		w.instance = instance
	}
}

// WorkerFailed marks a worker's launch as permanently failed.
func (t *Tree) WorkerFailed(ordinal int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w := t.workerLocked(ordinal); w != nil {
		w.Status = WorkerFailed
		w.LaunchAttempt = attempts
	}
}

// AddSubsession registers a created sub-session under a worker.
func (t *Tree) AddSubsession(workerOrdinal, ordinal int, identityID string, bc browser.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w := t.workerLocked(workerOrdinal); w != nil {
		w.Subsessions = append(w.Subsessions, &Subsession{
			Ordinal:    ordinal,
			IdentityID: identityID,
			CreatedAt:  time.Now().UTC(),
			context:    bc,
		})
	}
}

// AddTab registers a freshly created tab.
func (t *Tree) AddTab(workerOrdinal, subOrdinal, ordinal int, targetURL string, surface browser.Surface) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s := t.subsessionLocked(workerOrdinal, subOrdinal); s != nil {
		s.Tabs = append(s.Tabs, &Tab{
			Ordinal:   ordinal,
			TargetURL: targetURL,
			Status:    TabCreated,
			CreatedAt: time.Now().UTC(),
			surface:   surface,
		})
	}
}

// SetTabStatus moves a tab through its state machine. The error state
// is absorbing: once a tab has errored no later transition applies.
func (t *Tree) SetTabStatus(workerOrdinal, subOrdinal, ordinal int, status TabStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tab := t.tabLocked(workerOrdinal, subOrdinal, ordinal)
	if tab == nil || tab.Status == TabError {
		return
	}
	tab.Status = status
}

// SetTabPlayback records the result of a playback probe.
func (t *Tree) SetTabPlayback(workerOrdinal, subOrdinal, ordinal int, playing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tab := t.tabLocked(workerOrdinal, subOrdinal, ordinal)
	if tab == nil || tab.Status == TabError {
		return
	}
	p := playing
	tab.Playing = &p
	if playing {
		tab.Status = TabPlaying
	} else {
		tab.Status = TabPlaybackFailed
	}
}

// SetTabArtifact records the most recent diagnostic artifact for a tab
// and stamps its capture time.
func (t *Tree) SetTabArtifact(workerOrdinal, subOrdinal, ordinal int, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tab := t.tabLocked(workerOrdinal, subOrdinal, ordinal); tab != nil {
		tab.LastArtifact = path
		tab.lastCapture = time.Now()
	}
}

// StopMonitoring marks a tab as detached: the health loop no longer
// iterates it. This is terminal for monitoring but distinct from the
// error state; the tab keeps its last reported status.
func (t *Tree) StopMonitoring(workerOrdinal, subOrdinal, ordinal int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tab := t.tabLocked(workerOrdinal, subOrdinal, ordinal); tab != nil {
		tab.unmonitored = true
	}
}

// TabHandle addresses one monitorable tab for the health loop. The
// surface reference is read-only; all mutation goes back through the
// tree's ordinal-keyed setters.
type TabHandle struct {
	Worker      int
	Subsession  int
	Tab         int
	Surface     browser.Surface
	Status      TabStatus
	LastCapture time.Time
}

// MonitorableTabs returns handles for every tab the health loop should
// inspect: provisioned, not errored, not detached.
func (t *Tree) MonitorableTabs() []TabHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []TabHandle
	for _, w := range t.workers {
		for _, s := range w.Subsessions {
			for _, tab := range s.Tabs {
				if tab.Status == TabError || tab.unmonitored || tab.surface == nil {
					continue
				}
				out = append(out, TabHandle{
					Worker:      w.Ordinal,
					Subsession:  s.Ordinal,
					Tab:         tab.Ordinal,
					Surface:     tab.surface,
					Status:      tab.Status,
					LastCapture: tab.lastCapture,
				})
			}
		}
	}
	return out
}

// Instances returns every live engine instance with its worker
// ordinal, for shutdown.
func (t *Tree) Instances() map[int]browser.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int]browser.Instance)
	for _, w := range t.workers {
		if w.instance != nil {
			out[w.Ordinal] = w.instance
		}
	}
	return out
}

// MarkWorkersClosed flips every non-failed worker to closed. Called at
// the end of shutdown.
func (t *Tree) MarkWorkersClosed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, w := range t.workers {
		if w.Status == WorkerRunning || w.Status == WorkerLaunching {
			w.Status = WorkerClosed
		}
	}
}

func (t *Tree) workerLocked(ordinal int) *Worker {
	for _, w := range t.workers {
		if w.Ordinal == ordinal {
			return w
		}
	}
	return nil
}

func (t *Tree) subsessionLocked(workerOrdinal, ordinal int) *Subsession {
	w := t.workerLocked(workerOrdinal)
	if w == nil {
		return nil
	}
	for _, s := range w.Subsessions {
		if s.Ordinal == ordinal {
			return s
		}
	}
	return nil
}

func (t *Tree) tabLocked(workerOrdinal, subOrdinal, ordinal int) *Tab {
	s := t.subsessionLocked(workerOrdinal, subOrdinal)
	if s == nil {
		return nil
	}
	for _, tab := range s.Tabs {
		if tab.Ordinal == ordinal {
			return tab
		}
	}
	return nil
}
