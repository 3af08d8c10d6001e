// Package browser defines the automation capability the fleet is built
// against. The orchestrator only ever sees these interfaces; the
// playwright implementation lives alongside them, and tests substitute
// fakes. Nothing in the fleet core depends on a specific engine's API
// shape.
package browser

import (
	"context"
	"time"

	"github.com/entrhq/viewerfleet/pkg/browser/filter"
)

// Viewport is a surface geometry in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// ContextOptions configures an isolated execution context. All fields
// come from the identity assigned to the owning sub-session.
type ContextOptions struct {
	UserAgent string
	Viewport  Viewport
	Locale    string
	Timezone  string
}

// Engine launches heavyweight automation engine instances. One Engine
// is shared by the whole fleet; each Launch produces one Worker's
// instance.
type Engine interface {
	// Launch starts a new engine instance.
	Launch(ctx context.Context) (Instance, error)

	// Shutdown releases the engine runtime itself. Called once, after
	// every instance has been closed.
	Shutdown() error
}

// Instance is one running engine process.
type Instance interface {
	// NewIsolatedContext creates an execution context with its own
	// cookie and storage namespace.
	NewIsolatedContext(ctx context.Context, opts ContextOptions) (Context, error)

	// Connected reports whether the instance is still reachable.
	Connected() bool

	// Close terminates the instance and everything it owns.
	Close() error
}

// Context is an isolated execution context within an instance.
type Context interface {
	// NewSurface creates a navigable surface in this context.
	NewSurface(ctx context.Context) (Surface, error)

	// InstallRoutePolicy installs the traffic-filtering policy for
	// every surface in this context.
	InstallRoutePolicy(policy *filter.Policy) error

	// Close destroys the context and its surfaces.
	Close() error
}

// Surface is one navigable surface (a tab).
type Surface interface {
	// Navigate loads url, returning once initial DOM construction
	// completes. Full load is deliberately not awaited.
	Navigate(ctx context.Context, url string, timeout time.Duration) error

	// Evaluate runs a script probe against the surface's live state
	// and returns its result.
	Evaluate(ctx context.Context, script string) (interface{}, error)

	// CaptureArtifact writes a visual snapshot of the surface to path.
	CaptureArtifact(path string) error

	// Connected reports whether the surface is still attached to a
	// live engine connection.
	Connected() bool

	// Close destroys the surface.
	Close() error
}
