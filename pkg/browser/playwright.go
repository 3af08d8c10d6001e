package browser

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/viewerfleet/pkg/browser/filter"
)

// Chromium launch arguments tuned for running many instances under a
// hard memory ceiling.
var launchArgs = []string{
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--disable-gpu",
	"--mute-audio",
	"--disable-background-timer-throttling",
}

// PlaywrightEngine implements Engine on playwright-driven Chromium.
type PlaywrightEngine struct {
	pw       *playwright.Playwright
	headless bool
}

// NewPlaywrightEngine installs the playwright driver if needed and
// starts it. Driver output is discarded so it cannot interleave with
// our own logs.
func NewPlaywrightEngine(headless bool) (*PlaywrightEngine, error) {
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &PlaywrightEngine{pw: pw, headless: headless}, nil
}

// Launch starts one Chromium instance.
func (e *PlaywrightEngine) Launch(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := e.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.headless),
		Args:     launchArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return &playwrightInstance{browser: b}, nil
}

// Shutdown stops the playwright driver.
func (e *PlaywrightEngine) Shutdown() error {
	if err := e.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightInstance struct {
	browser playwright.Browser
}

func (i *playwrightInstance) NewIsolatedContext(ctx context.Context, opts ContextOptions) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contextOpts := playwright.BrowserNewContextOptions{}
	if opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(opts.UserAgent)
	}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		contextOpts.Viewport = &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		}
	}
	if opts.Locale != "" {
		contextOpts.Locale = playwright.String(opts.Locale)
	}
	if opts.Timezone != "" {
		contextOpts.TimezoneId = playwright.String(opts.Timezone)
	}

	bc, err := i.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	return &playwrightContext{context: bc}, nil
}

func (i *playwrightInstance) Connected() bool {
	return i.browser.IsConnected()
}

func (i *playwrightInstance) Close() error {
	return i.browser.Close()
}

type playwrightContext struct {
	context playwright.BrowserContext
}

func (c *playwrightContext) NewSurface(ctx context.Context) (Surface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := c.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &playwrightSurface{page: page}, nil
}

// InstallRoutePolicy routes every request of every surface in this
// context through the filter policy.
func (c *playwrightContext) InstallRoutePolicy(policy *filter.Policy) error {
	return c.context.Route("**/*", func(route playwright.Route) {
		req := route.Request()
		host := ""
		if u, err := url.Parse(req.URL()); err == nil {
			host = u.Hostname()
		}
		if policy.Decide(host, req.ResourceType()) {
			_ = route.Continue()
			return
		}
		_ = route.Abort("blockedbyclient")
	})
}

func (c *playwrightContext) Close() error {
	return c.context.Close()
}

type playwrightSurface struct {
	page playwright.Page
}

// Navigate waits only for initial DOM construction, not full load:
// stream pages keep loading media indefinitely and waiting for "load"
// would burn the navigation timeout on every tab.
func (s *playwrightSurface) Navigate(ctx context.Context, target string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	waitUntil := playwright.WaitUntilStateDomcontentloaded
	opts := playwright.PageGotoOptions{WaitUntil: waitUntil}
	if timeout > 0 {
		opts.Timeout = playwright.Float(float64(timeout.Milliseconds()))
	}

	if _, err := s.page.Goto(target, opts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (s *playwrightSurface) Evaluate(ctx context.Context, script string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.page.Evaluate(script)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}
	return result, nil
}

func (s *playwrightSurface) CaptureArtifact(path string) error {
	_, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Path: playwright.String(path),
	})
	if err != nil {
		return fmt.Errorf("screenshot failed: %w", err)
	}
	return nil
}

func (s *playwrightSurface) Connected() bool {
	return !s.page.IsClosed()
}

func (s *playwrightSurface) Close() error {
	return s.page.Close()
}
