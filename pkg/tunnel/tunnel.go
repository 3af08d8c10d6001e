// Package tunnel controls the external network-tunnel process the
// fleet's traffic is routed through. The tunnel is an opaque
// collaborator: we start it, watch for its up marker, and terminate
// it on shutdown. Everything else is its own business.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/entrhq/viewerfleet/pkg/logging"
)

// upMarker is the line the tunnel process prints once the link is
// established.
const upMarker = "Initialization Sequence Completed"

// stopGrace is how long Stop waits after the graceful signal before
// forcing termination.
const stopGrace = 5 * time.Second

// Controller manages one tunnel process.
type Controller struct {
	binary  string
	profile string
	log     *logging.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
	up  atomic.Bool
}

// New creates a controller for the given tunnel binary and profile
// identifier. The profile is passed to the binary as its --config
// argument.
func New(binary, profile string, log *logging.Logger) *Controller {
	return &Controller{binary: binary, profile: profile, log: log}
}

// Start launches the tunnel process and begins watching its output
// for the up marker. It returns once the process is running; link
// readiness is observed through WaitUntilUp.
//
// The process is deliberately not bound to ctx: shutdown closes the
// worker engines first and terminates the tunnel last, so the only
// thing allowed to end the process is Stop with its graceful signal.
// ctx only gates launching a tunnel after shutdown has begun.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.cmd != nil {
		return fmt.Errorf("tunnel already started")
	}

	cmd := exec.Command(c.binary, "--config", c.profile)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to pipe tunnel output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start tunnel process: %w", err)
	}
	c.cmd = cmd
	c.log.Infof("tunnel process started: %s --config %s (pid %d)", c.binary, c.profile, cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(line, upMarker) {
				c.up.Store(true)
				c.log.Infof("tunnel is up")
			}
		}
		c.up.Store(false)
	}()

	return nil
}

// Up reports whether the tunnel has signalled readiness.
func (c *Controller) Up() bool {
	return c.up.Load()
}

// WaitUntilUp polls for the up marker for at most wait. It returns
// false when the window elapses or ctx is cancelled; callers continue
// in degraded mode rather than blocking startup.
func (c *Controller) WaitUntilUp(ctx context.Context, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if c.up.Load() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Stop terminates the tunnel process, graceful signal first, forced
// kill after the grace window. Safe to call when never started.
func (c *Controller) Stop() error {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	c.up.Store(false)

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c.log.Warnf("tunnel graceful signal failed, killing: %v", err)
		_ = cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(stopGrace):
		c.log.Warnf("tunnel did not exit within %s, killing", stopGrace)
		_ = cmd.Process.Kill()
		<-done
	}
	c.log.Infof("tunnel process stopped")
	return nil
}
