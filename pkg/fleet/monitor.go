package fleet

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"
)

// healthLoop inspects every monitorable tab on a fixed interval. It
// runs independently of the provisioning flow: tabs not yet created
// simply are not iterated. Each iteration is recovered so one failing
// pass never stops the loop.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.healthCheck(ctx)
		}
	}
}

func (o *Orchestrator) healthCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("health check iteration panicked: %v", r)
		}
	}()

	for _, h := range o.tree.MonitorableTabs() {
		if ctx.Err() != nil {
			return
		}

		// A detached tab cannot be recovered in place; stop tracking it.
		if !h.Surface.Connected() {
			o.tree.StopMonitoring(h.Worker, h.Subsession, h.Tab)
			o.log.Warnf("worker %d sub %d tab %d: detached from engine, monitoring stopped",
				h.Worker, h.Subsession, h.Tab)
			continue
		}

		playing := probePlaying(ctx, h.Surface)
		if !playing {
			o.log.Infof("worker %d sub %d tab %d: not playing, re-running activation",
				h.Worker, h.Subsession, h.Tab)
			playing = activate(ctx, h.Surface)
		}
		o.tree.SetTabPlayback(h.Worker, h.Subsession, h.Tab, playing)

		// Periodic diagnostic artifact, rate-limited per tab.
		if time.Since(h.LastCapture) >= o.cfg.ScreenshotInterval {
			o.capture(h.Worker, h.Subsession, h.Tab, h.Surface)
		}
	}
}

// reportLoop logs aggregate fleet state and applies memory-pressure
// mitigation on its own fixed interval.
func (o *Orchestrator) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.report()
		}
	}
}

func (o *Orchestrator) report() {
	defer func() {
		if r := recover(); r != nil {
			o.log.Errorf("report iteration panicked: %v", r)
		}
	}()

	snap := o.tree.Snapshot()
	heapMB := heapAllocMB()
	o.log.Infof("fleet status: %d workers, %d tabs (%d playing, %d errored), heap %dMB",
		len(snap.Workers), snap.Totals.Tabs, snap.Totals.Playing, snap.Totals.Errored, heapMB)

	if o.cfg.MemoryThresholdMB > 0 && heapMB > o.cfg.MemoryThresholdMB {
		o.mitigateMemoryPressure(heapMB)
	}
}

// mitigateMemoryPressure is advisory, not a correctness mechanism: the
// runtime exposes an explicit collection trigger, so we use it and
// return whatever pages we can to the OS.
func (o *Orchestrator) mitigateMemoryPressure(heapMB int) {
	o.log.Warnf("heap %dMB above threshold %dMB, requesting collection", heapMB, o.cfg.MemoryThresholdMB)
	runtime.GC()
	debug.FreeOSMemory()
	o.log.Infof("post-mitigation heap: %dMB", heapAllocMB())
}

func heapAllocMB() int {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int(m.HeapAlloc / (1024 * 1024))
}
