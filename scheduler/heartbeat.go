package scheduler

import (
	"github.com/shirou/gopsutil/v3/mem"
)

const bytesPerGB = 1024 * 1024 * 1024

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := w.clk.Ticker(w.cfg.Heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.heartbeat()
		}
	}
}

// heartbeat emits one liveness line with throughput counters and system
// memory, the quickest way to spot a worker sized too large for its host.
func (w *Worker) heartbeat() {
	fields := []interface{}{
		"worker_id", w.id,
		"claimed", w.claimed.Load(),
		"dispatched", w.dispatched.Load(),
		"in_flight", len(w.sem),
		"pool", cap(w.sem),
	}
	if v, err := mem.VirtualMemory(); err == nil {
		fields = append(fields,
			"mem_used_gb", float64(v.Total-v.Available)/bytesPerGB,
			"mem_total_gb", float64(v.Total)/bytesPerGB,
			"mem_percent", v.UsedPercent,
		)
	}
	w.log.Infow("Scheduler heartbeat", fields...)
}
