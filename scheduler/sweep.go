package scheduler

// Zombie sweep: a run row stuck in `running` past the zombie age means its
// process died mid-dispatch (the lease has long expired). The sweep fails
// those rows with error "zombie" so health windows and streaks see them,
// and the ordinary claim path retries the endpoint.

func (w *Worker) sweepLoop() {
	defer w.wg.Done()

	// Sweep once at startup to recover from a previous crash before the
	// claim loop hands out fresh work.
	w.sweep()

	ticker := w.clk.Ticker(w.cfg.ZombieSweep())
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Worker) sweep() {
	now := w.clk.Now().UTC()
	n, err := w.stores.Runs.CleanupZombieRuns(w.ctx, now, w.cfg.ZombieAge())
	if err != nil {
		if w.ctx.Err() == nil {
			w.log.Errorw("Zombie sweep failed", "worker_id", w.id, "error", err)
		}
		return
	}
	if n > 0 {
		w.log.Warnw("Swept zombie runs",
			"worker_id", w.id,
			"count", n,
			"older_than", w.cfg.ZombieAge())
	}
}
