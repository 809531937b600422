package core

import (
	"errors"
	"time"

	"github.com/heptiolabs/healthcheck"
)

// Health returns an HTTP handler with liveness and readiness probes
// for the manager. Liveness fails once the manager is closed;
// readiness fails when the registry's cleanup loop has stalled.
func (m *Manager) Health() healthcheck.Handler {
	h := healthcheck.NewHandler()

	h.AddLivenessCheck("manager-open", func() error {
		if m.closed.Load() {
			return errors.New("manager is closed")
		}
		return nil
	})

	// Three missed sweeps means the cleanup goroutine is wedged or the
	// registry lock is held for far too long.
	stale := 3 * m.opts.CleanupInterval
	h.AddReadinessCheck("registry-cleanup", func() error {
		if since := time.Since(m.registry.LastCleanup()); since > stale {
			return errors.New("no registry cleanup for " + since.Truncate(time.Second).String())
		}
		return nil
	})

	h.AddReadinessCheck("worker-pool", func() error {
		if m.workers.IsClosed() {
			return errors.New("async worker pool released")
		}
		return nil
	})

	return h
}
