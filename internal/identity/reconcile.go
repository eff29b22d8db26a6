package identity

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/careersync/identity/internal/ids"
	"github.com/careersync/identity/internal/obs"
)

// VerifyConsistency checks every local record against the provider and
// reports the external ids that are missing remotely. The check is
// one-directional: identities that exist only at the provider are not
// detected here (no remote enumeration capability); sync-on-read heals
// those lazily on their next authentication.
//
// The report carries its own error field so partial results survive a
// failed pass. The method is idempotent and safe to run concurrently
// with normal traffic.
func (s *Service) VerifyConsistency(ctx context.Context) *ConsistencyReport {
	report := &ConsistencyReport{CheckedAt: s.clock().UTC()}

	users, err := s.users.All(ctx)
	if err != nil {
		report.Err = err.Error()
		return report
	}
	report.TotalDBUsers = len(users)

	for _, u := range users {
		if err := s.waitProvider(ctx); err != nil {
			report.Err = err.Error()
			break
		}
		_, err := s.provider.FetchUser(ctx, u.ExternalID)
		switch {
		case err == nil:
			report.ConsistentUsers++
		case IsKind(err, KindNotFound):
			report.Inconsistent = append(report.Inconsistent, u.ExternalID)
		default:
			// A transient provider failure is not evidence of drift;
			// stop and surface it with whatever was counted so far.
			report.Err = err.Error()
		}
		if report.Err != "" {
			break
		}
	}

	obs.ObserveReconciliation(len(report.Inconsistent))
	return report
}

// CleanupOrphan deletes externalID from the provider only when no
// local record references it; a referenced id is skipped so cleanup
// cannot race a registration that just completed. The outcome is
// always audited, subject-less since no local identity exists.
func (s *Service) CleanupOrphan(ctx context.Context, externalID, reason string) error {
	exists, err := s.users.ExistsByExternalID(ctx, externalID)
	if err != nil {
		return wrapKind(KindStore, "cleanup_orphan", "existence check failed", err)
	}
	if exists {
		obs.Event("cleanup.skip_referenced", map[string]any{"external_id": externalID})
		return nil
	}

	if err := s.waitProvider(ctx); err != nil {
		return wrapKind(KindConsistency, "cleanup_orphan", "provider pacing interrupted", err)
	}
	if err := s.provider.DeleteUser(ctx, externalID); err != nil {
		obs.IncOrphanCleanup(StatusFailed)
		s.audit.Record(ctx, eventFor(0, ActionCleanupOrphan, resourceSystem, "system", "system", StatusFailed, reason+" - "+err.Error()))
		return wrapKind(KindProvider, "cleanup_orphan", "provider delete failed", err)
	}

	obs.IncOrphanCleanup(StatusSuccess)
	s.audit.Record(ctx, eventFor(0, ActionCleanupOrphan, resourceSystem, "system", "system", StatusSuccess, reason))
	return nil
}

// Sweeper drives the periodic reconciliation pass with an explicit
// start/stop lifecycle. A non-blocking in-flight flag guarantees two
// sweeps never overlap, whether triggered by the ticker or on demand.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *log.Logger

	inFlight atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a Sweeper; interval must be positive.
func NewSweeper(svc *Service, interval time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ticker loop. It returns immediately.
func (w *Sweeper) Start() {
	go w.run()
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Sweeper) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.RunOnce(context.Background())
		}
	}
}

// RunOnce executes a single sweep unless one is already running, in
// which case it reports false and does nothing.
//
// The sweep verifies local-to-remote consistency and logs the drift it
// finds. A fuller pass, deleting provider identities created recently
// but never synced locally, needs a remote enumeration capability the
// provider contract does not offer.
func (w *Sweeper) RunOnce(ctx context.Context) bool {
	if !w.inFlight.CompareAndSwap(false, true) {
		obs.Event("sweep.skipped_overlap", nil)
		return false
	}
	defer w.inFlight.Store(false)

	// Sortable run id, correlates the lines a single sweep emits.
	runID := ids.New()
	obs.Event("sweep.started", map[string]any{"run_id": runID})

	report := w.svc.VerifyConsistency(ctx)
	fields := map[string]any{
		"run_id":       runID,
		"total":        report.TotalDBUsers,
		"consistent":   report.ConsistentUsers,
		"inconsistent": len(report.Inconsistent),
	}
	if report.Err != "" {
		fields["error"] = report.Err
	}
	obs.Event("sweep.completed", fields)
	return true
}
