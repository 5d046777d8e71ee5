package detect

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncer"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// ScheduledSyncID is the singleton id of the long-running scheduler
// workflow; restarts coalesce into the surviving execution.
const ScheduledSyncID = "scheduled-sync"

// StartScheduler launches the periodic orchestrator as a long-running
// workflow. The workflow sleeps on the runtime's timer and continues as new
// each iteration, so the schedule survives process restarts through the
// persistent queue.
func StartScheduler(ctx context.Context, rt *workflow.Runtime, intervalMinutes int, log *zap.Logger) error {
	coalesced, err := rt.Enqueue(ctx, ScheduledSyncID, syncer.KindScheduledSync,
		syncer.ScheduledSyncArgs{IntervalMinutes: intervalMinutes})
	if err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if coalesced {
		log.Info("scheduler already running, start coalesced")
	} else {
		log.Info("scheduler started", zap.Int("interval_minutes", intervalMinutes))
	}
	return nil
}
