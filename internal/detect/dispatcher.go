// Package detect implements the four change detectors (scheduled
// orchestrator, Huly webhook, Vibe event stream, Beads filesystem watcher)
// and the bounded dispatcher that drains their events into the workflow
// runtime.
package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncer"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// queueCapacity bounds pending change events. When full, the oldest event
// is dropped: detectors are lossy by design, the scheduled sweep is the
// backstop.
const queueCapacity = 1000

// Dispatcher maps change events to idempotent workflow starts.
type Dispatcher struct {
	rt  *workflow.Runtime
	log *zap.Logger
	ch  chan *types.ChangeEvent
}

// NewDispatcher creates a dispatcher over the runtime.
func NewDispatcher(rt *workflow.Runtime, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		rt:  rt,
		log: log,
		ch:  make(chan *types.ChangeEvent, queueCapacity),
	}
}

// Offer queues an event without blocking. On a full queue the oldest
// pending event is dropped to make room.
func (d *Dispatcher) Offer(ev *types.ChangeEvent) {
	for {
		select {
		case d.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-d.ch:
			d.log.Warn("event queue full, dropping oldest",
				zap.String("dropped_source", string(dropped.Source)),
				zap.String("dropped_ref", dropped.EntityRef))
		default:
		}
	}
}

// Pending reports queued events, for the stats surface.
func (d *Dispatcher) Pending() int { return len(d.ch) }

// Run drains the queue into workflow starts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.ch:
			if _, err := d.Submit(ctx, ev); err != nil {
				d.log.Error("failed to dispatch change event",
					zap.String("source", string(ev.Source)),
					zap.String("ref", ev.EntityRef),
					zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Submit maps one event to its workflow and starts it synchronously.
// Returns coalesced=true when an identical start was already in flight.
func (d *Dispatcher) Submit(ctx context.Context, ev *types.ChangeEvent) (coalesced bool, err error) {
	id, kind, args := d.route(ev)
	if id == "" {
		return false, fmt.Errorf("unroutable event source %q", ev.Source)
	}
	coalesced, err = d.rt.Enqueue(ctx, id, kind, args)
	if err != nil {
		return false, err
	}
	d.log.Debug("event dispatched",
		zap.String("workflow_id", id),
		zap.String("correlation_id", ev.CorrelationID),
		zap.Bool("coalesced", coalesced))
	return coalesced, nil
}

// route picks the workflow id, kind, and args for an event. Ids follow the
// fixed schemes so duplicate detections coalesce.
func (d *Dispatcher) route(ev *types.ChangeEvent) (string, string, interface{}) {
	switch ev.Source {
	case types.SourceHuly:
		id := fmt.Sprintf("huly-webhook-%s-%s", ev.Kind, ev.EntityRef)
		return id, syncer.KindSingleIssueSync, syncer.SingleIssueArgs{
			Source: types.SourceHuly, EntityRef: ev.EntityRef, Project: ev.Project,
		}
	case types.SourceVibe:
		return syncer.SingleIssueID(types.SourceVibe, ev.EntityRef),
			syncer.KindSingleIssueSync, syncer.SingleIssueArgs{
				Source: types.SourceVibe, EntityRef: ev.EntityRef, Project: ev.Project,
			}
	case types.SourceBeads:
		if ev.EntityRef != "" && ev.EntityRef != ev.Project {
			// Targeted mutation carrying a single issue id.
			return syncer.SingleIssueID(types.SourceBeads, ev.EntityRef),
				syncer.KindSingleIssueSync, syncer.SingleIssueArgs{
					Source: types.SourceBeads, EntityRef: ev.EntityRef, Project: ev.Project,
				}
		}
		// File-level change: sweep the project's beads side.
		id := fmt.Sprintf("beads-change-%s-%s", ev.Project, changeHash(ev.Payload))
		return id, syncer.KindProjectSync, syncer.ProjectSyncArgs{Project: ev.Project}
	case types.SourceScheduled:
		return syncer.FullSyncID("all", changeHash([]byte(ev.CorrelationID))),
			syncer.KindFullOrchestration, syncer.OrchestrationArgs{Bucket: "scheduled"}
	}
	return "", "", nil
}

// changeHash digests a payload into a short id suffix.
func changeHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:12]
}
