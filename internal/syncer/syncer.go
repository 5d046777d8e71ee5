// Package syncer implements the sync workflows: SingleIssueSync,
// ProjectSync, FullOrchestration, ScheduledSync, and DataReconciliation.
// Workflow bodies run on the workflow runtime and do all external work
// through retried activities.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/breaker"
	"github.com/oculairmedia/huly-vibe-sync/internal/config"
	"github.com/oculairmedia/huly-vibe-sync/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync/internal/sinks"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// BeadsTracker is the Beads adapter surface the workflows depend on: the
// uniform tracker capability set plus repo awareness.
type BeadsTracker interface {
	tracker.Tracker
	RepoPath(project string) string
	GetIssueInProject(ctx context.Context, project, id string) (*tracker.Issue, error)
}

// Workflow kinds.
const (
	KindSingleIssueSync    = "single_issue_sync"
	KindProjectSync        = "project_sync"
	KindFullOrchestration  = "full_orchestration"
	KindScheduledSync      = "scheduled_sync"
	KindDataReconciliation = "data_reconciliation"
)

// Wall-clock timeouts per workflow kind.
const (
	singleIssueTimeout   = 90 * time.Second
	projectSyncTimeout   = 5 * time.Minute
	orchestrationTimeout = 15 * time.Minute
	reconcileTimeout     = 10 * time.Minute
)

// continueAsNewEvery bounds orchestrator history: after this many projects
// the workflow continues as new.
const continueAsNewEvery = 3

// issueParallelism bounds concurrent per-issue syncs inside one project
// sweep.
const issueParallelism = 5

// Deps bundles everything the workflow bodies need.
type Deps struct {
	Store    *store.Store
	Huly     tracker.Tracker
	Vibe     tracker.Tracker
	Beads    BeadsTracker
	Breakers *breaker.Set
	Sinks    *sinks.Notifier
	Metrics  *metrics.Metrics
	Config   *config.Config
	Log      *zap.Logger

	locks entityLocks
}

// Register binds all workflow kinds to the runtime.
func Register(rt *workflow.Runtime, deps *Deps) {
	rt.Register(KindSingleIssueSync, singleIssueTimeout, deps.SingleIssueSync)
	rt.Register(KindProjectSync, projectSyncTimeout, deps.ProjectSync)
	rt.Register(KindFullOrchestration, orchestrationTimeout, deps.FullOrchestration)
	rt.Register(KindScheduledSync, 0, deps.ScheduledSync)
	rt.Register(KindDataReconciliation, reconcileTimeout, deps.DataReconciliation)
}

// SingleIssueID builds the idempotent workflow id for a single-issue sync.
func SingleIssueID(source types.Source, identifier string) string {
	return fmt.Sprintf("sync-issue-%s-%s", source, identifier)
}

// ProjectSyncID builds the workflow id for one project sweep.
func ProjectSyncID(project string) string {
	return fmt.Sprintf("project-sync-%s", project)
}

// FullSyncID builds the workflow id for an orchestration pass. Scope is a
// project identifier or "all"; the bucket keeps concurrent manual triggers
// apart from the scheduler's pass.
func FullSyncID(scope, bucket string) string {
	return fmt.Sprintf("full-sync-%s-%s", scope, bucket)
}

// entityLocks serializes work on one logical entity across the inline
// project-sweep path and detector-triggered workflows.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the per-entity mutex, creating it on first use.
func (e *entityLocks) lock(key string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	m, ok := e.locks[key]
	if !ok {
		m = &sync.Mutex{}
		e.locks[key] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}
