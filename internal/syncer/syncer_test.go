package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/breaker"
	"github.com/oculairmedia/huly-vibe-sync/internal/config"
	"github.com/oculairmedia/huly-vibe-sync/internal/sinks"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// mockTracker implements tracker.Tracker with canned data and call
// recording.
type mockTracker struct {
	name string

	mu       sync.Mutex
	projects []tracker.Project
	issues   map[string]*tracker.Issue // id -> issue
	cursor   string

	created []tracker.Issue
	updated map[string][]tracker.Fields
	deleted []string

	nextID       int
	fetchES      error
	fetchErrByID map[string]error
	listErr      error
}

func newMockTracker(name string) *mockTracker {
	return &mockTracker{
		name:    name,
		issues:  make(map[string]*tracker.Issue),
		updated: make(map[string][]tracker.Fields),
		nextID:  1,
	}
}

func (m *mockTracker) put(issue tracker.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := issue
	m.issues[issue.ID] = &cp
}

func (m *mockTracker) mutationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.created) + len(m.deleted)
	for _, u := range m.updated {
		n += len(u)
	}
	return n
}

func (m *mockTracker) Name() string                          { return m.name }
func (m *mockTracker) HealthCheck(_ context.Context) error   { return nil }
func (m *mockTracker) ListProjects(_ context.Context) ([]tracker.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tracker.Project(nil), m.projects...), nil
}
func (m *mockTracker) GetProject(_ context.Context, id string) (*tracker.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.projects {
		if m.projects[i].Identifier == id || m.projects[i].ID == id {
			p := m.projects[i]
			return &p, nil
		}
	}
	return nil, syncerr.Newf(syncerr.NotFound, "project %s not found", id)
}
func (m *mockTracker) ListIssues(_ context.Context, project string, opts tracker.ListOptions) ([]tracker.Issue, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, "", m.listErr
	}
	var out []tracker.Issue
	for _, issue := range m.issues {
		if issue.Project == project || project == "" {
			if opts.ModifiedSince != nil && !issue.ModifiedAt.After(*opts.ModifiedSince) {
				continue
			}
			out = append(out, *issue)
		}
	}
	return out, m.cursor, nil
}
func (m *mockTracker) GetIssue(_ context.Context, id string) (*tracker.Issue, error) {
	if m.fetchES != nil {
		return nil, m.fetchES
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fetchErrByID[id]; ok {
		return nil, err
	}
	if issue, ok := m.issues[id]; ok {
		cp := *issue
		return &cp, nil
	}
	// Identifier lookups hit the same endpoint.
	for _, issue := range m.issues {
		if issue.Identifier == id {
			cp := *issue
			return &cp, nil
		}
	}
	return nil, syncerr.Newf(syncerr.NotFound, "%s issue %s not found", m.name, id)
}
func (m *mockTracker) CreateIssue(_ context.Context, project string, f tracker.Fields) (*tracker.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("%s-%d", m.name, m.nextID)
	identifier := id
	if m.name == "huly" {
		identifier = fmt.Sprintf("PROJ-%d", 100+m.nextID)
	}
	m.nextID++
	issue := tracker.Issue{
		ID: id, Identifier: identifier, Project: project,
		ModifiedAt: time.Now().UTC(),
	}
	applyFields(&issue, f)
	m.issues[id] = &issue
	m.created = append(m.created, issue)
	cp := issue
	return &cp, nil
}
func (m *mockTracker) UpdateIssue(_ context.Context, id string, f tracker.Fields) (*tracker.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[id]
	if !ok {
		return nil, syncerr.Newf(syncerr.NotFound, "%s issue %s not found", m.name, id)
	}
	applyFields(issue, f)
	issue.ModifiedAt = time.Now().UTC()
	m.updated[id] = append(m.updated[id], f)
	cp := *issue
	return &cp, nil
}
func (m *mockTracker) DeleteIssue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.issues, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func applyFields(issue *tracker.Issue, f tracker.Fields) {
	if f.Title != nil {
		issue.Title = *f.Title
	}
	if f.Description != nil {
		issue.Description = *f.Description
	}
	if f.Status != nil {
		issue.Status = *f.Status
	}
	if f.Priority != nil {
		issue.Priority = *f.Priority
	}
	if f.ParentID != nil {
		issue.ParentID = *f.ParentID
	}
	if f.Labels != nil {
		issue.Labels = f.Labels
	}
}

// mockBeads wraps mockTracker with the Beads-specific surface.
type mockBeads struct {
	*mockTracker
	repos map[string]string
}

func newMockBeads(repos map[string]string) *mockBeads {
	return &mockBeads{mockTracker: newMockTracker("beads"), repos: repos}
}

func (m *mockBeads) RepoPath(project string) string { return m.repos[project] }
func (m *mockBeads) GetIssueInProject(ctx context.Context, project, id string) (*tracker.Issue, error) {
	return m.GetIssue(ctx, id)
}

// harness bundles a live runtime over mocks and a temp store.
type harness struct {
	deps  *Deps
	rt    *workflow.Runtime
	store *store.Store
	huly  *mockTracker
	vibe  *mockTracker
	beads *mockBeads
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	huly := newMockTracker("huly")
	vibe := newMockTracker("vibe")
	bd := newMockBeads(map[string]string{"PROJ": t.TempDir()})

	cfg := &config.Config{
		DBPath:           st.Path(),
		Huly:             config.TrackerConfig{URL: "mock"},
		Vibe:             config.TrackerConfig{URL: "mock"},
		SyncInterval:     time.Minute,
		MaxWorkers:       4,
		CacheExpiry:      10 * time.Minute,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
		DeletePolicy:     config.DeleteSoft,
	}

	deps := &Deps{
		Store:    st,
		Huly:     huly,
		Vibe:     vibe,
		Beads:    bd,
		Breakers: breaker.NewSet(cfg.BreakerThreshold, cfg.BreakerCooldown, zap.NewNop()),
		Sinks:    sinks.New("", "", zap.NewNop()),
		Config:   cfg,
		Log:      zap.NewNop(),
	}

	rt := workflow.New(st, zap.NewNop(), workflow.Options{
		Workers:      4,
		PollInterval: 20 * time.Millisecond,
		Retry: workflow.RetryPolicy{
			InitialInterval: time.Millisecond,
			Multiplier:      2,
			MaxInterval:     5 * time.Millisecond,
			MaxAttempts:     5,
		},
	})
	Register(rt, deps)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = rt.Run(ctx) }()
	t.Cleanup(cancel)

	return &harness{deps: deps, rt: rt, store: st, huly: huly, vibe: vibe, beads: bd}
}

// runWorkflow enqueues a workflow and waits for a terminal state.
func (h *harness) runWorkflow(t *testing.T, id, kind string, args interface{}) string {
	t.Helper()
	_, err := h.rt.Enqueue(context.Background(), id, kind, args)
	require.NoError(t, err)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state, serr := h.store.TaskState(context.Background(), id)
		require.NoError(t, serr)
		switch state {
		case store.TaskDone, store.TaskFailed, store.TaskCancelled:
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s never finished", id)
	return ""
}
