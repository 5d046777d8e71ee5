// Package sinks holds the fire-and-forget adapters notified after
// successful syncs: the agent-platform memory update and the graph store
// summary update. Sink failures are logged and never surface to the
// calling workflow.
package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// sinkTimeout bounds every sink call.
const sinkTimeout = 5 * time.Second

// Notifier fans a sync result out to all configured sinks.
type Notifier struct {
	letta *httpSink
	graph *httpSink
	log   *zap.Logger
}

// New creates a notifier. Empty URLs disable the corresponding sink.
func New(lettaURL, graphURL string, log *zap.Logger) *Notifier {
	n := &Notifier{log: log}
	if lettaURL != "" {
		n.letta = newHTTPSink("letta", lettaURL)
	}
	if graphURL != "" {
		n.graph = newHTTPSink("graph", graphURL)
	}
	return n
}

// IssueSynced notifies the sinks about one synced issue. Errors are logged
// at Warn and swallowed.
func (n *Notifier) IssueSynced(ctx context.Context, issue *types.Issue) {
	payload := map[string]interface{}{
		"project":    issue.ProjectIdentifier,
		"identifier": issue.Identifier,
		"title":      issue.Title,
		"status":     issue.Status,
		"priority":   issue.Priority,
		"synced_at":  time.Now().UTC().Format(time.RFC3339),
	}
	n.post(ctx, n.letta, "/api/memory/issue", payload)
	n.post(ctx, n.graph, "/api/summaries/issue", payload)
}

// ProjectSynced notifies the sinks that a project sweep completed.
func (n *Notifier) ProjectSynced(ctx context.Context, project string, issuesSynced int) {
	payload := map[string]interface{}{
		"project":       project,
		"issues_synced": issuesSynced,
		"synced_at":     time.Now().UTC().Format(time.RFC3339),
	}
	n.post(ctx, n.letta, "/api/memory/project", payload)
	n.post(ctx, n.graph, "/api/summaries/project", payload)
}

func (n *Notifier) post(ctx context.Context, sink *httpSink, path string, payload interface{}) {
	if sink == nil {
		return
	}
	if err := sink.post(ctx, path, payload); err != nil {
		n.log.Warn("sink notification failed",
			zap.String("sink", sink.name),
			zap.String("path", path),
			zap.Error(err))
	}
}

// httpSink is a minimal JSON POST client with a hard timeout.
type httpSink struct {
	name string
	base string
	hc   *http.Client
}

func newHTTPSink(name, base string) *httpSink {
	return &httpSink{
		name: name,
		base: strings.TrimSuffix(base, "/"),
		hc:   &http.Client{Timeout: sinkTimeout},
	}
}

func (s *httpSink) post(ctx context.Context, path string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, "POST", s.base+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sink returned status %d", resp.StatusCode)
	}
	return nil
}
