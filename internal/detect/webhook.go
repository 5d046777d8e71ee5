package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/breaker"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// WebhookPayload is the Huly webhook body.
type WebhookPayload struct {
	Type    string          `json:"type"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange is one entity change inside a webhook delivery. Before and
// After are kept opaque for forensic logging.
type WebhookChange struct {
	Entity  string          `json:"entity"`
	ID      string          `json:"id"`
	Project string          `json:"project,omitempty"`
	Kind    string          `json:"kind"`
	Before  json.RawMessage `json:"before,omitempty"`
	After   json.RawMessage `json:"after,omitempty"`
}

// WebhookResponse reports per-change handling.
type WebhookResponse struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// MutationPayload is the targeted Beads mutation webhook: a CLI shim posts
// the already-parsed issue, short-circuiting the filesystem watcher.
type MutationPayload struct {
	Project string          `json:"project"`
	IssueID string          `json:"issue_id"`
	Issue   json.RawMessage `json:"issue,omitempty"`
}

// Server is the HTTP intake: the Huly webhook, the Beads mutation webhook,
// and the thin operator surface (health, stats).
type Server struct {
	dispatcher *Dispatcher
	rt         *workflow.Runtime
	store      *store.Store
	breakers   *breaker.Set
	log        *zap.Logger
	addr       string
}

// NewServer builds the intake server.
func NewServer(addr string, dispatcher *Dispatcher, rt *workflow.Runtime, st *store.Store, breakers *breaker.Set, log *zap.Logger) *Server {
	return &Server{
		dispatcher: dispatcher,
		rt:         rt,
		store:      st,
		breakers:   breakers,
		log:        log,
		addr:       addr,
	}
}

// Router assembles the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook", s.handleWebhook)
	r.Post("/api/beads/mutation", s.handleMutation)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("webhook server failed: %w", err)
	}
}

// handleWebhook ingests a Huly change delivery. Duplicate deliveries for
// the same (type, id) coalesce into the running workflow and still count
// as processed, keeping the endpoint idempotent.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, WebhookResponse{
			Success: false, Errors: []string{fmt.Sprintf("bad payload: %v", err)},
		})
		return
	}

	resp := WebhookResponse{Success: true}
	for _, change := range payload.Changes {
		if change.ID == "" {
			resp.Skipped++
			continue
		}
		kind := types.ChangeKind(change.Kind)
		switch kind {
		case types.ChangeCreate, types.ChangeUpdate, types.ChangeDelete:
		default:
			kind = types.ChangeUnknown
		}
		raw, _ := json.Marshal(change)
		ev := &types.ChangeEvent{
			Source:        types.SourceHuly,
			EntityRef:     change.ID,
			Project:       change.Project,
			Kind:          kind,
			Payload:       raw,
			ObservedAt:    time.Now().UTC(),
			CorrelationID: uuid.NewString(),
		}
		// Coalesce by workflow id: the second delivery of the same change
		// folds into the running execution.
		if _, err := s.dispatcher.Submit(r.Context(), ev); err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", change.ID, err))
			continue
		}
		resp.Processed++
	}
	if len(resp.Errors) > 0 && resp.Processed == 0 {
		resp.Success = false
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMutation ingests the targeted Beads mutation webhook.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	var payload MutationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, WebhookResponse{
			Success: false, Errors: []string{fmt.Sprintf("bad payload: %v", err)},
		})
		return
	}
	if payload.Project == "" || payload.IssueID == "" {
		writeJSON(w, http.StatusBadRequest, WebhookResponse{
			Success: false, Errors: []string{"project and issue_id are required"},
		})
		return
	}

	ev := &types.ChangeEvent{
		Source:        types.SourceBeads,
		EntityRef:     payload.IssueID,
		Project:       payload.Project,
		Kind:          types.ChangeUpdate,
		Payload:       payload.Issue,
		ObservedAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
	}
	if _, err := s.dispatcher.Submit(r.Context(), ev); err != nil {
		writeJSON(w, http.StatusInternalServerError, WebhookResponse{
			Success: false, Errors: []string{err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusAccepted, WebhookResponse{Success: true, Processed: 1})
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStats snapshots queue depth, breaker states, and the last run.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.rt.QueueDepth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	lastRun, err := s.store.GetLastSyncRun(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_depth":    depth,
		"pending_events": s.dispatcher.Pending(),
		"breakers":       s.breakers.States(),
		"last_run":       lastRun,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
