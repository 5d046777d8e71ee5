package vibe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/tracker"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(tracker.HTTPOptions{BaseURL: srv.URL})
}

func TestListIssuesHighWaterCursor(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/boards/b1/tasks", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"tasks": []map[string]interface{}{
				{"id": "t1", "boardId": "b1", "title": "One", "column": "todo",
					"priority": "medium", "updatedAt": "2026-08-01T10:00:00Z"},
				{"id": "t2", "boardId": "b1", "title": "Two", "column": "done",
					"priority": "high", "updatedAt": "2026-08-01T12:00:00Z"},
			},
		})
	}))

	issues, cursor, err := client.ListIssues(context.Background(), "b1", tracker.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, issues, 2)
	assert.Equal(t, "2026-08-01T12:00:00Z", cursor)
	assert.Equal(t, "todo", issues[0].Status)
}

func TestListIssuesSendsCursor(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-08-01T10:00:00Z", r.URL.Query().Get("updatedSince"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"tasks": []interface{}{}})
	}))
	_, _, err := client.ListIssues(context.Background(), "b1",
		tracker.ListOptions{SinceCursor: "2026-08-01T10:00:00Z"})
	require.NoError(t, err)
}

func TestUpdateIssueMapsStatusToColumn(t *testing.T) {
	var got map[string]interface{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "t1", "boardId": "b1"})
	}))
	_, err := client.UpdateIssue(context.Background(), "t1",
		tracker.Fields{Status: tracker.String("done")})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"column": "done"}, got)
}

func TestStreamDeliversFramesAndReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		assert.Equal(t, "/api/events", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "data: {\"type\":\"task.updated\",\"taskId\":\"t%d\",\"boardId\":\"b1\",\"timestamp\":\"2026-08-01T10:00:00Z\"}\n\n", n)
		flusher.Flush()
		// Close the connection to force a reconnect.
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan StreamEvent, 10)
	stream := NewStream(srv.URL, "", zap.NewNop())
	go func() {
		_ = stream.Run(ctx, func(ev StreamEvent) { events <- ev })
	}()

	// First frame from the first connection.
	select {
	case ev := <-events:
		assert.Equal(t, "task.updated", ev.Type)
		assert.Equal(t, "t1", ev.TaskID)
		assert.NotEmpty(t, ev.Raw)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first frame")
	}

	// After the server drops the connection, the stream reconnects and a
	// second frame arrives.
	select {
	case ev := <-events:
		assert.Equal(t, "t2", ev.TaskID)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reconnect frame")
	}
	cancel()
}
