package vibe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StreamEvent is one task-change frame from the Vibe event stream.
type StreamEvent struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId"`
	BoardID   string          `json:"boardId"`
	Timestamp time.Time       `json:"timestamp"`
	Raw       json.RawMessage `json:"-"`
}

// Stream maintains a long-lived SSE connection to the Vibe server and
// delivers task-change frames to a handler. Reconnects with exponential
// backoff from 1s up to 30s; the backoff resets after a healthy connection.
type Stream struct {
	baseURL string
	token   string
	hc      *http.Client
	log     *zap.Logger
}

// NewStream creates a stream client. The HTTP client has no overall timeout
// because the connection is expected to live indefinitely.
func NewStream(baseURL, token string, log *zap.Logger) *Stream {
	return &Stream{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Transport: http.DefaultTransport},
		log:     log,
	}
}

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Run connects and dispatches frames until ctx is cancelled. Unparseable
// frames are logged and skipped without breaking the connection.
func (s *Stream) Run(ctx context.Context, handle func(StreamEvent)) error {
	delay := reconnectMin
	for {
		connectedAt := time.Now()
		err := s.consume(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that lived a while earns a fresh backoff.
		if time.Since(connectedAt) > time.Minute {
			delay = reconnectMin
		}
		s.log.Warn("vibe stream disconnected, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// consume holds one SSE connection open and parses frames.
func (s *Stream) consume(ctx context.Context, handle func(StreamEvent)) error {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/api/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			s.log.Warn("vibe stream: skipping unparseable frame", zap.Error(err))
			continue
		}
		ev.Raw = json.RawMessage(data)
		handle(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream read failed: %w", err)
	}
	return fmt.Errorf("event stream closed by server")
}
