package detect

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/tracker/vibe"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// StreamDetector bridges the Vibe event stream into change events. The
// stream client owns reconnection; this detector only maps frames.
type StreamDetector struct {
	stream     *vibe.Stream
	dispatcher *Dispatcher
	store      projectResolver
	log        *zap.Logger
}

// projectResolver is the slice of the mapping store the detector needs.
type projectResolver interface {
	ResolveProjectByVibeBoard(ctx context.Context, boardID string) (string, error)
}

// NewStreamDetector creates the Vibe SSE detector.
func NewStreamDetector(stream *vibe.Stream, dispatcher *Dispatcher, store projectResolver, log *zap.Logger) *StreamDetector {
	return &StreamDetector{stream: stream, dispatcher: dispatcher, store: store, log: log}
}

// Run consumes the stream until ctx is cancelled.
func (s *StreamDetector) Run(ctx context.Context) error {
	return s.stream.Run(ctx, func(ev vibe.StreamEvent) {
		if ev.TaskID == "" {
			return
		}
		project := ""
		if s.store != nil && ev.BoardID != "" {
			if p, err := s.store.ResolveProjectByVibeBoard(ctx, ev.BoardID); err == nil {
				project = p
			}
		}
		if project == "" {
			s.log.Debug("stream frame for unmapped board",
				zap.String("board", ev.BoardID), zap.String("task", ev.TaskID))
			return
		}
		observed := ev.Timestamp
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		s.dispatcher.Offer(&types.ChangeEvent{
			Source:        types.SourceVibe,
			EntityRef:     ev.TaskID,
			Project:       project,
			Kind:          kindOf(ev.Type),
			Payload:       ev.Raw,
			ObservedAt:    observed,
			CorrelationID: uuid.NewString(),
		})
	})
}

// kindOf maps stream frame types to change kinds.
func kindOf(frameType string) types.ChangeKind {
	switch frameType {
	case "task.created":
		return types.ChangeCreate
	case "task.updated", "task.moved":
		return types.ChangeUpdate
	case "task.deleted", "task.archived":
		return types.ChangeDelete
	}
	return types.ChangeUnknown
}
