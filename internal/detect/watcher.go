package detect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync/internal/tracker/beads"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// debounceWindow is how long a repository must stay quiet before its change
// event fires. JSONL exports arrive as write bursts.
const debounceWindow = 500 * time.Millisecond

// Watcher observes each configured repository's issues.jsonl and emits one
// debounced change event per project. Events dedupe by file content hash so
// a rewrite with identical content stays silent.
type Watcher struct {
	dispatcher *Dispatcher
	log        *zap.Logger
	repos      map[string]string // project -> repo path

	mu        sync.Mutex
	timers    map[string]*time.Timer
	lastHash  map[string]string
}

// NewWatcher creates a watcher for the given project->path map.
func NewWatcher(dispatcher *Dispatcher, repos map[string]string, log *zap.Logger) *Watcher {
	return &Watcher{
		dispatcher: dispatcher,
		log:        log,
		repos:      repos,
		timers:     make(map[string]*time.Timer),
		lastHash:   make(map[string]string),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.repos) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	// Watch the .beads directory rather than the file: exporters often
	// replace issues.jsonl atomically, which re-creates the inode.
	watched := make(map[string]string) // dir -> project
	for project, repo := range w.repos {
		dir := filepath.Dir(beads.JSONLPath(repo))
		if err := watcher.Add(dir); err != nil {
			w.log.Warn("failed to watch beads directory",
				zap.String("project", project),
				zap.String("dir", dir),
				zap.Error(err))
			continue
		}
		watched[dir] = project
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != beads.JSONLName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			project, ok := watched[filepath.Dir(event.Name)]
			if !ok {
				continue
			}
			w.debounce(project, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// debounce (re)arms the project's stability timer. The event fires only
// after the file stays untouched for the debounce window.
func (w *Watcher) debounce(project, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[project]; ok {
		timer.Reset(debounceWindow)
		return
	}
	w.timers[project] = time.AfterFunc(debounceWindow, func() {
		w.fire(project, path)
	})
}

// fire emits the change event unless the file content is unchanged since
// the last emission.
func (w *Watcher) fire(project, path string) {
	w.mu.Lock()
	delete(w.timers, project)
	w.mu.Unlock()

	hash := fileHash(path)
	w.mu.Lock()
	if hash != "" && w.lastHash[project] == hash {
		w.mu.Unlock()
		w.log.Debug("jsonl unchanged, suppressing event", zap.String("project", project))
		return
	}
	w.lastHash[project] = hash
	w.mu.Unlock()

	payload, _ := json.Marshal(map[string]string{"path": path, "hash": hash})
	w.log.Info("beads change detected", zap.String("project", project))
	w.dispatcher.Offer(&types.ChangeEvent{
		Source:        types.SourceBeads,
		EntityRef:     project, // file-level change, no single entity
		Project:       project,
		Kind:          types.ChangeUpdate,
		Payload:       payload,
		ObservedAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
	})
}

func fileHash(path string) string {
	// #nosec G304 - path derives from operator-configured repo roots
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
