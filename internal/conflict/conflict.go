// Package conflict implements the timestamp-based merge policy: the most
// recently modified source wins, ties favor the source that produced the
// current event, and content-hash equality short-circuits writes entirely.
package conflict

import (
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// Decision says whether a change should propagate to one target system.
type Decision struct {
	Propagate bool
	Reason    string
}

// Decide compares the source's modification time against the target
// system's stored modification time for the same entity.
//
//   - The target has never reported a timestamp: propagate (first contact).
//   - Source strictly newer: propagate.
//   - Target strictly newer: skip; the target will win when it reports its
//     own change.
//   - Equal: the source wins (it produced the event being handled).
func Decide(sourceModified time.Time, targetModified *time.Time) Decision {
	if targetModified == nil || targetModified.IsZero() {
		return Decision{Propagate: true, Reason: "target has no recorded modification"}
	}
	if sourceModified.After(*targetModified) {
		return Decision{Propagate: true, Reason: "source is newer"}
	}
	if sourceModified.Before(*targetModified) {
		return Decision{Propagate: false, Reason: "target is newer"}
	}
	return Decision{Propagate: true, Reason: "timestamps equal, source wins"}
}

// Unchanged reports whether the incoming content is identical to the stored
// mapping row, in which case the whole sync short-circuits.
func Unchanged(stored *types.Issue, incomingHash string) bool {
	return stored != nil && stored.ContentHash != "" && stored.ContentHash == incomingHash
}

// TargetCurrent reports whether a target-side stored hash already matches
// the content about to be written, making the write a no-op.
func TargetCurrent(targetHash, incomingHash string) bool {
	return targetHash != "" && targetHash == incomingHash
}
