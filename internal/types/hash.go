package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ContentHash computes the deterministic digest over the synced subset of
// fields. Two issues with the same title, trimmed description, normalized
// status, and normalized priority always hash identically, regardless of
// which tracker they came from.
func ContentHash(title, description string, status Status, priority Priority) string {
	content := fmt.Sprintf("%s|%s|%s|%s",
		title,
		strings.TrimSpace(description),
		NormalizeStatus(status),
		NormalizePriority(priority),
	)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// NormalizeStatus folds a status to its canonical lowercase form for hashing.
// Unknown statuses normalize to backlog so that a tracker reporting a status
// outside the mapping tables cannot produce a distinct hash per spelling.
func NormalizeStatus(s Status) string {
	for _, v := range ValidStatuses() {
		if strings.EqualFold(string(v), string(s)) {
			return strings.ToLower(string(v))
		}
	}
	return strings.ToLower(string(StatusBacklog))
}

// NormalizePriority folds a priority to its canonical lowercase form for
// hashing. Unknown priorities normalize to medium.
func NormalizePriority(p Priority) string {
	for _, v := range []Priority{PriorityNone, PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent} {
		if strings.EqualFold(string(v), string(p)) {
			return strings.ToLower(string(v))
		}
	}
	return strings.ToLower(string(PriorityMedium))
}

// HashIssue computes the content hash for a mapping row.
func HashIssue(i *Issue) string {
	return ContentHash(i.Title, i.Description, i.Status, i.Priority)
}
