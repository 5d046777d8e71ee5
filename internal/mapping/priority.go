package mapping

import (
	"strings"

	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// PriorityToBeads translates a canonical priority to the Beads 0-4 scale
// (0 = most urgent). Unknown priorities map to 2 (medium).
func PriorityToBeads(p types.Priority) int {
	switch p {
	case types.PriorityUrgent:
		return 0
	case types.PriorityHigh:
		return 1
	case types.PriorityMedium:
		return 2
	case types.PriorityLow:
		return 3
	case types.PriorityNone:
		return 4
	}
	return 2
}

// PriorityFromBeads translates a Beads 0-4 priority to the canonical form.
func PriorityFromBeads(p int) types.Priority {
	switch p {
	case 0:
		return types.PriorityUrgent
	case 1:
		return types.PriorityHigh
	case 2:
		return types.PriorityMedium
	case 3:
		return types.PriorityLow
	case 4:
		return types.PriorityNone
	}
	return types.PriorityMedium
}

// PriorityToVibe translates a canonical priority to Vibe's string field.
func PriorityToVibe(p types.Priority) string {
	switch p {
	case types.PriorityUrgent:
		return "urgent"
	case types.PriorityHigh:
		return "high"
	case types.PriorityMedium:
		return "medium"
	case types.PriorityLow:
		return "low"
	case types.PriorityNone:
		return "none"
	}
	return "medium"
}

// PriorityFromVibe translates Vibe's priority string to the canonical form.
// Unknown values map to Medium.
func PriorityFromVibe(s string) types.Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return types.PriorityUrgent
	case "high":
		return types.PriorityHigh
	case "medium":
		return types.PriorityMedium
	case "low":
		return types.PriorityLow
	case "none", "no priority", "":
		return types.PriorityNone
	}
	return types.PriorityMedium
}

// PriorityFromHuly parses a Huly priority string into the canonical form.
func PriorityFromHuly(s string) types.Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return types.PriorityUrgent
	case "high":
		return types.PriorityHigh
	case "medium":
		return types.PriorityMedium
	case "low":
		return types.PriorityLow
	case "no priority", "nopriority", "none", "":
		return types.PriorityNone
	}
	return types.PriorityMedium
}
