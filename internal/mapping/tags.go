package mapping

import (
	"fmt"
	"regexp"
	"strings"
)

// Description tag conventions. Vibe tasks carry a Huly reference embedded in
// the description; Huly issues created from Beads carry a Beads reference.
// The resolver uses these as a fallback when the mapping store has no row.
var (
	hulyTagRe  = regexp.MustCompile(`(?m)^(?:Huly Issue|Synced from Huly):\s*([A-Za-z][A-Za-z0-9_]*-\d+)\s*$`)
	beadsTagRe = regexp.MustCompile(`(?m)^Beads Issue:\s*(\S+)\s*$`)
)

// HulyTag formats the description line that links a task to a Huly issue.
func HulyTag(identifier string) string {
	return fmt.Sprintf("Huly Issue: %s", identifier)
}

// BeadsTag formats the description line that links an issue to a Beads issue.
func BeadsTag(id string) string {
	return fmt.Sprintf("Beads Issue: %s", id)
}

// ExtractHulyRef returns the Huly identifier embedded in a description, or
// "" when none is present.
func ExtractHulyRef(description string) string {
	m := hulyTagRe.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return m[1]
}

// ExtractBeadsRef returns the Beads id embedded in a description, or "".
func ExtractBeadsRef(description string) string {
	m := beadsTagRe.FindStringSubmatch(description)
	if m == nil {
		return ""
	}
	return m[1]
}

// AppendHulyTag appends the Huly reference line to a description unless it
// already carries one for the same identifier.
func AppendHulyTag(description, identifier string) string {
	if ExtractHulyRef(description) == identifier {
		return description
	}
	desc := strings.TrimRight(description, "\n")
	if desc == "" {
		return HulyTag(identifier)
	}
	return desc + "\n\n" + HulyTag(identifier)
}

// StripTags removes reference tag lines from a description, returning the
// user-authored content. Used before content hashing so a tag added on one
// side does not read as a content change.
func StripTags(description string) string {
	out := hulyTagRe.ReplaceAllString(description, "")
	out = beadsTagRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// NormalizeTitle folds a title for the last-resort title match: lowercase,
// collapsed whitespace.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
