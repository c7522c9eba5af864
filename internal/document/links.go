package document

import (
	"regexp"
	"strings"
)

// wikilinkPattern matches [[label]] and [[label|alias]] references.
var wikilinkPattern = regexp.MustCompile(`\[\[([^\[\]|]+)(?:\|[^\[\]]*)?\]\]`)

// ExtractWikilinks returns the distinct link labels in a body, in order of
// first appearance. Aliases are stripped; labels are trimmed.
func ExtractWikilinks(body []byte) []string {
	matches := wikilinkPattern.FindAllSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	labels := make([]string, 0, len(matches))
	for _, m := range matches {
		label := strings.TrimSpace(string(m[1]))
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	return labels
}

// Slugify converts a link label into a file stem: lowercase, spaces to
// hyphens, anything outside [a-z0-9-_] dropped.
func Slugify(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// ContainsWikilink reports whether body already references the given label.
func ContainsWikilink(body []byte, label string) bool {
	for _, found := range ExtractWikilinks(body) {
		if strings.EqualFold(found, label) {
			return true
		}
	}
	return false
}
