package document

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FieldDefault produces a deterministic value for a missing required field.
type FieldDefault func(relPath string, now time.Time) any

// Schema lists the required frontmatter fields for a node type and the safe
// defaults used when auto-fixing.
type Schema struct {
	Type     NodeType
	Required []string
	Defaults map[string]FieldDefault
}

var schemas = map[NodeType]Schema{
	TypeConcept: {
		Type:     TypeConcept,
		Required: []string{"id", "title", "created", "status"},
		Defaults: commonDefaults("draft"),
	},
	TypeDecision: {
		Type:     TypeDecision,
		Required: []string{"id", "title", "created", "status"},
		Defaults: commonDefaults("open"),
	},
	TypeNote: {
		Type:     TypeNote,
		Required: []string{"id", "title", "created"},
		Defaults: commonDefaults(""),
	},
}

func commonDefaults(status string) map[string]FieldDefault {
	defaults := map[string]FieldDefault{
		"id":      func(string, time.Time) any { return uuid.NewString() },
		"title":   func(relPath string, _ time.Time) any { return Titleize(relPath) },
		"created": func(_ string, now time.Time) any { return now.UTC().Format("2006-01-02") },
	}
	if status != "" {
		captured := status
		defaults["status"] = func(string, time.Time) any { return captured }
	}
	return defaults
}

// SchemaFor returns the schema governing a node type.
func SchemaFor(t NodeType) Schema {
	if s, ok := schemas[t]; ok {
		return s
	}
	return schemas[TypeNote]
}

// ValidationResult reports what Validate changed and what it could not fix.
type ValidationResult struct {
	Fixed    []string
	Warnings []string
}

// Changed reports whether the frontmatter was mutated.
func (r ValidationResult) Changed() bool { return len(r.Fixed) > 0 }

// Validate enforces the type schema on a document's frontmatter. With autoFix
// set, missing required fields that have a safe default are filled in place;
// everything else becomes a warning. Validation problems are never fatal.
func Validate(relPath string, fm Frontmatter, autoFix bool, now time.Time) ValidationResult {
	schema := SchemaFor(TypeForPath(relPath))
	var result ValidationResult
	for _, field := range schema.Required {
		if _, present := fm[field]; present {
			if fm.stringField(field) == "" {
				if _, isString := fm[field].(string); isString {
					result.Warnings = append(result.Warnings, fmt.Sprintf("required field %q is empty", field))
				}
			}
			continue
		}
		def, hasDefault := schema.Defaults[field]
		if autoFix && hasDefault {
			fm[field] = def(relPath, now)
			result.Fixed = append(result.Fixed, field)
			continue
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("required field %q is missing", field))
	}
	return result
}

// TerminalStatuses are status values that count as "resolved" for the
// dependency-clearing transition.
var TerminalStatuses = map[string]struct{}{
	"resolved": {},
	"decided":  {},
	"done":     {},
	"closed":   {},
}

// IsTerminalStatus reports whether a status value ends a document's open phase.
func IsTerminalStatus(status string) bool {
	_, ok := TerminalStatuses[status]
	return ok
}
