// Package document provides access to the authoritative vault: parsing and
// rendering frontmatter documents, extracting wikilinks, hashing content, and
// enforcing type-specific schemas.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// NodeType classifies a document by its top-level folder.
type NodeType string

const (
	TypeConcept  NodeType = "concept"
	TypeDecision NodeType = "decision"
	TypeNote     NodeType = "note"
)

// Document is a parsed vault document: structured header plus markdown body.
type Document struct {
	Frontmatter Frontmatter
	Body        []byte
}

// Frontmatter is the YAML header of a document. Keys beyond the well-known
// ones are preserved untouched.
type Frontmatter map[string]any

// ID returns the document id field, if any.
func (f Frontmatter) ID() string { return f.stringField("id") }

// Title returns the title field, if any.
func (f Frontmatter) Title() string { return f.stringField("title") }

// Status returns the status field, if any.
func (f Frontmatter) Status() string { return f.stringField("status") }

// Created returns the created field, if any.
func (f Frontmatter) Created() string { return f.stringField("created") }

// Tags returns the tags list, tolerating scalar or sequence YAML shapes.
func (f Frontmatter) Tags() []string { return f.stringList("tags") }

// DependsOn returns declared dependencies (labels or paths).
func (f Frontmatter) DependsOn() []string { return f.stringList("depends_on") }

// SetDependsOn replaces the dependency list, deleting the key when empty.
func (f Frontmatter) SetDependsOn(deps []string) {
	if len(deps) == 0 {
		delete(f, "depends_on")
		return
	}
	f["depends_on"] = deps
}

func (f Frontmatter) stringField(key string) string {
	if f == nil {
		return ""
	}
	if s, ok := f[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func (f Frontmatter) stringList(key string) []string {
	if f == nil {
		return nil
	}
	switch v := f[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// TypeForPath maps a vault-relative path to a node type by its first folder.
func TypeForPath(relPath string) NodeType {
	relPath = strings.TrimPrefix(path.Clean(strings.ReplaceAll(relPath, "\\", "/")), "/")
	dir, _, found := strings.Cut(relPath, "/")
	if !found {
		return TypeNote
	}
	switch dir {
	case "concepts":
		return TypeConcept
	case "decisions":
		return TypeDecision
	default:
		return TypeNote
	}
}

// Stem returns the path's file name without extension, the label a wikilink
// resolves against.
func Stem(relPath string) string {
	base := path.Base(strings.ReplaceAll(relPath, "\\", "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

// Titleize converts a file stem like "rate-limiting_v2" into "Rate Limiting V2".
func Titleize(relPath string) string {
	stem := Stem(relPath)
	stem = strings.NewReplacer("-", " ", "_", " ").Replace(stem)
	words := strings.Fields(stem)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// ContentHash fingerprints a document so unchanged content can short-circuit
// expensive re-processing. Frontmatter keys are hashed in sorted order so the
// hash is stable across map iteration.
func ContentHash(doc Document) string {
	h := sha256.New()
	keys := make([]string, 0, len(doc.Frontmatter))
	for k := range doc.Frontmatter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		writeHashValue(h, doc.Frontmatter[k])
		h.Write([]byte{0})
	}
	h.Write([]byte{0xff})
	h.Write(doc.Body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeHashValue(h io.Writer, value any) {
	switch v := value.(type) {
	case string:
		h.Write([]byte(v))
	case []any:
		for _, item := range v {
			writeHashValue(h, item)
			h.Write([]byte{1})
		}
	case []string:
		for _, item := range v {
			h.Write([]byte(item))
			h.Write([]byte{1})
		}
	case time.Time:
		h.Write([]byte(v.UTC().Format(time.RFC3339)))
	case nil:
	default:
		fmt.Fprint(h, v)
	}
}
