// Package flows defines the graph-maintenance workflows the engine runs in
// response to settled mutations: ingest on create, diff on update, soft
// delete with TTL, bidirectional-link repair, schema validation, and
// on-demand memory extraction.
package flows

import (
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/loom/internal/document"
	"github.com/kingrea/loom/internal/embed"
	"github.com/kingrea/loom/internal/engine"
	"github.com/kingrea/loom/internal/index"
	"github.com/kingrea/loom/internal/logging"
	"github.com/kingrea/loom/internal/summarize"
)

// Workflow definition names, dispatched by mutation kind.
const (
	DefOnCreated       = "on-created"
	DefOnUpdated       = "on-updated"
	DefOnDeleted       = "on-deleted"
	DefEnsureLink      = "ensure-link"
	DefValidateSchema  = "validate-schema"
	DefExtractMemories = "extract-memories"
)

// Deps carries the collaborators every workflow step needs. The index handle
// is threaded explicitly; nothing reads it as ambient state.
type Deps struct {
	Source     document.Source
	Index      *index.Store
	Summarizer summarize.Service
	Logger     logging.Sink
	Clock      func() time.Time
	// TTL is how long soft-deleted nodes linger before hard deletion.
	TTL time.Duration
	// Embedder receives (path, hash) after create and after content-changing
	// updates. The default no-op backend makes the step a recorded skip.
	Embedder embed.Service
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now()
	}
	return d.Clock()
}

// Register installs the six workflow definitions.
func Register(reg *engine.Registry, deps Deps) error {
	if deps.Source == nil || deps.Index == nil {
		return fmt.Errorf("flows: source and index are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard{}
	}
	if deps.Summarizer == nil {
		deps.Summarizer = summarize.Disabled{}
	}
	if deps.Embedder == nil {
		deps.Embedder = embed.Disabled{}
	}
	if deps.TTL <= 0 {
		deps.TTL = 720 * time.Hour
	}
	for _, def := range []engine.Definition{
		{Name: DefOnCreated, Handler: deps.onCreated},
		{Name: DefOnUpdated, Handler: deps.onUpdated},
		{Name: DefOnDeleted, Handler: deps.onDeleted},
		{Name: DefEnsureLink, Handler: deps.ensureLink},
		{Name: DefValidateSchema, Handler: deps.validateSchema},
		{Name: DefExtractMemories, Handler: deps.extractMemories},
	} {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// MutationInput is the payload of on-created/on-updated/on-deleted.
type MutationInput struct {
	Path string    `json:"path"`
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// LinkInput is the payload of ensure-link.
type LinkInput struct {
	Source string `json:"source"`
	Label  string `json:"label"`
}

// ValidateInput is the payload of validate-schema.
type ValidateInput struct {
	Path    string `json:"path"`
	AutoFix bool   `json:"auto_fix"`
}

// MemoriesInput is the payload of extract-memories.
type MemoriesInput struct {
	Path string `json:"path"`
}

// ingestResult is the recorded outcome of reading, validating, and indexing
// one document. Replayed steps reuse it verbatim.
type ingestResult struct {
	Exists      bool                 `json:"exists"`
	Hash        string               `json:"hash"`
	Status      string               `json:"status"`
	Labels      []string             `json:"labels,omitempty"`
	Tags        []string             `json:"tags,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`
	Frontmatter document.Frontmatter `json:"frontmatter,omitempty"`
	IndexedAt   time.Time            `json:"indexed_at"`
}

// ingest re-reads the live document (never trusting the event payload beyond
// path identity), auto-fixes its schema, and writes fixes back. Writing only
// when the frontmatter changed keeps the step safe to retry.
func (d Deps) ingest(path string, autoFix bool) (ingestResult, error) {
	now := d.now()
	doc, err := d.Source.Read(path)
	if err != nil {
		if errorsIsNotFound(err) {
			return ingestResult{Exists: false, IndexedAt: now}, nil
		}
		return ingestResult{}, err
	}
	validation := document.Validate(path, doc.Frontmatter, autoFix, now)
	if validation.Changed() {
		if err := d.Source.Write(path, doc); err != nil {
			return ingestResult{}, err
		}
	}
	return ingestResult{
		Exists:      true,
		Hash:        document.ContentHash(doc),
		Status:      doc.Frontmatter.Status(),
		Labels:      document.ExtractWikilinks(doc.Body),
		Tags:        doc.Frontmatter.Tags(),
		Warnings:    validation.Warnings,
		Frontmatter: doc.Frontmatter,
		IndexedAt:   now,
	}, nil
}

// upsertNode writes the ingest result into the shadow index using the step's
// own timestamp, so a slow retry cannot clobber a newer run.
func (d Deps) upsertNode(path string, ingested ingestResult) error {
	node := index.Node{
		Path:        path,
		Type:        document.TypeForPath(path),
		Frontmatter: ingested.Frontmatter,
		Tags:        ingested.Tags,
		Warnings:    ingested.Warnings,
		ContentHash: ingested.Hash,
	}
	return d.Index.Upsert(node, ingested.IndexedAt)
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, document.ErrNotFound)
}
