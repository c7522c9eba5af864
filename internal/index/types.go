// Package index maintains the shadow index: a derived, rebuildable
// read-optimized store of graph nodes and link edges. It is eventually
// consistent with the vault and never authoritative for write decisions.
package index

import (
	"time"

	"github.com/kingrea/loom/internal/document"
)

// Node is one shadow-index row, keyed by vault-relative path.
type Node struct {
	Path        string               `json:"path"`
	Type        document.NodeType    `json:"type"`
	Frontmatter document.Frontmatter `json:"frontmatter"`
	Tags        []string             `json:"tags,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`
	ContentHash string               `json:"content_hash"`
	UpdatedAt   time.Time            `json:"updated_at"`
	DeletedAt   *time.Time           `json:"deleted_at,omitempty"`
}

// Deleted reports whether the node is soft-deleted.
func (n Node) Deleted() bool { return n.DeletedAt != nil }

// Edge records one outbound link. TargetPath stays empty until the label
// resolves; Dangling marks links whose target was soft-deleted.
type Edge struct {
	Source      string    `json:"source"`
	TargetLabel string    `json:"target_label"`
	TargetPath  string    `json:"target_path,omitempty"`
	Dangling    bool      `json:"dangling,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
