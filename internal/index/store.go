package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/loom/internal/document"
)

// ErrNodeNotFound is returned when a path has no (visible) index row.
var ErrNodeNotFound = errors.New("index: node not found")

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	path         TEXT PRIMARY KEY,
	node_type    TEXT NOT NULL,
	frontmatter  TEXT NOT NULL,
	warnings     TEXT,
	content_hash TEXT NOT NULL,
	updated_at   INTEGER NOT NULL,
	deleted_at   INTEGER
);
CREATE TABLE IF NOT EXISTS node_tags (
	path TEXT NOT NULL,
	tag  TEXT NOT NULL,
	PRIMARY KEY (path, tag)
);
CREATE TABLE IF NOT EXISTS edges (
	source       TEXT NOT NULL,
	target_label TEXT NOT NULL,
	target_path  TEXT,
	dangling     INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (source, target_label)
);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_path);
CREATE INDEX IF NOT EXISTS idx_node_tags_tag ON node_tags(tag);
`

// Store is the SQLite-backed shadow index. Every write is last-writer-wins
// keyed by path using the caller's step timestamp, so a slow retried step
// cannot overwrite a newer run's result.
type Store struct {
	db *sql.DB
}

// NewStore prepares the index tables on the shared database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert inserts or refreshes a node row. Writes older than the stored
// updated_at are dropped. A successful upsert clears any soft-delete marker,
// which is what cancels a pending hard delete when a path reappears.
func (s *Store) Upsert(node Node, at time.Time) error {
	if node.Path == "" {
		return errors.New("index: node path is required")
	}
	fm, err := json.Marshal(map[string]any(node.Frontmatter))
	if err != nil {
		return fmt.Errorf("index: encode frontmatter for %s: %w", node.Path, err)
	}
	warnings, err := json.Marshal(node.Warnings)
	if err != nil {
		return fmt.Errorf("index: encode warnings for %s: %w", node.Path, err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin upsert: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.Exec(`
		INSERT INTO nodes (path, node_type, frontmatter, warnings, content_hash, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(path) DO UPDATE SET
			node_type = excluded.node_type,
			frontmatter = excluded.frontmatter,
			warnings = excluded.warnings,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at,
			deleted_at = NULL
		WHERE excluded.updated_at >= nodes.updated_at`,
		node.Path, string(node.Type), string(fm), string(warnings), node.ContentHash, at.UnixNano())
	if err != nil {
		return fmt.Errorf("index: upsert %s: %w", node.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A newer write already landed; drop this one.
		return tx.Commit()
	}
	if _, err := tx.Exec(`DELETE FROM node_tags WHERE path = ?`, node.Path); err != nil {
		return fmt.Errorf("index: clear tags for %s: %w", node.Path, err)
	}
	for _, tag := range node.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO node_tags (path, tag) VALUES (?, ?)`, node.Path, tag); err != nil {
			return fmt.Errorf("index: store tag %s for %s: %w", tag, node.Path, err)
		}
	}
	return tx.Commit()
}

// Get returns a node, excluding soft-deleted rows.
func (s *Store) Get(path string) (Node, error) {
	node, err := s.GetIncludingDeleted(path)
	if err != nil {
		return Node{}, err
	}
	if node.Deleted() {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, path)
	}
	return node, nil
}

// GetIncludingDeleted returns a node even while it awaits its TTL sweep.
func (s *Store) GetIncludingDeleted(path string) (Node, error) {
	row := s.db.QueryRow(`
		SELECT path, node_type, frontmatter, warnings, content_hash, updated_at, deleted_at
		FROM nodes WHERE path = ?`, path)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, path)
		}
		return Node{}, err
	}
	node.Tags, err = s.tagsFor(path)
	if err != nil {
		return Node{}, err
	}
	return node, nil
}

// FindByTag returns visible nodes carrying the tag, sorted by path.
func (s *Store) FindByTag(tag string) ([]Node, error) {
	rows, err := s.db.Query(`
		SELECT n.path, n.node_type, n.frontmatter, n.warnings, n.content_hash, n.updated_at, n.deleted_at
		FROM nodes n JOIN node_tags t ON t.path = n.path
		WHERE t.tag = ? AND n.deleted_at IS NULL
		ORDER BY n.path`, tag)
	if err != nil {
		return nil, fmt.Errorf("index: find by tag %s: %w", tag, err)
	}
	return s.collectNodes(rows)
}

// FindByLabel returns visible nodes whose file stem or title matches the
// label, the candidate set for wikilink resolution.
func (s *Store) FindByLabel(label string) ([]Node, error) {
	rows, err := s.db.Query(`
		SELECT path, node_type, frontmatter, warnings, content_hash, updated_at, deleted_at
		FROM nodes WHERE deleted_at IS NULL ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("index: find by label %s: %w", label, err)
	}
	nodes, err := s.collectNodes(rows)
	if err != nil {
		return nil, err
	}
	var matches []Node
	for _, node := range nodes {
		if strings.EqualFold(document.Stem(node.Path), label) ||
			strings.EqualFold(document.Slugify(label), document.Stem(node.Path)) ||
			strings.EqualFold(node.Frontmatter.Title(), label) {
			matches = append(matches, node)
		}
	}
	return matches, nil
}

// FindReferencing returns the source paths of resolved edges pointing at path.
func (s *Store) FindReferencing(path string) ([]string, error) {
	rows, err := s.db.Query(`SELECT source FROM edges WHERE target_path = ? ORDER BY source`, path)
	if err != nil {
		return nil, fmt.Errorf("index: find referencing %s: %w", path, err)
	}
	defer rows.Close()
	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// Backlinks is FindReferencing excluding dangling edges.
func (s *Store) Backlinks(path string) ([]string, error) {
	rows, err := s.db.Query(`SELECT source FROM edges WHERE target_path = ? AND dangling = 0 ORDER BY source`, path)
	if err != nil {
		return nil, fmt.Errorf("index: backlinks of %s: %w", path, err)
	}
	defer rows.Close()
	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// PutEdges replaces the outbound edge set of a source document. Resolved
// targets recorded by earlier ensure-link runs survive when the label is
// still present.
func (s *Store) PutEdges(source string, labels []string, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin edges for %s: %w", source, err)
	}
	defer tx.Rollback()
	keep := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}
		keep[label] = struct{}{}
		if _, err := tx.Exec(`
			INSERT INTO edges (source, target_label, target_path, dangling, created_at)
			VALUES (?, ?, NULL, 0, ?)
			ON CONFLICT(source, target_label) DO NOTHING`,
			source, label, at.UnixNano()); err != nil {
			return fmt.Errorf("index: store edge %s -> %s: %w", source, label, err)
		}
	}
	rows, err := tx.Query(`SELECT target_label FROM edges WHERE source = ?`, source)
	if err != nil {
		return fmt.Errorf("index: list edges of %s: %w", source, err)
	}
	var stale []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			rows.Close()
			return err
		}
		if _, ok := keep[label]; !ok {
			stale = append(stale, label)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, label := range stale {
		if _, err := tx.Exec(`DELETE FROM edges WHERE source = ? AND target_label = ?`, source, label); err != nil {
			return fmt.Errorf("index: drop edge %s -> %s: %w", source, label, err)
		}
	}
	return tx.Commit()
}

// Edges returns the outbound edges of a source document.
func (s *Store) Edges(source string) ([]Edge, error) {
	rows, err := s.db.Query(`
		SELECT source, target_label, COALESCE(target_path, ''), dangling, created_at
		FROM edges WHERE source = ? ORDER BY target_label`, source)
	if err != nil {
		return nil, fmt.Errorf("index: edges of %s: %w", source, err)
	}
	defer rows.Close()
	var edges []Edge
	for rows.Next() {
		var e Edge
		var dangling int
		var created int64
		if err := rows.Scan(&e.Source, &e.TargetLabel, &e.TargetPath, &dangling, &created); err != nil {
			return nil, err
		}
		e.Dangling = dangling != 0
		e.CreatedAt = time.Unix(0, created)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ResolveEdge records the target path an ensure-link run settled on.
func (s *Store) ResolveEdge(source, label, targetPath string) error {
	_, err := s.db.Exec(`UPDATE edges SET target_path = ?, dangling = 0 WHERE source = ? AND target_label = ?`,
		targetPath, source, label)
	if err != nil {
		return fmt.Errorf("index: resolve edge %s -> %s: %w", source, label, err)
	}
	return nil
}

// MarkDangling flags every resolved edge into path as dangling.
func (s *Store) MarkDangling(targetPath string) ([]string, error) {
	sources, err := s.FindReferencing(targetPath)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`UPDATE edges SET dangling = 1 WHERE target_path = ?`, targetPath); err != nil {
		return nil, fmt.Errorf("index: mark dangling for %s: %w", targetPath, err)
	}
	return sources, nil
}

// SoftDelete stamps deleted_at on a node; queries stop returning it
// immediately, but the row survives until its TTL sweep. Writes carrying a
// timestamp older than the row are dropped, same last-writer-wins rule as
// Upsert, so a retried delete cannot shadow a newer recreate.
func (s *Store) SoftDelete(path string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE nodes SET deleted_at = ?, updated_at = ? WHERE path = ? AND updated_at <= ?`,
		at.UnixNano(), at.UnixNano(), path, at.UnixNano())
	if err != nil {
		return fmt.Errorf("index: soft delete %s: %w", path, err)
	}
	return nil
}

// Recreated reports whether the path came back after the given soft-delete
// time, which cancels the pending hard delete.
func (s *Store) Recreated(path string, since time.Time) (bool, error) {
	node, err := s.GetIncludingDeleted(path)
	if err != nil {
		if errors.Is(err, ErrNodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return !node.Deleted() && node.UpdatedAt.After(since), nil
}

// HardDelete removes the node row, its tags, and its outbound edges.
func (s *Store) HardDelete(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("index: begin hard delete %s: %w", path, err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM nodes WHERE path = ?`,
		`DELETE FROM node_tags WHERE path = ?`,
		`DELETE FROM edges WHERE source = ?`,
	} {
		if _, err := tx.Exec(stmt, path); err != nil {
			return fmt.Errorf("index: hard delete %s: %w", path, err)
		}
	}
	return tx.Commit()
}

// AllPaths returns every indexed path including soft-deleted rows.
func (s *Store) AllPaths() (map[string]Node, error) {
	rows, err := s.db.Query(`
		SELECT path, node_type, frontmatter, warnings, content_hash, updated_at, deleted_at
		FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("index: all paths: %w", err)
	}
	nodes, err := s.collectNodes(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Node, len(nodes))
	for _, node := range nodes {
		out[node.Path] = node
	}
	return out, nil
}

// DuplicateIDs returns frontmatter ids claimed by more than one visible node.
func (s *Store) DuplicateIDs() (map[string][]string, error) {
	nodes, err := s.AllPaths()
	if err != nil {
		return nil, err
	}
	byID := map[string][]string{}
	for _, node := range nodes {
		if node.Deleted() {
			continue
		}
		if id := node.Frontmatter.ID(); id != "" {
			byID[id] = append(byID[id], node.Path)
		}
	}
	dupes := map[string][]string{}
	for id, paths := range byID {
		if len(paths) > 1 {
			dupes[id] = paths
		}
	}
	return dupes, nil
}

// RebuildAll wipes the index and rescans the vault. The index is a cache,
// never a record of truth; this is the operator escape hatch for drift.
func (s *Store) RebuildAll(source document.Source, now time.Time) error {
	for _, stmt := range []string{`DELETE FROM nodes`, `DELETE FROM node_tags`, `DELETE FROM edges`} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("index: rebuild wipe: %w", err)
		}
	}
	paths, err := source.List()
	if err != nil {
		return err
	}
	labelsByPath := make(map[string][]string, len(paths))
	for _, path := range paths {
		doc, err := source.Read(path)
		if err != nil {
			return fmt.Errorf("index: rebuild read %s: %w", path, err)
		}
		node := Node{
			Path:        path,
			Type:        document.TypeForPath(path),
			Frontmatter: doc.Frontmatter,
			Tags:        doc.Frontmatter.Tags(),
			ContentHash: document.ContentHash(doc),
		}
		if err := s.Upsert(node, now); err != nil {
			return err
		}
		labels := document.ExtractWikilinks(doc.Body)
		labelsByPath[path] = labels
		if err := s.PutEdges(path, labels, now); err != nil {
			return err
		}
	}
	// The rescan re-enters every edge unresolved. Resolve the labels that
	// name exactly one document, the same rule link repair applies, so
	// backlinks survive a rebuild without waiting for each source to be
	// edited again. Ambiguous and missing labels stay unresolved.
	for _, path := range paths {
		for _, label := range labelsByPath[path] {
			matches, err := s.FindByLabel(label)
			if err != nil {
				return err
			}
			if len(matches) != 1 {
				continue
			}
			if err := s.ResolveEdge(path, label, matches[0].Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) tagsFor(path string) ([]string, error) {
	rows, err := s.db.Query(`SELECT tag FROM node_tags WHERE path = ? ORDER BY tag`, path)
	if err != nil {
		return nil, fmt.Errorf("index: tags for %s: %w", path, err)
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var node Node
	var nodeType, fm string
	var warnings sql.NullString
	var updated int64
	var deleted sql.NullInt64
	if err := row.Scan(&node.Path, &nodeType, &fm, &warnings, &node.ContentHash, &updated, &deleted); err != nil {
		return Node{}, err
	}
	node.Type = document.NodeType(nodeType)
	node.UpdatedAt = time.Unix(0, updated)
	if deleted.Valid {
		t := time.Unix(0, deleted.Int64)
		node.DeletedAt = &t
	}
	var fmMap map[string]any
	if err := json.Unmarshal([]byte(fm), &fmMap); err != nil {
		return Node{}, fmt.Errorf("index: decode frontmatter for %s: %w", node.Path, err)
	}
	node.Frontmatter = fmMap
	if warnings.Valid && warnings.String != "" && warnings.String != "null" {
		if err := json.Unmarshal([]byte(warnings.String), &node.Warnings); err != nil {
			return Node{}, fmt.Errorf("index: decode warnings for %s: %w", node.Path, err)
		}
	}
	return node, nil
}

func (s *Store) collectNodes(rows *sql.Rows) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		nodes = append(nodes, node)
	}
	// Release the connection before the tag queries below.
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range nodes {
		tags, err := s.tagsFor(nodes[i].Path)
		if err != nil {
			return nil, err
		}
		nodes[i].Tags = tags
	}
	return nodes, nil
}
