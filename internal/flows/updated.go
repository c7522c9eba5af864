package flows

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/loom/internal/document"
	"github.com/kingrea/loom/internal/embed"
	"github.com/kingrea/loom/internal/engine"
	"github.com/kingrea/loom/internal/index"
)

// previousState captures what the shadow index knew before this mutation.
type previousState struct {
	Known  bool     `json:"known"`
	Hash   string   `json:"hash,omitempty"`
	Status string   `json:"status,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// onUpdated diffs a changed document against its last indexed state. Only
// newly added links fan out ensure-link children, and re-embedding happens
// only when the content hash moved.
func (d Deps) onUpdated(run *engine.Run) error {
	var in MutationInput
	if err := run.Input(&in); err != nil {
		return err
	}
	var prev previousState
	if err := run.StepInto("previous", func() (any, error) {
		return d.previousState(in.Path)
	}, &prev); err != nil {
		return err
	}
	var ingested ingestResult
	if err := run.StepInto("ingest", func() (any, error) {
		return d.ingest(in.Path, true)
	}, &ingested); err != nil {
		return err
	}
	if !ingested.Exists {
		run.Logf("%s vanished before re-ingest", in.Path)
		return nil
	}
	if prev.Known && prev.Hash == ingested.Hash {
		// Unchanged content: the settled event was a touch. Refresh the
		// timestamp and stop before any expensive work.
		return run.Step("touch", func() (any, error) {
			return nil, d.upsertNode(in.Path, ingested)
		})
	}
	if err := run.Step("upsert", func() (any, error) {
		return nil, d.upsertNode(in.Path, ingested)
	}); err != nil {
		return err
	}
	if err := run.Step("edges", func() (any, error) {
		return nil, d.Index.PutEdges(in.Path, ingested.Labels, ingested.IndexedAt)
	}); err != nil {
		return err
	}
	for _, label := range addedLabels(prev.Labels, ingested.Labels) {
		if _, err := run.SpawnChild(DefEnsureLink, LinkInput{Source: in.Path, Label: label}, linkLease(label)); err != nil {
			return err
		}
	}
	if becameTerminal(prev.Status, ingested.Status) {
		var cleared []string
		if err := run.StepInto("clear-dependents", func() (any, error) {
			return d.clearDependents(in.Path, ingested.Status)
		}, &cleared); err != nil {
			return err
		}
		for _, dependent := range cleared {
			run.Logf("cleared dependency on %s in %s", in.Path, dependent)
		}
	}
	if prev.Hash != ingested.Hash {
		if err := run.Step("embed", func() (any, error) {
			if err := d.Embedder.Embed(run.Context(), in.Path, ingested.Hash); err != nil {
				if errors.Is(err, embed.ErrDisabled) {
					return nil, nil
				}
				return nil, err
			}
			return ingested.Hash, nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) previousState(path string) (previousState, error) {
	node, err := d.Index.GetIncludingDeleted(path)
	if err != nil {
		if errors.Is(err, index.ErrNodeNotFound) {
			return previousState{}, nil
		}
		return previousState{}, err
	}
	edges, err := d.Index.Edges(path)
	if err != nil {
		return previousState{}, err
	}
	labels := make([]string, 0, len(edges))
	for _, edge := range edges {
		labels = append(labels, edge.TargetLabel)
	}
	return previousState{
		Known:  !node.Deleted(),
		Hash:   node.ContentHash,
		Status: node.Frontmatter.Status(),
		Labels: labels,
	}, nil
}

func addedLabels(prev, current []string) []string {
	seen := make(map[string]struct{}, len(prev))
	for _, label := range prev {
		seen[strings.ToLower(label)] = struct{}{}
	}
	var added []string
	for _, label := range current {
		if _, ok := seen[strings.ToLower(label)]; !ok {
			added = append(added, label)
		}
	}
	return added
}

func becameTerminal(prevStatus, newStatus string) bool {
	return document.IsTerminalStatus(newStatus) && !document.IsTerminalStatus(prevStatus)
}

// clearDependents scans for documents declaring a dependency on the resolved
// path and removes it, appending an annotation. Removal re-reads each
// dependent so a retried step finds nothing left to clear.
func (d Deps) clearDependents(resolvedPath, status string) ([]string, error) {
	stem := document.Stem(resolvedPath)
	paths, err := d.Source.List()
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, path := range paths {
		if path == resolvedPath {
			continue
		}
		doc, err := d.Source.Read(path)
		if err != nil {
			continue
		}
		deps := doc.Frontmatter.DependsOn()
		remaining := deps[:0:0]
		removed := false
		for _, dep := range deps {
			if dependencyMatches(dep, resolvedPath, stem) {
				removed = true
				continue
			}
			remaining = append(remaining, dep)
		}
		if !removed {
			continue
		}
		doc.Frontmatter.SetDependsOn(remaining)
		if err := d.Source.Write(path, doc); err != nil {
			return nil, err
		}
		note := fmt.Sprintf("> Dependency `%s` is %s; cleared automatically.", resolvedPath, status)
		if _, err := d.Source.AppendOnce(path, note); err != nil {
			return nil, err
		}
		cleared = append(cleared, path)
	}
	return cleared, nil
}

func dependencyMatches(dep, resolvedPath, stem string) bool {
	dep = strings.TrimSpace(dep)
	return strings.EqualFold(dep, resolvedPath) || strings.EqualFold(dep, stem)
}
