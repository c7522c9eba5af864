package flows

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/loom/internal/engine"
	"github.com/kingrea/loom/internal/summarize"
)

// extractMemories distills a document into durable memory entries and tag
// suggestions. It is on-demand only; no mutation triggers it. When no
// summarizer is configured the workflow completes without touching the
// document.
func (d Deps) extractMemories(run *engine.Run) error {
	var in MemoriesInput
	if err := run.Input(&in); err != nil {
		return err
	}
	var body string
	if err := run.StepInto("read", func() (any, error) {
		doc, err := d.Source.Read(in.Path)
		if err != nil {
			return nil, err
		}
		return string(doc.Body), nil
	}, &body); err != nil {
		return err
	}
	var memories []summarize.Memory
	if err := run.StepInto("summarize", func() (any, error) {
		ms, err := d.Summarizer.Summarize(run.Context(), body)
		if errors.Is(err, summarize.ErrDisabled) {
			run.Logf("summarizer disabled; skipping %s", in.Path)
			return []summarize.Memory(nil), nil
		}
		return ms, err
	}, &memories); err != nil {
		return err
	}
	if len(memories) == 0 {
		return nil
	}
	var tags []string
	if err := run.StepInto("tags", func() (any, error) {
		ts, err := d.Summarizer.SuggestTags(run.Context(), body)
		if errors.Is(err, summarize.ErrDisabled) {
			return []string(nil), nil
		}
		return ts, err
	}, &tags); err != nil {
		return err
	}
	return run.Step("record", func() (any, error) {
		changed := false
		for _, m := range memories {
			line := fmt.Sprintf("- **%s**: %s", m.Category, strings.TrimSpace(m.Content))
			appended, err := d.Source.AppendOnce(in.Path, line)
			if err != nil {
				return nil, err
			}
			changed = changed || appended
		}
		if len(tags) > 0 {
			if err := d.mergeTags(in.Path, tags); err != nil {
				return nil, err
			}
		}
		return changed, nil
	})
}

// mergeTags unions suggested tags into the document frontmatter, preserving
// the author's order, then reindexes.
func (d Deps) mergeTags(path string, suggested []string) error {
	doc, err := d.Source.Read(path)
	if err != nil {
		return err
	}
	existing := doc.Frontmatter.Tags()
	seen := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		seen[strings.ToLower(t)] = struct{}{}
	}
	merged := existing
	for _, t := range suggested {
		if _, dup := seen[strings.ToLower(t)]; dup {
			continue
		}
		seen[strings.ToLower(t)] = struct{}{}
		merged = append(merged, t)
	}
	if len(merged) == len(existing) {
		return nil
	}
	doc.Frontmatter["tags"] = merged
	if err := d.Source.Write(path, doc); err != nil {
		return err
	}
	ingested, err := d.ingest(path, false)
	if err != nil {
		return err
	}
	return d.upsertNode(path, ingested)
}
