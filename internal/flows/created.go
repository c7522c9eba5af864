package flows

import (
	"errors"

	"github.com/kingrea/loom/internal/document"
	"github.com/kingrea/loom/internal/embed"
	"github.com/kingrea/loom/internal/engine"
)

// onCreated ingests a brand-new document: parse, validate with auto-fix,
// index, then fan out one ensure-link child per outbound label.
func (d Deps) onCreated(run *engine.Run) error {
	var in MutationInput
	if err := run.Input(&in); err != nil {
		return err
	}
	var ingested ingestResult
	if err := run.StepInto("ingest", func() (any, error) {
		return d.ingest(in.Path, true)
	}, &ingested); err != nil {
		return err
	}
	if !ingested.Exists {
		// Created then deleted before we ran; the delete event handles it.
		run.Logf("%s vanished before ingest", in.Path)
		return nil
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
	for _, label := range ingested.Labels {
		if _, err := run.SpawnChild(DefEnsureLink, LinkInput{Source: in.Path, Label: label}, linkLease(label)); err != nil {
			return err
		}
	}
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
	return nil
}

func linkLease(label string) string {
	return "link:" + document.Slugify(label)
}
