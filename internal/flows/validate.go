package flows

import (
	"fmt"

	"github.com/kingrea/loom/internal/engine"
)

// validateSchema checks one document against its type schema on demand.
// With AutoFix set it fills missing required fields and writes the document
// back; either way the node's warnings land in the index, where hub pages
// and the query surface can see them. Duplicate-id detection is a warning,
// never an auto-fix, because deciding which document keeps the id is a call
// only the human can make.
func (d Deps) validateSchema(run *engine.Run) error {
	var in ValidateInput
	if err := run.Input(&in); err != nil {
		return err
	}
	var ingested ingestResult
	if err := run.StepInto("ingest", func() (any, error) {
		return d.ingest(in.Path, in.AutoFix)
	}, &ingested); err != nil {
		return err
	}
	if !ingested.Exists {
		run.Logf("document %s vanished before validation", in.Path)
		return nil
	}
	if err := run.StepInto("duplicates", func() (any, error) {
		dupes, err := d.Index.DuplicateIDs()
		if err != nil {
			return nil, err
		}
		id, _ := ingested.Frontmatter["id"].(string)
		if paths, dup := dupes[id]; dup {
			warning := fmt.Sprintf("id %q is shared by %d documents", id, len(paths))
			ingested.Warnings = append(ingested.Warnings, warning)
			run.Logf("%s: %s", in.Path, warning)
		}
		return ingested.Warnings, nil
	}, &ingested.Warnings); err != nil {
		return err
	}
	return run.Step("upsert", func() (any, error) {
		return nil, d.upsertNode(in.Path, ingested)
	})
}
