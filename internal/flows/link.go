package flows

import (
	"fmt"
	"strings"

	"github.com/kingrea/loom/internal/document"
	"github.com/kingrea/loom/internal/engine"
)

const (
	resolveOutcomeResolved  = "resolved"
	resolveOutcomeMissing   = "missing"
	resolveOutcomeAmbiguous = "ambiguous"
)

type resolveResult struct {
	Outcome string `json:"outcome"`
	Target  string `json:"target,omitempty"`
}

// ensureLink maintains the bidirectional-link invariant for one label: a
// resolved A->B link gains a discoverable back-reference from B to A. An
// ambiguous label is logged and left unresolved rather than guessed; a label
// with no match gets a placeholder document. Re-running when the link is
// already healthy is a no-op.
func (d Deps) ensureLink(run *engine.Run) error {
	var in LinkInput
	if err := run.Input(&in); err != nil {
		return err
	}
	var resolved resolveResult
	if err := run.StepInto("resolve", func() (any, error) {
		candidates, err := d.Index.FindByLabel(in.Label)
		if err != nil {
			return nil, err
		}
		switch len(candidates) {
		case 0:
			// The target may exist on disk but not be indexed yet when a
			// burst of creates lands. Erroring here leans on the step retry
			// instead of minting a premature placeholder.
			if onDisk, err := d.labelOnDisk(in.Label); err != nil {
				return nil, err
			} else if onDisk {
				return nil, fmt.Errorf("flows: label %q exists on disk but is not indexed yet", in.Label)
			}
			return resolveResult{Outcome: resolveOutcomeMissing}, nil
		case 1:
			return resolveResult{Outcome: resolveOutcomeResolved, Target: candidates[0].Path}, nil
		default:
			return resolveResult{Outcome: resolveOutcomeAmbiguous}, nil
		}
	}, &resolved); err != nil {
		return err
	}
	switch resolved.Outcome {
	case resolveOutcomeAmbiguous:
		run.Logf("label %q from %s is ambiguous; leaving unresolved", in.Label, in.Source)
		return nil
	case resolveOutcomeMissing:
		return d.createPlaceholder(run, in)
	default:
		return d.ensureBackReference(run, in, resolved.Target)
	}
}

// labelOnDisk reports whether any vault document's stem matches the label.
func (d Deps) labelOnDisk(label string) (bool, error) {
	paths, err := d.Source.List()
	if err != nil {
		return false, err
	}
	slug := document.Slugify(label)
	for _, path := range paths {
		stem := document.Stem(path)
		if strings.EqualFold(stem, label) || strings.EqualFold(stem, slug) {
			return true, nil
		}
	}
	return false, nil
}

// createPlaceholder writes a stub document for an unresolved label, tagged
// so hub pages can surface it, carrying a back-reference to the source.
func (d Deps) createPlaceholder(run *engine.Run, in LinkInput) error {
	path := document.Slugify(in.Label) + ".md"
	if err := run.Step("placeholder", func() (any, error) {
		if d.Source.Exists(path) {
			// A concurrent run (or the human) already created it.
			return path, nil
		}
		now := d.now()
		doc := document.Document{
			Frontmatter: document.Frontmatter{
				"title":   in.Label,
				"created": now.UTC().Format("2006-01-02"),
				"tags":    []string{"placeholder"},
			},
			// The label itself stays plain text so the placeholder does not
			// grow a self-edge once it is ingested.
			Body: []byte(fmt.Sprintf("Placeholder for **%s**.\n\n## Referenced by\n\n- [[%s]]\n", in.Label, document.Stem(in.Source))),
		}
		document.Validate(path, doc.Frontmatter, true, now)
		if err := d.Source.Write(path, doc); err != nil {
			return nil, err
		}
		return path, nil
	}); err != nil {
		return err
	}
	return run.Step("record-target", func() (any, error) {
		return nil, d.Index.ResolveEdge(in.Source, in.Label, path)
	})
}

// ensureBackReference appends a wikilink back to the source when the target
// does not already reference it.
func (d Deps) ensureBackReference(run *engine.Run, in LinkInput, target string) error {
	if err := run.Step("backref", func() (any, error) {
		doc, err := d.Source.Read(target)
		if err != nil {
			return nil, err
		}
		sourceStem := document.Stem(in.Source)
		if document.ContainsWikilink(doc.Body, sourceStem) {
			return "present", nil
		}
		if _, err := d.Source.AppendOnce(target, fmt.Sprintf("- [[%s]]", sourceStem)); err != nil {
			return nil, err
		}
		return "appended", nil
	}); err != nil {
		return err
	}
	return run.Step("record-target", func() (any, error) {
		return nil, d.Index.ResolveEdge(in.Source, in.Label, target)
	})
}
