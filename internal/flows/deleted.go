package flows

import (
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/loom/internal/document"
	"github.com/kingrea/loom/internal/engine"
	"github.com/kingrea/loom/internal/index"
)

// deletionState is the metadata captured before the row is soft-deleted.
type deletionState struct {
	Known     bool      `json:"known"`
	Hash      string    `json:"hash,omitempty"`
	DeletedAt time.Time `json:"deleted_at"`
}

// onDeleted soft-deletes a node, flags inbound links as dangling, then
// durably sleeps out the TTL before hard-deleting, unless the path was
// recreated while the timer ran, which cancels the sweep.
func (d Deps) onDeleted(run *engine.Run) error {
	var in MutationInput
	if err := run.Input(&in); err != nil {
		return err
	}
	var captured deletionState
	if err := run.StepInto("capture", func() (any, error) {
		node, err := d.Index.GetIncludingDeleted(in.Path)
		if err != nil {
			if errors.Is(err, index.ErrNodeNotFound) {
				return deletionState{DeletedAt: d.now()}, nil
			}
			return nil, err
		}
		return deletionState{Known: true, Hash: node.ContentHash, DeletedAt: d.now()}, nil
	}, &captured); err != nil {
		return err
	}
	if !captured.Known {
		run.Logf("%s was never indexed; nothing to delete", in.Path)
		return nil
	}
	var referrers []string
	if err := run.StepInto("flag-referrers", func() (any, error) {
		sources, err := d.Index.MarkDangling(in.Path)
		if err != nil {
			return nil, err
		}
		note := fmt.Sprintf("> Dangling link: `%s` was deleted.", in.Path)
		for _, source := range sources {
			if _, err := d.Source.AppendOnce(source, note); err != nil && !errors.Is(err, document.ErrNotFound) {
				return nil, err
			}
		}
		return sources, nil
	}, &referrers); err != nil {
		return err
	}
	if err := run.Step("soft-delete", func() (any, error) {
		return nil, d.Index.SoftDelete(in.Path, captured.DeletedAt)
	}); err != nil {
		return err
	}
	run.Logf("soft-deleted %s (%d referrers flagged), sweep in %s", in.Path, len(referrers), d.TTL)
	if err := run.Sleep(d.TTL); err != nil {
		return err
	}
	return run.Step("hard-delete", func() (any, error) {
		recreated, err := d.Index.Recreated(in.Path, captured.DeletedAt)
		if err != nil {
			return nil, err
		}
		if recreated {
			return "cancelled: path recreated", nil
		}
		if err := d.Index.HardDelete(in.Path); err != nil {
			return nil, err
		}
		return "swept", nil
	})
}
