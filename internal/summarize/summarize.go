// Package summarize is the seam to the external summarization/tagging
// capability. It is async, fallible, and rate-limited upstream, so it is
// consumed only by the on-demand memory-extraction workflow, never on the
// hot create/update path.
package summarize

import (
	"context"
	"errors"
)

// ErrDisabled is returned when no summarization backend is configured.
var ErrDisabled = errors.New("summarize: service disabled")

// Memory is one categorized takeaway extracted from a document.
type Memory struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

// Service categorizes content and proposes tags.
type Service interface {
	Summarize(ctx context.Context, text string) ([]Memory, error)
	SuggestTags(ctx context.Context, text string) ([]string, error)
}

// Disabled is the default Service; every call reports ErrDisabled.
type Disabled struct{}

// Summarize implements Service.
func (Disabled) Summarize(context.Context, string) ([]Memory, error) {
	return nil, ErrDisabled
}

// SuggestTags implements Service.
func (Disabled) SuggestTags(context.Context, string) ([]string, error) {
	return nil, ErrDisabled
}
