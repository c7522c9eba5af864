// Package embed is the seam to the external embedding capability. Vectors
// are keyed by content hash, so an unchanged document never re-embeds.
package embed

import (
	"context"
	"errors"
)

// ErrDisabled is returned when no embedding backend is configured.
var ErrDisabled = errors.New("embed: service disabled")

// Service computes and stores the vector for one document revision.
type Service interface {
	Embed(ctx context.Context, path, contentHash string) error
}

// Disabled is the default Service; every call reports ErrDisabled.
type Disabled struct{}

// Embed implements Service.
func (Disabled) Embed(context.Context, string, string) error { return ErrDisabled }
