package extraction

import (
	"context"

	"github.com/labflow/labflow/internal/domain/encounter"
)

// Catalog lists the boxes configured for the current site, in display
// order.
type Catalog interface {
	ListBoxes(ctx context.Context) ([]Box, error)
}

// EncounterLister is the read side of the encounter repository the
// allocator depends on.
type EncounterLister interface {
	ListInPhase(ctx context.Context, phase encounter.Phase) ([]*encounter.Encounter, error)
}

// StaticCatalog serves a fixed box list.
type StaticCatalog []Box

func (s StaticCatalog) ListBoxes(context.Context) ([]Box, error) {
	return append([]Box(nil), s...), nil
}
