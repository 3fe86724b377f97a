package encounter

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the authoritative store of encounters. Every method returns
// the snapshot as committed, or a typed error from apperror: Conflict when
// the stored phase differs from the caller's assumption, NotFound for an
// unknown id, Network when the outcome of the call is unknown.
type Repository interface {
	// CreateEncounter is idempotent on seed.CreationToken.
	CreateEncounter(ctx context.Context, kind string, seed Seed) (*Encounter, error)
	GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error)
	// CommitPhase is a compare-and-set on payload.ExpectedPhase. Analyses in
	// the payload are appended, never replacing earlier records.
	CommitPhase(ctx context.Context, id uuid.UUID, phase Phase, payload CommitPayload) (*Encounter, error)
	// ReversePhase moves back one phase from `from`, deleting the derived
	// rows of the phase being left in the same transaction.
	ReversePhase(ctx context.Context, id uuid.UUID, from Phase) (*Encounter, error)
	CancelEncounter(ctx context.Context, id uuid.UUID, reason string) (*Encounter, error)
	// ListInPhase always reads the store; results are never cached.
	ListInPhase(ctx context.Context, phase Phase) ([]*Encounter, error)
}
