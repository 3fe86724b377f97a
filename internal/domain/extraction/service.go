package extraction

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/encounter"
	"github.com/labflow/labflow/internal/platform/apperror"
)

// Allocator binds extraction boxes to encounters. It keeps no occupancy
// state of its own: every decision that gates a commit is taken against a
// fresh in-extraction list from the repository.
type Allocator struct {
	catalog    Catalog
	encounters EncounterLister
	logger     zerolog.Logger
	now        func() time.Time
}

func NewAllocator(catalog Catalog, encounters EncounterLister, logger zerolog.Logger) *Allocator {
	return &Allocator{
		catalog:    catalog,
		encounters: encounters,
		logger:     logger.With().Str("component", "allocator").Logger(),
		now:        time.Now,
	}
}

// Boxes returns every box of the site with its occupancy read fresh from
// the repository.
func (a *Allocator) Boxes(ctx context.Context) ([]BoxView, error) {
	boxes, err := a.catalog.ListBoxes(ctx)
	if err != nil {
		return nil, apperror.FromContext("listBoxes", err)
	}
	inExtraction, err := a.encounters.ListInPhase(ctx, encounter.PhaseInExtraction)
	if err != nil {
		return nil, apperror.FromContext("listInExtraction", err)
	}
	return DeriveViews(boxes, inExtraction), nil
}

// Waiting returns the encounters queued for extraction in service order.
func (a *Allocator) Waiting(ctx context.Context) ([]WaitingEntry, error) {
	encs, err := a.encounters.ListInPhase(ctx, encounter.PhaseAwaitingExtraction)
	if err != nil {
		return nil, apperror.FromContext("listWaiting", err)
	}
	return WaitingList(encs), nil
}

// Select picks boxID from views, a list the caller obtained earlier. It
// makes no network call; a box shown busy is refused, a box shown free is
// only tentatively free.
func (a *Allocator) Select(views []BoxView, boxID string) (Selection, error) {
	const op = "selectBox"
	boxID = strings.TrimSpace(boxID)
	for _, v := range views {
		if v.ID != boxID {
			continue
		}
		if v.Busy {
			return Selection{}, apperror.Conflict(op, "box %s is busy", boxID)
		}
		return Selection{BoxID: v.ID, DisplayName: v.DisplayName, SelectedAt: a.now()}, nil
	}
	return Selection{}, apperror.Validation(op, "unknown box %q", boxID)
}

// RevalidateStart re-reads the in-extraction list and refuses boxID when
// another encounter holds it. It never picks a different box.
func (a *Allocator) RevalidateStart(ctx context.Context, encounterID uuid.UUID, boxID string) error {
	const op = "revalidateStart"
	if err := a.known(ctx, op, boxID); err != nil {
		return err
	}
	held, err := a.occupancy(ctx, op)
	if err != nil {
		return err
	}
	if holder, busy := held[boxID]; busy && holder != encounterID {
		a.logger.Info().
			Str("box", boxID).
			Str("encounter_id", encounterID.String()).
			Str("holder", holder.String()).
			Msg("box taken since selection")
		return apperror.Conflict(op, "box %s is busy", boxID)
	}
	return nil
}

// RevalidateRelease re-reads the in-extraction list and checks that
// encounterID still holds boxID.
func (a *Allocator) RevalidateRelease(ctx context.Context, encounterID uuid.UUID, boxID string) error {
	const op = "revalidateRelease"
	held, err := a.occupancy(ctx, op)
	if err != nil {
		return err
	}
	if holder, ok := held[boxID]; !ok || holder != encounterID {
		a.logger.Info().
			Str("box", boxID).
			Str("encounter_id", encounterID.String()).
			Msg("box no longer held by encounter")
		return apperror.Conflict(op, "encounter %s no longer holds box %s", encounterID, boxID)
	}
	return nil
}

func (a *Allocator) known(ctx context.Context, op, boxID string) error {
	boxes, err := a.catalog.ListBoxes(ctx)
	if err != nil {
		return apperror.FromContext(op, err)
	}
	for _, b := range boxes {
		if b.ID == boxID {
			return nil
		}
	}
	return apperror.Validation(op, "unknown box %q", boxID)
}

func (a *Allocator) occupancy(ctx context.Context, op string) (map[string]uuid.UUID, error) {
	encs, err := a.encounters.ListInPhase(ctx, encounter.PhaseInExtraction)
	if err != nil {
		return nil, apperror.FromContext(op, err)
	}
	return Occupancy(encs), nil
}
