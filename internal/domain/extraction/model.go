package extraction

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/labflow/labflow/internal/domain/encounter"
)

// Box is a physical extraction station of a site.
type Box struct {
	ID                 string  `json:"id"`
	DisplayName        string  `json:"display_name"`
	AssignedOperatorID *string `json:"assigned_operator_id,omitempty"`
	Position           int     `json:"position"`
}

// BoxView is a box together with its occupancy. Busy and EncounterID are
// derived from the in-extraction list the view was built from and are
// never stored.
type BoxView struct {
	Box
	Busy        bool       `json:"busy"`
	EncounterID *uuid.UUID `json:"encounter_id,omitempty"`
}

// Selection is an operator's tentative choice of box. It carries no
// guarantee: the box is revalidated when the extraction is committed.
type Selection struct {
	BoxID       string    `json:"box_id"`
	DisplayName string    `json:"display_name"`
	SelectedAt  time.Time `json:"selected_at"`
}

// WaitingEntry is one encounter queued for extraction.
type WaitingEntry struct {
	EncounterID   uuid.UUID `json:"encounter_id"`
	PatientRef    *string   `json:"patient_ref,omitempty"`
	Urgent        bool      `json:"urgent"`
	ReceiptNumber *string   `json:"receipt_number,omitempty"`
	AdmittedAt    time.Time `json:"admitted_at"`
}

// Occupancy maps box ids to the encounter extracting in them.
func Occupancy(inExtraction []*encounter.Encounter) map[string]uuid.UUID {
	held := make(map[string]uuid.UUID, len(inExtraction))
	for _, e := range inExtraction {
		if e.Phase != encounter.PhaseInExtraction || e.AssignedResourceID == nil {
			continue
		}
		held[*e.AssignedResourceID] = e.ID
	}
	return held
}

// DeriveViews marks each box busy when an encounter in inExtraction holds it.
func DeriveViews(boxes []Box, inExtraction []*encounter.Encounter) []BoxView {
	held := Occupancy(inExtraction)
	views := make([]BoxView, 0, len(boxes))
	for _, b := range boxes {
		v := BoxView{Box: b}
		if id, ok := held[b.ID]; ok {
			id := id
			v.Busy = true
			v.EncounterID = &id
		}
		views = append(views, v)
	}
	return views
}

// SortWaiting orders encounters for extraction: urgent before non-urgent,
// then earliest admission first. Ties fall back to the id so the order is
// stable between polls.
func SortWaiting(encs []*encounter.Encounter) {
	sort.SliceStable(encs, func(i, j int) bool {
		a, b := encs[i], encs[j]
		if a.Urgent != b.Urgent {
			return a.Urgent
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

// WaitingList sorts encs and projects them onto queue entries.
func WaitingList(encs []*encounter.Encounter) []WaitingEntry {
	sorted := append([]*encounter.Encounter(nil), encs...)
	SortWaiting(sorted)
	out := make([]WaitingEntry, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, WaitingEntry{
			EncounterID:   e.ID,
			PatientRef:    e.PatientRef,
			Urgent:        e.Urgent,
			ReceiptNumber: e.ReceiptNumber,
			AdmittedAt:    e.CreatedAt,
		})
	}
	return out
}
