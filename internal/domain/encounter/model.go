package encounter

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/domain/billing"
	"github.com/labflow/labflow/internal/platform/apperror"
)

// Encounter is the authoritative snapshot of a patient visit as returned by
// the repository. Callers treat it as read-only.
type Encounter struct {
	ID                  uuid.UUID              `json:"id"`
	Kind                string                 `json:"kind"`
	Phase               Phase                  `json:"phase"`
	MostAdvancedPhase   Phase                  `json:"most_advanced_phase"`
	PatientRef          *string                `json:"patient_ref,omitempty"`
	PractitionerRef     *string                `json:"practitioner_ref,omitempty"`
	CoverageRef         *string                `json:"coverage_ref,omitempty"`
	Urgent              bool                   `json:"urgent"`
	AuthorizationNumber *string                `json:"authorization_number,omitempty"`
	Analyses            []AnalysisRecord       `json:"analyses,omitempty"`
	BillableItems       []billing.BillableItem `json:"billable_items,omitempty"`
	PaymentEntries      []billing.PaymentEntry `json:"payment_entries,omitempty"`
	IVAPercentage       *decimal.Decimal       `json:"iva_percentage,omitempty"`
	Coinsurance         decimal.Decimal        `json:"coinsurance"`
	PaymentRef          *string                `json:"payment_ref,omitempty"`
	InvoiceRef          *string                `json:"invoice_ref,omitempty"`
	ReceiptNumber       *string                `json:"receipt_number,omitempty"`
	AssignedResourceID  *string                `json:"assigned_resource_id,omitempty"`
	CloseReason         *string                `json:"close_reason,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// AnalysisRecord is one committed analysis authorization. The repository
// stores these append-only, so the same AnalysisID may appear more than once.
type AnalysisRecord struct {
	AnalysisID    string          `json:"analysis_id" validate:"required"`
	Description   string          `json:"description"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	CoveredAmount decimal.Decimal `json:"covered_amount"`
	RecordedAt    time.Time       `json:"recorded_at"`
}

// Seed carries what is known when an encounter is opened. CreationToken
// makes the create idempotent: the repository returns the existing
// encounter when it has already seen the token.
type Seed struct {
	CreationToken uuid.UUID `json:"creation_token"`
	Urgent        bool      `json:"urgent"`
	PatientRef    *string   `json:"patient_ref,omitempty"`
}

// GeneralData are the references assigned in the first phase.
type GeneralData struct {
	PatientRef      string `json:"patient_ref" validate:"required"`
	PractitionerRef string `json:"practitioner_ref" validate:"required"`
	CoverageRef     string `json:"coverage_ref" validate:"required"`
}

// CommitPayload is the data recorded together with a phase commit. Only
// the non-nil fields are written. ExpectedPhase makes the commit a
// compare-and-set against the stored phase.
type CommitPayload struct {
	ExpectedPhase       Phase
	General             *GeneralData
	Analyses            []AnalysisRecord
	Urgent              *bool
	AuthorizationNumber *string
	Sheet               *billing.Sheet
	PaymentRef          *string
	InvoiceRef          *string
	ReceiptNumber       *string
	ResourceID          *string
	ClearResource       bool
	Reason              *string
}

// HasGeneralData reports whether all three first-phase references are set.
func (e *Encounter) HasGeneralData() bool {
	return e.PatientRef != nil && e.PractitionerRef != nil && e.CoverageRef != nil
}

// DistinctAnalyses returns the analyses with duplicates removed.
func (e *Encounter) DistinctAnalyses() []AnalysisRecord {
	return DedupAnalyses(e.Analyses)
}

// DedupAnalyses collapses records sharing an AnalysisID. The last record
// for an id wins; ids keep the order in which they were first seen.
func DedupAnalyses(records []AnalysisRecord) []AnalysisRecord {
	if len(records) == 0 {
		return nil
	}
	pos := make(map[string]int, len(records))
	out := make([]AnalysisRecord, 0, len(records))
	for _, r := range records {
		if i, ok := pos[r.AnalysisID]; ok {
			out[i] = r
			continue
		}
		pos[r.AnalysisID] = len(out)
		out = append(out, r)
	}
	return out
}

// itemNamespace derives stable billable-item ids from analysis ids so a
// rebuilt sheet keeps the same item ids across resyncs.
var itemNamespace = uuid.MustParse("5b0f6a54-3f0e-4a3c-9d63-8e1f6e0a9c21")

// ItemsFromAnalyses builds one selected billable item per distinct analysis.
func ItemsFromAnalyses(encounterID uuid.UUID, records []AnalysisRecord) []billing.BillableItem {
	distinct := DedupAnalyses(records)
	items := make([]billing.BillableItem, 0, len(distinct))
	for _, r := range distinct {
		items = append(items, billing.BillableItem{
			ID:            uuid.NewSHA1(itemNamespace, []byte(encounterID.String()+"/"+r.AnalysisID)),
			AnalysisID:    r.AnalysisID,
			Description:   r.Description,
			TotalAmount:   r.TotalAmount,
			CoveredAmount: r.CoveredAmount,
			Selected:      true,
		})
	}
	return items
}

// DerivedMostAdvanced computes how far the encounter has progressed from
// the data it carries rather than from its stored phase fields, so a stale
// cached phase cannot widen or narrow navigation.
func (e *Encounter) DerivedMostAdvanced() Phase {
	p := PhaseRegisteringGeneralData
	if e.HasGeneralData() {
		p = PhaseRegisteringAnalyses
	}
	if len(e.DistinctAnalyses()) > 0 && p == PhaseRegisteringAnalyses {
		p = PhaseOnCollection
	}
	if e.PaymentRef != nil && p == PhaseOnCollection {
		p = PhaseOnBilling
	}
	if e.InvoiceRef != nil && p == PhaseOnBilling {
		p = PhaseAwaitingConfirmation
	}
	if e.ReceiptNumber != nil && p == PhaseAwaitingConfirmation {
		p = PhaseAwaitingExtraction
	}
	if e.AssignedResourceID != nil && p == PhaseAwaitingExtraction {
		p = PhaseInExtraction
	}
	return p
}

// PurgeOnLeave clears the data that entering phase left brought with it,
// so that re-entering after a reversal cannot duplicate it. The receipt
// belongs to the payment and is cleared only with the payment reference.
func PurgeOnLeave(e *Encounter, left Phase) {
	switch left {
	case PhaseRegisteringAnalyses:
		e.PatientRef, e.PractitionerRef, e.CoverageRef = nil, nil, nil
	case PhaseOnCollection:
		e.Analyses = nil
		e.AuthorizationNumber = nil
	case PhaseOnBilling:
		e.BillableItems = nil
		e.PaymentEntries = nil
		e.IVAPercentage = nil
		e.Coinsurance = decimal.Zero
		e.PaymentRef = nil
		e.InvoiceRef = nil
		e.ReceiptNumber = nil
	case PhaseInExtraction:
		e.AssignedResourceID = nil
	}
}

// Clone returns a deep copy of the snapshot.
func (e *Encounter) Clone() *Encounter {
	c := *e
	c.Analyses = append([]AnalysisRecord(nil), e.Analyses...)
	c.BillableItems = append([]billing.BillableItem(nil), e.BillableItems...)
	c.PaymentEntries = append([]billing.PaymentEntry(nil), e.PaymentEntries...)
	return &c
}

// Sheet returns the billing worksheet recorded on the snapshot.
func (e *Encounter) Sheet() billing.Sheet {
	return billing.Sheet{
		Items:         e.BillableItems,
		Payments:      e.PaymentEntries,
		IVAPercentage: e.IVAPercentage,
		Coinsurance:   e.Coinsurance,
	}.Clone()
}

// ApplyCommit moves e to phase and records the payload on it. It enforces
// the compare-and-set on ExpectedPhase and the forward transition table;
// guards that depend on the payload contents belong to the caller.
func ApplyCommit(e *Encounter, phase Phase, p CommitPayload, now time.Time) error {
	const op = "commitPhase"
	if e.Phase.IsTerminal() {
		return apperror.Terminal(op, string(e.Phase))
	}
	if e.Phase != p.ExpectedPhase {
		return apperror.Conflict(op, "encounter advanced elsewhere: is %s, expected %s", e.Phase, p.ExpectedPhase)
	}
	if !CanCommit(e.Phase, phase) {
		return apperror.Validation(op, "transition %s -> %s not allowed", e.Phase, phase)
	}

	if g := p.General; g != nil {
		e.PatientRef = strPtr(g.PatientRef)
		e.PractitionerRef = strPtr(g.PractitionerRef)
		e.CoverageRef = strPtr(g.CoverageRef)
	}
	for _, a := range p.Analyses {
		if a.RecordedAt.IsZero() {
			a.RecordedAt = now
		}
		e.Analyses = append(e.Analyses, a)
	}
	if p.Urgent != nil {
		e.Urgent = *p.Urgent
	}
	if p.AuthorizationNumber != nil {
		e.AuthorizationNumber = p.AuthorizationNumber
	}
	if p.Sheet != nil {
		sheet := p.Sheet.Clone()
		e.BillableItems = sheet.Items
		e.PaymentEntries = sheet.Payments
		e.IVAPercentage = sheet.IVAPercentage
		e.Coinsurance = sheet.Coinsurance
	}
	if p.PaymentRef != nil {
		e.PaymentRef = p.PaymentRef
	}
	if p.InvoiceRef != nil {
		e.InvoiceRef = p.InvoiceRef
	}
	if p.ReceiptNumber != nil {
		e.ReceiptNumber = p.ReceiptNumber
	}
	if p.ClearResource {
		e.AssignedResourceID = nil
	} else if p.ResourceID != nil {
		e.AssignedResourceID = p.ResourceID
	}
	if p.Reason != nil {
		e.CloseReason = p.Reason
	}

	e.Phase = phase
	e.MostAdvancedPhase = MaxPhase(e.MostAdvancedPhase, phase)
	e.UpdatedAt = now
	return nil
}

// ApplyReverse moves e one phase back from expected, purging what the
// phase being left had recorded.
func ApplyReverse(e *Encounter, expected Phase, now time.Time) error {
	const op = "reversePhase"
	if e.Phase.IsTerminal() {
		return apperror.Terminal(op, string(e.Phase))
	}
	if e.Phase != expected {
		return apperror.Conflict(op, "encounter advanced elsewhere: is %s, expected %s", e.Phase, expected)
	}
	prev, ok := e.Phase.Previous()
	if !ok {
		return apperror.Validation(op, "phase %s has no previous phase", e.Phase)
	}
	PurgeOnLeave(e, e.Phase)
	e.Phase = prev
	e.UpdatedAt = now
	return nil
}

// ApplyCancel closes e with a reason.
func ApplyCancel(e *Encounter, reason string, now time.Time) error {
	if e.Phase.IsTerminal() {
		return apperror.Terminal("cancelEncounter", string(e.Phase))
	}
	e.Phase = PhaseCanceled
	e.CloseReason = strPtr(reason)
	e.UpdatedAt = now
	return nil
}

func strPtr(s string) *string { return &s }
