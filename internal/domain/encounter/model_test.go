package encounter

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/domain/billing"
	"github.com/labflow/labflow/internal/platform/apperror"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func analysis(id, total, covered string) AnalysisRecord {
	return AnalysisRecord{AnalysisID: id, Description: "analysis " + id, TotalAmount: d(total), CoveredAmount: d(covered)}
}

func TestDedupAnalyses(t *testing.T) {
	in := []AnalysisRecord{
		analysis("glu", "10", "0"),
		analysis("hb", "20", "5"),
		analysis("glu", "12", "2"),
	}
	got := DedupAnalyses(in)
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct analyses, got %d", len(got))
	}
	if got[0].AnalysisID != "glu" || !got[0].TotalAmount.Equal(d("12")) {
		t.Errorf("expected the later glu record in first position, got %+v", got[0])
	}
	if got[1].AnalysisID != "hb" {
		t.Errorf("expected hb second, got %s", got[1].AnalysisID)
	}
	if DedupAnalyses(nil) != nil {
		t.Error("expected nil for no records")
	}
}

func TestItemsFromAnalyses_StableIDs(t *testing.T) {
	encID := uuid.New()
	recs := []AnalysisRecord{analysis("glu", "10", "0"), analysis("glu", "10", "0"), analysis("hb", "20", "5")}
	a := ItemsFromAnalyses(encID, recs)
	b := ItemsFromAnalyses(encID, recs[1:])
	if len(a) != 2 {
		t.Fatalf("expected one item per distinct analysis, got %d", len(a))
	}
	if a[0].ID != b[0].ID {
		t.Error("item ids must be stable across rebuilds")
	}
	if !a[1].Selected || !a[1].PatientAmount().Equal(d("15")) {
		t.Errorf("unexpected item %+v", a[1])
	}
	other := ItemsFromAnalyses(uuid.New(), recs)
	if other[0].ID == a[0].ID {
		t.Error("item ids must differ between encounters")
	}
}

func TestDerivedMostAdvanced(t *testing.T) {
	ref := "x"
	e := &Encounter{Phase: PhaseOnBilling, MostAdvancedPhase: PhaseInExtraction}
	if got := e.DerivedMostAdvanced(); got != PhaseRegisteringGeneralData {
		t.Errorf("empty encounter: got %s", got)
	}
	e.PatientRef, e.PractitionerRef, e.CoverageRef = &ref, &ref, &ref
	if got := e.DerivedMostAdvanced(); got != PhaseRegisteringAnalyses {
		t.Errorf("general data only: got %s", got)
	}
	e.Analyses = []AnalysisRecord{analysis("glu", "1", "0")}
	if got := e.DerivedMostAdvanced(); got != PhaseOnCollection {
		t.Errorf("with analyses: got %s", got)
	}
	e.PaymentRef = &ref
	e.InvoiceRef = &ref
	if got := e.DerivedMostAdvanced(); got != PhaseAwaitingConfirmation {
		t.Errorf("with invoice: got %s", got)
	}
	// A receipt without the earlier links does not widen navigation.
	gap := &Encounter{ReceiptNumber: &ref, AssignedResourceID: &ref}
	if got := gap.DerivedMostAdvanced(); got != PhaseRegisteringGeneralData {
		t.Errorf("gap in chain: got %s", got)
	}
}

func TestPurgeOnLeave(t *testing.T) {
	ref := "x"
	pct := d("21")
	e := &Encounter{
		PatientRef: &ref, PractitionerRef: &ref, CoverageRef: &ref,
		Analyses:            []AnalysisRecord{analysis("glu", "1", "0")},
		AuthorizationNumber: &ref,
		BillableItems:       []billing.BillableItem{{ID: uuid.New()}},
		PaymentEntries:      []billing.PaymentEntry{{ID: uuid.New()}},
		IVAPercentage:       &pct,
		Coinsurance:         d("3"),
		PaymentRef:          &ref,
		InvoiceRef:          &ref,
		ReceiptNumber:       &ref,
		AssignedResourceID:  &ref,
	}

	PurgeOnLeave(e, PhaseInExtraction)
	if e.AssignedResourceID != nil || e.ReceiptNumber == nil {
		t.Fatal("leaving IN_EXTRACTION clears only the box")
	}
	PurgeOnLeave(e, PhaseAwaitingExtraction)
	if e.ReceiptNumber == nil || e.PaymentRef == nil {
		t.Fatal("leaving AWAITING_EXTRACTION keeps the receipt of the payment")
	}
	PurgeOnLeave(e, PhaseOnBilling)
	if e.BillableItems != nil || e.PaymentEntries != nil || e.IVAPercentage != nil || e.PaymentRef != nil || e.InvoiceRef != nil || e.ReceiptNumber != nil || !e.Coinsurance.IsZero() {
		t.Fatal("leaving ON_BILLING_PROCESS clears the committed sheet")
	}
	if len(e.Analyses) != 1 {
		t.Fatal("leaving ON_BILLING_PROCESS keeps the analyses")
	}
	PurgeOnLeave(e, PhaseOnCollection)
	if e.Analyses != nil || e.AuthorizationNumber != nil {
		t.Fatal("leaving ON_COLLECTION_PROCESS clears the analyses")
	}
	PurgeOnLeave(e, PhaseRegisteringAnalyses)
	if e.HasGeneralData() {
		t.Fatal("leaving REGISTERING_ANALYSES clears the references")
	}
}

func TestApplyCommit(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	e := &Encounter{ID: uuid.New(), Phase: PhaseRegisteringAnalyses, MostAdvancedPhase: PhaseRegisteringAnalyses}

	urgent := true
	err := ApplyCommit(e, PhaseOnCollection, CommitPayload{
		ExpectedPhase: PhaseRegisteringAnalyses,
		Analyses:      []AnalysisRecord{analysis("glu", "10", "0")},
		Urgent:        &urgent,
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Phase != PhaseOnCollection || e.MostAdvancedPhase != PhaseOnCollection {
		t.Errorf("unexpected phases %s / %s", e.Phase, e.MostAdvancedPhase)
	}
	if !e.Urgent || len(e.Analyses) != 1 || !e.Analyses[0].RecordedAt.Equal(now) {
		t.Errorf("payload not applied: %+v", e)
	}
}

func TestApplyCommit_Refusals(t *testing.T) {
	now := time.Now()

	e := &Encounter{Phase: PhaseOnBilling}
	err := ApplyCommit(e, PhaseAwaitingConfirmation, CommitPayload{ExpectedPhase: PhaseOnCollection}, now)
	if !apperror.IsConflict(err) {
		t.Errorf("stale expected phase: want conflict, got %v", err)
	}

	err = ApplyCommit(e, PhaseFinished, CommitPayload{ExpectedPhase: PhaseOnBilling}, now)
	if !apperror.IsValidation(err) {
		t.Errorf("disallowed transition: want validation, got %v", err)
	}

	done := &Encounter{Phase: PhaseCanceled}
	err = ApplyCommit(done, PhaseFailed, CommitPayload{ExpectedPhase: PhaseCanceled}, now)
	if !apperror.IsTerminal(err) {
		t.Errorf("terminal encounter: want terminal, got %v", err)
	}
	if e.Phase != PhaseOnBilling {
		t.Error("refused commit must not change the phase")
	}
}

func TestApplyCommit_ClearResource(t *testing.T) {
	box := "box-1"
	e := &Encounter{Phase: PhaseInExtraction, AssignedResourceID: &box}
	err := ApplyCommit(e, PhaseAwaitingExtraction, CommitPayload{ExpectedPhase: PhaseInExtraction, ClearResource: true}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.AssignedResourceID != nil {
		t.Error("expected box to be released")
	}
}

func TestApplyReverse(t *testing.T) {
	e := &Encounter{
		Phase:    PhaseOnCollection,
		Analyses: []AnalysisRecord{analysis("glu", "10", "0")},
	}
	if err := ApplyReverse(e, PhaseOnCollection, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Phase != PhaseRegisteringAnalyses || e.Analyses != nil {
		t.Errorf("unexpected state after reverse: %s %v", e.Phase, e.Analyses)
	}

	first := &Encounter{Phase: PhaseRegisteringGeneralData}
	if err := ApplyReverse(first, PhaseRegisteringGeneralData, time.Now()); !apperror.IsValidation(err) {
		t.Errorf("want validation from initial phase, got %v", err)
	}
	if err := ApplyReverse(e, PhaseOnBilling, time.Now()); !apperror.IsConflict(err) {
		t.Errorf("want conflict on stale phase, got %v", err)
	}
}

func TestApplyCancel(t *testing.T) {
	e := &Encounter{Phase: PhaseOnBilling}
	if err := ApplyCancel(e, "patient left", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Phase != PhaseCanceled || e.CloseReason == nil || *e.CloseReason != "patient left" {
		t.Errorf("unexpected state %+v", e)
	}
	if err := ApplyCancel(e, "again", time.Now()); !apperror.IsTerminal(err) {
		t.Errorf("want terminal, got %v", err)
	}
}

func TestClone_Independent(t *testing.T) {
	e := &Encounter{Analyses: []AnalysisRecord{analysis("glu", "1", "0")}}
	c := e.Clone()
	c.Analyses[0].AnalysisID = "changed"
	if e.Analyses[0].AnalysisID != "glu" {
		t.Error("clone shares analyses with the original")
	}
}
