package encounter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/domain/billing"
	"github.com/labflow/labflow/internal/platform/apperror"
	"github.com/labflow/labflow/internal/platform/events"
	"github.com/labflow/labflow/internal/platform/locker"
)

// -- Mock Repository --

type mockRepo struct {
	mu      sync.Mutex
	store   map[uuid.UUID]*Encounter
	tokens  map[uuid.UUID]uuid.UUID
	creates int
	commits int
	failErr error
	// lostErr is returned after a create has been stored.
	lostErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*Encounter), tokens: make(map[uuid.UUID]uuid.UUID)}
}

func (m *mockRepo) injected() error {
	err := m.failErr
	m.failErr = nil
	return err
}

func (m *mockRepo) CreateEncounter(_ context.Context, kind string, seed Seed) (*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	if id, ok := m.tokens[seed.CreationToken]; ok {
		return m.store[id].Clone(), nil
	}
	now := time.Now()
	e := &Encounter{
		ID:                uuid.New(),
		Kind:              kind,
		Phase:             PhaseRegisteringGeneralData,
		MostAdvancedPhase: PhaseRegisteringGeneralData,
		Urgent:            seed.Urgent,
		PatientRef:        seed.PatientRef,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.store[e.ID] = e
	m.tokens[seed.CreationToken] = e.ID
	m.creates++
	if m.lostErr != nil {
		err := m.lostErr
		m.lostErr = nil
		return nil, err
	}
	return e.Clone(), nil
}

func (m *mockRepo) GetEncounter(_ context.Context, id uuid.UUID) (*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	e, ok := m.store[id]
	if !ok {
		return nil, apperror.NotFound("getEncounter", "encounter")
	}
	return e.Clone(), nil
}

func (m *mockRepo) mutate(id uuid.UUID, fn func(*Encounter) error) (*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(); err != nil {
		return nil, err
	}
	e, ok := m.store[id]
	if !ok {
		return nil, apperror.NotFound("commitPhase", "encounter")
	}
	next := e.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.store[id] = next
	m.commits++
	return next.Clone(), nil
}

func (m *mockRepo) CommitPhase(_ context.Context, id uuid.UUID, phase Phase, p CommitPayload) (*Encounter, error) {
	return m.mutate(id, func(e *Encounter) error { return ApplyCommit(e, phase, p, time.Now()) })
}

func (m *mockRepo) ReversePhase(_ context.Context, id uuid.UUID, from Phase) (*Encounter, error) {
	return m.mutate(id, func(e *Encounter) error { return ApplyReverse(e, from, time.Now()) })
}

func (m *mockRepo) CancelEncounter(_ context.Context, id uuid.UUID, reason string) (*Encounter, error) {
	return m.mutate(id, func(e *Encounter) error { return ApplyCancel(e, reason, time.Now()) })
}

func (m *mockRepo) ListInPhase(_ context.Context, phase Phase) ([]*Encounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Encounter
	for _, e := range m.store {
		if e.Phase == phase {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (m *mockRepo) phaseOf(id uuid.UUID) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store[id].Phase
}

// -- Mock Gateway --

type mockGateway struct {
	submitted   []*billing.SubmissionRequest
	completed   int
	submitErr   error
	completeErr error
}

func (g *mockGateway) SubmitPayment(_ context.Context, req *billing.SubmissionRequest) (billing.PaymentRef, error) {
	if g.submitErr != nil {
		err := g.submitErr
		g.submitErr = nil
		return "", err
	}
	g.submitted = append(g.submitted, req)
	return billing.PaymentRef("PAY-" + req.EncounterID[:8]), nil
}

func (g *mockGateway) CompleteCollection(_ context.Context, ref billing.PaymentRef) (*billing.Receipt, error) {
	if g.completeErr != nil {
		return nil, g.completeErr
	}
	g.completed++
	return &billing.Receipt{Number: "R-0001", PaymentRef: ref, Total: "30.25"}, nil
}

// -- Mock Resource Gate --

type mockGate struct {
	startErr   error
	releaseErr error
	started    []string
	released   []string
}

func (g *mockGate) RevalidateStart(_ context.Context, _ uuid.UUID, resourceID string) error {
	if g.startErr != nil {
		return g.startErr
	}
	g.started = append(g.started, resourceID)
	return nil
}

func (g *mockGate) RevalidateRelease(_ context.Context, _ uuid.UUID, resourceID string) error {
	if g.releaseErr != nil {
		return g.releaseErr
	}
	g.released = append(g.released, resourceID)
	return nil
}

type fixture struct {
	svc    *Service
	repo   *mockRepo
	gw     *mockGateway
	gate   *mockGate
	events *events.Recorder
	locks  *locker.Local
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		repo:   newMockRepo(),
		gw:     &mockGateway{},
		gate:   &mockGate{},
		events: &events.Recorder{},
		locks:  locker.NewLocal(),
	}
	all := append([]Option{
		WithResourceGate(f.gate),
		WithPublisher(f.events),
		WithLocker(f.locks),
	}, opts...)
	f.svc = NewService(f.repo, f.gw, all...)
	return f
}

var ctx = context.Background()

func (f *fixture) started(t *testing.T) *Session {
	t.Helper()
	sess := NewSession("laboratory")
	if _, err := f.svc.Start(ctx, sess, Seed{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return sess
}

func (f *fixture) atCollection(t *testing.T) *Session {
	t.Helper()
	sess := f.started(t)
	if err := f.svc.AssignGeneralData(ctx, sess, GeneralData{PatientRef: "pat-1", PractitionerRef: "doc-1", CoverageRef: "plan-1"}); err != nil {
		t.Fatalf("assign general data: %v", err)
	}
	items := []AnalysisRecord{analysis("glu", "10", "0"), analysis("hb", "20", "5")}
	if err := f.svc.CommitAnalyses(ctx, sess, items, false, "AUTH-1"); err != nil {
		t.Fatalf("commit analyses: %v", err)
	}
	return sess
}

// settle makes the draft reconcile: subtotal 25, IVA 21% = 5.25, paid 30.25.
func (f *fixture) settle(t *testing.T, sess *Session) {
	t.Helper()
	pct := d("21")
	if err := f.svc.SetIVA(sess, &pct); err != nil {
		t.Fatalf("set iva: %v", err)
	}
	if _, err := f.svc.AddPayment(sess, PaymentInput{Method: "CASH", Amount: d("30.25")}); err != nil {
		t.Fatalf("add payment: %v", err)
	}
}

func (f *fixture) atAwaitingExtraction(t *testing.T) *Session {
	t.Helper()
	sess := f.atCollection(t)
	f.settle(t, sess)
	if _, err := f.svc.SubmitCollection(ctx, sess); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.svc.RecordInvoice(ctx, sess, "INV-1"); err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if err := f.svc.EndBillingPhase(ctx, sess); err != nil {
		t.Fatalf("end billing: %v", err)
	}
	if err := f.svc.SendToExtraction(ctx, sess); err != nil {
		t.Fatalf("send to extraction: %v", err)
	}
	return sess
}

// -- Service Tests --

func TestStart_IdempotentOnToken(t *testing.T) {
	f := newFixture()
	sess := f.started(t)

	// A client retrying after a lost response comes back with the same token.
	retry := &Session{Token: sess.Token, Kind: sess.Kind}
	enc, err := f.svc.Start(ctx, retry, Seed{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc.ID != sess.EncounterID {
		t.Errorf("expected the same encounter, got %s and %s", enc.ID, sess.EncounterID)
	}
	if f.repo.creates != 1 {
		t.Errorf("expected one encounter created, got %d", f.repo.creates)
	}
	if sess.Phase() != PhaseRegisteringGeneralData {
		t.Errorf("unexpected initial phase %s", sess.Phase())
	}
}

func TestStart_SavesSession(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	loaded, err := f.svc.LoadSession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.EncounterID != sess.EncounterID {
		t.Error("stored session does not carry the encounter")
	}
}

type downSessionStore struct{ *MemorySessionStore }

func (downSessionStore) Save(context.Context, *Session, time.Duration) error {
	return errors.New("session store unavailable")
}

func TestStart_RetryAfterLostCreate(t *testing.T) {
	f := newFixture()
	f.repo.lostErr = apperror.Network("createEncounter", errors.New("connection reset after commit"))

	sess := NewSession("laboratory")
	if _, err := f.svc.Start(ctx, sess, Seed{}); !apperror.IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}

	stored, err := f.svc.LoadSession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("token must be stored before the create: %v", err)
	}
	if stored.Started() {
		t.Error("stored session must not claim an encounter yet")
	}
	enc, err := f.svc.Start(ctx, stored, Seed{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if f.repo.creates != 1 {
		t.Errorf("expected one encounter created, got %d", f.repo.creates)
	}
	if stored.EncounterID != enc.ID {
		t.Error("retried session does not carry the encounter")
	}
}

func TestStart_SessionStoreDownCreatesNothing(t *testing.T) {
	f := newFixture(WithSessionStore(downSessionStore{NewMemorySessionStore()}))
	if _, err := f.svc.Start(ctx, NewSession("laboratory"), Seed{}); err == nil {
		t.Fatal("expected an error")
	}
	if f.repo.creates != 0 {
		t.Errorf("no encounter may be created without a stored token, got %d", f.repo.creates)
	}
}

func TestAssignGeneralData_MissingReference(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	err := f.svc.AssignGeneralData(ctx, sess, GeneralData{PatientRef: "pat-1", PractitionerRef: " "})
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.repo.commits != 0 {
		t.Error("a failed gate must not reach the repository")
	}
	if sess.NeedsResync {
		t.Error("validation errors do not require a resync")
	}
}

func TestCommitAnalyses_BuildsDraft(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	if sess.Phase() != PhaseOnCollection {
		t.Fatalf("expected ON_COLLECTION_PROCESS, got %s", sess.Phase())
	}
	if len(sess.Draft.Items) != 2 {
		t.Fatalf("expected 2 draft items, got %d", len(sess.Draft.Items))
	}
	for _, it := range sess.Draft.Items {
		if !it.Selected {
			t.Errorf("item %s should start selected", it.AnalysisID)
		}
	}
	sum := f.svc.Summary(sess)
	if !sum.Subtotal.Equal(d("25")) {
		t.Errorf("expected subtotal 25, got %s", sum.Subtotal)
	}
}

func TestCommitAnalyses_RejectsBadAmounts(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	f.svc.AssignGeneralData(ctx, sess, GeneralData{PatientRef: "p", PractitionerRef: "d", CoverageRef: "c"})

	tests := []struct {
		name  string
		items []AnalysisRecord
	}{
		{"empty", nil},
		{"no id", []AnalysisRecord{analysis("", "1", "0")}},
		{"negative", []AnalysisRecord{analysis("glu", "-1", "0")}},
		{"over covered", []AnalysisRecord{analysis("glu", "5", "6")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.svc.CommitAnalyses(ctx, sess, tt.items, false, ""); !apperror.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
	if sess.Phase() != PhaseRegisteringAnalyses {
		t.Errorf("phase changed to %s", sess.Phase())
	}
}

func TestSubmitCollection_GateNotMet(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	_, err := f.svc.SubmitCollection(ctx, sess)
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(f.gw.submitted) != 0 {
		t.Error("gateway must not be called when the gate fails")
	}
}

func TestSubmitCollection_Success(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	f.settle(t, sess)

	ref, err := f.svc.SubmitCollection(ctx, sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Phase() != PhaseOnBilling {
		t.Errorf("expected ON_BILLING_PROCESS, got %s", sess.Phase())
	}
	if sess.Snapshot.PaymentRef == nil || *sess.Snapshot.PaymentRef != string(ref) {
		t.Errorf("payment reference not recorded: %v", sess.Snapshot.PaymentRef)
	}
	req := f.gw.submitted[0]
	if req.Total != "30.25" || req.IVA != "5.25" || req.IVAPercentage != "21.00" {
		t.Errorf("unexpected submission %+v", req)
	}
	if len(sess.Snapshot.PaymentEntries) != 1 || len(sess.Snapshot.BillableItems) != 2 {
		t.Error("committed sheet missing from snapshot")
	}
}

func TestSubmitCollection_UnknownOutcomeRequiresResync(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	f.settle(t, sess)
	f.gw.submitErr = errors.New("connection reset")

	_, err := f.svc.SubmitCollection(ctx, sess)
	if !apperror.IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !sess.NeedsResync {
		t.Fatal("expected session to require resync")
	}

	_, err = f.svc.SubmitCollection(ctx, sess)
	if !apperror.IsConflict(err) {
		t.Fatalf("expected conflict while resync pending, got %v", err)
	}

	if err := f.svc.Resync(ctx, sess); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if sess.NeedsResync {
		t.Fatal("resync must clear the flag")
	}
	if len(sess.Draft.Payments) != 1 {
		t.Error("resync during collection keeps the registered payments")
	}
	if _, err := f.svc.SubmitCollection(ctx, sess); err != nil {
		t.Fatalf("submit after resync: %v", err)
	}
}

type countingLocker struct {
	*locker.Local
	attempts int
}

func (l *countingLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.attempts++
	return l.Local.TryLock(ctx, key, ttl)
}

func TestCommitPayment_GateCheckedBeforeGuard(t *testing.T) {
	locks := &countingLocker{Local: locker.NewLocal()}
	f := newFixture(WithLocker(locks))
	sess := f.atCollection(t)
	before := locks.attempts

	err := f.svc.CommitPayment(ctx, sess, "PAY-1")
	if !apperror.IsValidation(err) {
		t.Fatalf("expected validation error for an unpaid draft, got %v", err)
	}
	if err := f.svc.CommitPayment(ctx, sess, " "); !apperror.IsValidation(err) {
		t.Fatalf("expected validation error for an empty reference, got %v", err)
	}
	if locks.attempts != before {
		t.Errorf("a failed gate must not take the in-flight guard, got %d attempts", locks.attempts-before)
	}
	if sess.NeedsResync {
		t.Error("validation errors must not require a resync")
	}
}

func TestAddPayment_CashMergeNotice(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	if _, err := f.svc.AddPayment(sess, PaymentInput{Method: "cash", Amount: d("10")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	notice, err := f.svc.AddPayment(sess, PaymentInput{Method: "EFECTIVO", Amount: d("5")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notice == nil || !notice.NewAmount.Equal(d("15")) {
		t.Fatalf("expected merge notice with 15, got %+v", notice)
	}
	if len(sess.Draft.Payments) != 1 {
		t.Errorf("expected one cash entry, got %d", len(sess.Draft.Payments))
	}
}

func TestAddPayment_UnknownMethod(t *testing.T) {
	lenient := newFixture()
	sess := lenient.atCollection(t)
	if _, err := lenient.svc.AddPayment(sess, PaymentInput{Method: "BARTER", Amount: d("1")}); err != nil {
		t.Fatalf("lenient mode: %v", err)
	}
	if sess.Draft.Payments[0].Method != billing.MethodCash {
		t.Errorf("expected fallback to cash, got %s", sess.Draft.Payments[0].Method)
	}

	strict := newFixture(WithStrictMethods(true))
	sess = strict.atCollection(t)
	if _, err := strict.svc.AddPayment(sess, PaymentInput{Method: "BARTER", Amount: d("1")}); !apperror.IsValidation(err) {
		t.Fatalf("strict mode: expected validation error, got %v", err)
	}
}

func TestDraftOps_OnlyDuringCollection(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	if err := f.svc.SetCoinsurance(sess, d("1")); !apperror.IsValidation(err) {
		t.Errorf("expected validation outside collection, got %v", err)
	}
	if err := f.svc.ToggleItem(sess, uuid.New(), false); !apperror.IsValidation(err) {
		t.Errorf("expected validation outside collection, got %v", err)
	}
}

func TestToggleItem_ChangesSummary(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	glu := sess.Draft.Items[0].ID
	if err := f.svc.ToggleItem(sess, glu, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum := f.svc.Summary(sess); !sum.Subtotal.Equal(d("15")) || sum.SelectedCount != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if err := f.svc.ToggleItem(sess, uuid.New(), true); !apperror.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestReverse_FromCollectionPurges(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	f.settle(t, sess)

	if err := f.svc.Reverse(ctx, sess); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Phase() != PhaseRegisteringAnalyses {
		t.Fatalf("expected REGISTERING_ANALYSES, got %s", sess.Phase())
	}
	if len(sess.Snapshot.Analyses) != 0 {
		t.Error("analyses must be purged when leaving collection backwards")
	}
	if len(sess.Draft.Items) != 0 || len(sess.Draft.Payments) != 0 {
		t.Error("draft must be empty after reversing out of collection")
	}

	// Re-entering starts from a clean list.
	if err := f.svc.CommitAnalyses(ctx, sess, []AnalysisRecord{analysis("glu", "10", "0")}, false, ""); err != nil {
		t.Fatalf("recommit: %v", err)
	}
	if len(sess.Draft.Items) != 1 {
		t.Errorf("expected one item after recommit, got %d", len(sess.Draft.Items))
	}
}

func TestReverse_InitialPhase(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	if err := f.svc.Reverse(ctx, sess); !apperror.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStaleSnapshot_Conflict(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	stale := *sess

	if err := f.svc.AssignGeneralData(ctx, sess, GeneralData{PatientRef: "p", PractitionerRef: "d", CoverageRef: "c"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := f.svc.AssignGeneralData(ctx, &stale, GeneralData{PatientRef: "p2", PractitionerRef: "d2", CoverageRef: "c2"})
	if !apperror.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !stale.NeedsResync {
		t.Error("a conflict must require a resync")
	}
	if stale.Phase() != PhaseRegisteringGeneralData {
		t.Error("a refused commit must not move the local snapshot")
	}
	if err := f.svc.Resync(ctx, &stale); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if stale.Phase() != PhaseRegisteringAnalyses {
		t.Errorf("expected resync to pick up the remote phase, got %s", stale.Phase())
	}
}

func TestInflightGuard_Conflict(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	if _, ok, _ := f.locks.TryLock(ctx, guardKey(sess.EncounterID), time.Minute); !ok {
		t.Fatal("could not take guard")
	}
	err := f.svc.AssignGeneralData(ctx, sess, GeneralData{PatientRef: "p", PractitionerRef: "d", CoverageRef: "c"})
	if !apperror.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !sess.NeedsResync {
		t.Error("expected resync to be required")
	}
	if f.repo.commits != 0 {
		t.Error("guarded operation must not reach the repository")
	}
}

func TestRepositoryFailure_RequiresResync(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	f.repo.failErr = errors.New("connection refused")
	err := f.svc.AssignGeneralData(ctx, sess, GeneralData{PatientRef: "p", PractitionerRef: "d", CoverageRef: "c"})
	if !apperror.IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !sess.NeedsResync {
		t.Error("expected resync to be required")
	}
}

func TestFlow_ToExtractionAndFinish(t *testing.T) {
	f := newFixture()
	sess := f.atAwaitingExtraction(t)

	if sess.Phase() != PhaseAwaitingExtraction {
		t.Fatalf("expected AWAITING_EXTRACTION, got %s", sess.Phase())
	}
	if sess.Snapshot.ReceiptNumber == nil || *sess.Snapshot.ReceiptNumber != "R-0001" {
		t.Errorf("receipt not recorded: %v", sess.Snapshot.ReceiptNumber)
	}

	if err := f.svc.StartExtraction(ctx, sess, "box-1"); err != nil {
		t.Fatalf("start extraction: %v", err)
	}
	if sess.Phase() != PhaseInExtraction || *sess.Snapshot.AssignedResourceID != "box-1" {
		t.Fatalf("unexpected state %s / %v", sess.Phase(), sess.Snapshot.AssignedResourceID)
	}

	if err := f.svc.FinishExtraction(ctx, sess); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if sess.Phase() != PhaseFinished || !sess.Closed {
		t.Errorf("expected closed FINISHED session, got %s closed=%v", sess.Phase(), sess.Closed)
	}
	if len(f.gate.released) != 1 || f.gate.released[0] != "box-1" {
		t.Errorf("expected release revalidation of box-1, got %v", f.gate.released)
	}
}

func TestConfirm_Finishes(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	f.settle(t, sess)
	f.svc.SubmitCollection(ctx, sess)

	if err := f.svc.EndBillingPhase(ctx, sess); !apperror.IsValidation(err) {
		t.Fatalf("expected validation without invoice, got %v", err)
	}
	f.svc.RecordInvoice(ctx, sess, "INV-9")
	if err := f.svc.EndBillingPhase(ctx, sess); err != nil {
		t.Fatalf("end billing: %v", err)
	}
	if err := f.svc.Confirm(ctx, sess); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if sess.Phase() != PhaseFinished || !sess.Closed {
		t.Errorf("expected FINISHED, got %s", sess.Phase())
	}
	if f.gw.completed != 1 {
		t.Errorf("expected one completion call, got %d", f.gw.completed)
	}
}

func TestStartExtraction_BoxBusy(t *testing.T) {
	f := newFixture()
	sess := f.atAwaitingExtraction(t)
	f.gate.startErr = apperror.Conflict("revalidateStart", "box box-1 is busy")

	err := f.svc.StartExtraction(ctx, sess, "box-1")
	if !apperror.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if sess.Phase() != PhaseAwaitingExtraction {
		t.Errorf("local phase changed to %s", sess.Phase())
	}
	if got := f.repo.phaseOf(sess.EncounterID); got != PhaseAwaitingExtraction {
		t.Errorf("stored phase changed to %s", got)
	}
	if !sess.NeedsResync {
		t.Error("a busy box means the local view was stale")
	}
}

func TestReverse_FromExtractionReturnsToQueue(t *testing.T) {
	f := newFixture()
	sess := f.atAwaitingExtraction(t)
	f.svc.StartExtraction(ctx, sess, "box-2")

	if err := f.svc.Reverse(ctx, sess); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Phase() != PhaseAwaitingExtraction {
		t.Errorf("expected AWAITING_EXTRACTION, got %s", sess.Phase())
	}
	if sess.Snapshot.AssignedResourceID != nil {
		t.Error("box must be released")
	}
	if sess.Snapshot.ReceiptNumber == nil {
		t.Error("returning to the queue keeps the receipt")
	}
}

func TestReverse_FromAwaitingExtractionKeepsReceipt(t *testing.T) {
	f := newFixture()
	sess := f.atAwaitingExtraction(t)

	if err := f.svc.Reverse(ctx, sess); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if sess.Phase() != PhaseAwaitingConfirmation {
		t.Fatalf("expected AWAITING_CONFIRMATION, got %s", sess.Phase())
	}
	if sess.Snapshot.ReceiptNumber == nil || sess.Receipt == nil {
		t.Fatal("the receipt of the completed collection must survive the reversal")
	}

	if err := f.svc.SendToExtraction(ctx, sess); err != nil {
		t.Fatalf("send to extraction again: %v", err)
	}
	if f.gw.completed != 1 {
		t.Errorf("collection must be completed once at the gateway, got %d", f.gw.completed)
	}
}

func TestTerminal_Refusals(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	if err := f.svc.Cancel(ctx, sess, ""); !apperror.IsValidation(err) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	if err := f.svc.Cancel(ctx, sess, "patient left"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !sess.Closed || sess.Phase() != PhaseCanceled {
		t.Fatalf("expected closed CANCELED session")
	}

	if err := f.svc.Reverse(ctx, sess); !apperror.IsTerminal(err) {
		t.Errorf("reverse: expected terminal, got %v", err)
	}
	if _, err := f.svc.AddPayment(sess, PaymentInput{Method: "CASH", Amount: d("1")}); !apperror.IsTerminal(err) {
		t.Errorf("add payment: expected terminal, got %v", err)
	}
	if err := f.svc.MarkFailed(ctx, sess, "x"); !apperror.IsTerminal(err) {
		t.Errorf("mark failed: expected terminal, got %v", err)
	}
	if err := f.svc.ResumeNavigation(sess, PhaseRegisteringAnalyses); !apperror.IsTerminal(err) {
		t.Errorf("resume: expected terminal, got %v", err)
	}
}

func TestMarkFailed(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	if err := f.svc.MarkFailed(ctx, sess, " "); !apperror.IsValidation(err) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	if err := f.svc.MarkFailed(ctx, sess, "sample lost"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Phase() != PhaseFailed || *sess.Snapshot.CloseReason != "sample lost" {
		t.Errorf("unexpected state %s", sess.Phase())
	}
}

func TestResumeNavigation(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	if err := f.svc.ResumeNavigation(sess, PhaseRegisteringAnalyses); err != nil {
		t.Errorf("earlier phase: %v", err)
	}
	if err := f.svc.ResumeNavigation(sess, PhaseOnCollection); err != nil {
		t.Errorf("current phase: %v", err)
	}
	if err := f.svc.ResumeNavigation(sess, PhaseOnBilling); !apperror.IsValidation(err) {
		t.Errorf("later phase: expected validation, got %v", err)
	}
	if got, _ := f.svc.MostAdvanced(sess); got != PhaseOnCollection {
		t.Errorf("most advanced = %s", got)
	}
}

func TestEvents_PublishedOnPhaseChange(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	f.settle(t, sess)
	f.svc.SubmitCollection(ctx, sess)
	f.svc.RecordInvoice(ctx, sess, "INV-1")

	evs := f.events.Events()
	// general data, analyses, payment; the invoice does not change phase.
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(evs), evs)
	}
	last := evs[2]
	if last.From != string(PhaseOnCollection) || last.To != string(PhaseOnBilling) || last.EncounterID != sess.EncounterID.String() {
		t.Errorf("unexpected event %+v", last)
	}
}

type failingArchive struct{ calls int }

func (a *failingArchive) Store(context.Context, string, *billing.Receipt) error {
	a.calls++
	return errors.New("bucket unavailable")
}

func TestReceiptArchiveFailureDoesNotBlock(t *testing.T) {
	archive := &failingArchive{}
	f := newFixture(WithReceiptArchive(archive))
	sess := f.atAwaitingExtraction(t)
	if archive.calls != 1 {
		t.Errorf("expected one archive attempt, got %d", archive.calls)
	}
	if sess.Phase() != PhaseAwaitingExtraction {
		t.Errorf("unexpected phase %s", sess.Phase())
	}
}

func TestSaveSession_ClosedIsDeleted(t *testing.T) {
	f := newFixture()
	sess := f.started(t)
	sess.Closed = true
	if err := f.svc.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := f.svc.LoadSession(ctx, sess.Token); !apperror.IsNotFound(err) {
		t.Errorf("expected closed session to be gone, got %v", err)
	}
}

func TestSetIVA_ZeroIsAChoice(t *testing.T) {
	f := newFixture()
	sess := f.atCollection(t)
	zero := decimal.Zero
	f.svc.SetIVA(sess, &zero)
	f.svc.AddPayment(sess, PaymentInput{Method: "TRANSFER", Amount: d("25")})
	if _, err := f.svc.SubmitCollection(ctx, sess); err != nil {
		t.Fatalf("0%% IVA must satisfy the gate: %v", err)
	}
}
