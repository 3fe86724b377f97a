package encounter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/domain/billing"
	"github.com/labflow/labflow/internal/platform/apperror"
	"github.com/labflow/labflow/internal/platform/events"
	"github.com/labflow/labflow/internal/platform/locker"
)

// ResourceGate revalidates an extraction box against the authoritative
// in-extraction list right before a commit.
type ResourceGate interface {
	// RevalidateStart returns a Conflict error when another encounter
	// currently holds resourceID.
	RevalidateStart(ctx context.Context, encounterID uuid.UUID, resourceID string) error
	// RevalidateRelease returns a Conflict error when encounterID no longer
	// holds resourceID.
	RevalidateRelease(ctx context.Context, encounterID uuid.UUID, resourceID string) error
}

// Option configures a Service.
type Option func(*Service)

func WithResourceGate(g ResourceGate) Option { return func(s *Service) { s.gate = g } }

func WithLocker(l locker.Locker) Option { return func(s *Service) { s.locker = l } }

func WithSessionStore(st SessionStore) Option { return func(s *Service) { s.sessions = st } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithReceiptArchive(a billing.ReceiptArchive) Option { return func(s *Service) { s.archive = a } }

// WithStrictMethods rejects payment method strings matching no known
// variant instead of treating them as cash.
func WithStrictMethods(strict bool) Option {
	return func(s *Service) { s.resolver = billing.MethodResolver{Strict: strict} }
}

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithSessionTTL(d time.Duration) Option { return func(s *Service) { s.sessionTTL = d } }

func WithInflightTTL(d time.Duration) Option { return func(s *Service) { s.inflightTTL = d } }

// Service drives encounters through their phases. Every phase-committing
// operation follows the same protocol: refuse while a resync is pending,
// refuse terminal encounters, check the local guards, take the
// per-encounter in-flight guard, then commit against the repository. The
// session's snapshot only ever changes to what the repository returned.
type Service struct {
	repo        Repository
	gateway     billing.Gateway
	gate        ResourceGate
	locker      locker.Locker
	sessions    SessionStore
	publisher   events.Publisher
	archive     billing.ReceiptArchive
	resolver    billing.MethodResolver
	logger      zerolog.Logger
	now         func() time.Time
	sessionTTL  time.Duration
	inflightTTL time.Duration
}

func NewService(repo Repository, gateway billing.Gateway, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		gateway:     gateway,
		locker:      locker.NewLocal(),
		sessions:    NewMemorySessionStore(),
		publisher:   events.Nop{},
		archive:     billing.NopArchive{},
		logger:      zerolog.Nop(),
		now:         time.Now,
		sessionTTL:  8 * time.Hour,
		inflightTTL: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("component", "encounter").Logger()
	return s
}

// ---- sessions ----

// LoadSession fetches a session by token.
func (s *Service) LoadSession(ctx context.Context, token uuid.UUID) (*Session, error) {
	return s.sessions.Load(ctx, token)
}

// SaveSession stores sess, or forgets it once it is closed.
func (s *Service) SaveSession(ctx context.Context, sess *Session) error {
	if sess.Closed {
		return s.sessions.Delete(ctx, sess.Token)
	}
	sess.UpdatedAt = s.now()
	return s.sessions.Save(ctx, sess, s.sessionTTL)
}

// Start opens the session's encounter. A session that already carries an
// encounter re-fetches it instead of creating another; an unstarted
// session uses its token as the creation key, so retrying Start after an
// unknown outcome cannot create a duplicate. The unstarted session is
// stored before the create so its token survives a failed attempt.
func (s *Service) Start(ctx context.Context, sess *Session, seed Seed) (*Encounter, error) {
	const op = "start"
	if sess.Closed {
		return nil, apperror.Terminal(op, string(sess.Phase()))
	}

	var enc *Encounter
	var err error
	if sess.Started() {
		enc, err = s.repo.GetEncounter(ctx, sess.EncounterID)
	} else {
		if err := s.SaveSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("store session before create: %w", err)
		}
		seed.CreationToken = sess.Token
		enc, err = s.repo.CreateEncounter(ctx, sess.Kind, seed)
	}
	if err != nil {
		return nil, s.classify(op, err)
	}

	sess.EncounterID = enc.ID
	sess.Snapshot = enc
	sess.NeedsResync = false
	sess.Closed = enc.Phase.IsTerminal()
	sess.Draft = rebuildDraft(enc, sess.Draft)
	if err := s.SaveSession(ctx, sess); err != nil {
		return enc, err
	}
	s.logger.Info().
		Str("encounter_id", enc.ID.String()).
		Str("session", sess.Token.String()).
		Str("phase", string(enc.Phase)).
		Msg("session started")
	return enc, nil
}

// Abandon ends the session without touching the encounter.
func (s *Service) Abandon(ctx context.Context, sess *Session) error {
	sess.Closed = true
	return s.sessions.Delete(ctx, sess.Token)
}

// Resync replaces the snapshot with a fresh read and rebuilds the draft
// from it. It is the only way to clear a pending resync.
func (s *Service) Resync(ctx context.Context, sess *Session) error {
	const op = "resync"
	if !sess.Started() {
		return apperror.Validation(op, "session has no encounter")
	}
	enc, err := s.repo.GetEncounter(ctx, sess.EncounterID)
	if err != nil {
		return s.classify(op, err)
	}
	sess.Snapshot = enc
	sess.NeedsResync = false
	sess.Closed = enc.Phase.IsTerminal()
	sess.Draft = rebuildDraft(enc, sess.Draft)
	if enc.ReceiptNumber == nil {
		sess.Receipt = nil
	}
	s.logger.Info().
		Str("encounter_id", enc.ID.String()).
		Str("phase", string(enc.Phase)).
		Msg("session resynchronized")
	return nil
}

// rebuildDraft derives the collection worksheet from a snapshot. Before
// collection there is nothing to bill. During collection the item list
// follows the de-duplicated analyses, keeping the operator's selections
// and payments from the previous draft. Once the sheet has been committed
// the committed sheet is authoritative.
func rebuildDraft(enc *Encounter, prev billing.Sheet) billing.Sheet {
	if enc.Phase.Rank() < PhaseOnCollection.Rank() {
		return billing.Sheet{}
	}
	if enc.Phase != PhaseOnCollection && len(enc.BillableItems) > 0 {
		return enc.Sheet()
	}
	selected := make(map[uuid.UUID]bool, len(prev.Items))
	for _, it := range prev.Items {
		selected[it.ID] = it.Selected
	}
	out := prev.Clone()
	out.Items = ItemsFromAnalyses(enc.ID, enc.Analyses)
	for i := range out.Items {
		if sel, ok := selected[out.Items[i].ID]; ok {
			out.Items[i].Selected = sel
		}
	}
	return out
}

// ---- phase operations ----

// AssignGeneralData records the patient, practitioner and coverage
// references and moves to REGISTERING_ANALYSES.
func (s *Service) AssignGeneralData(ctx context.Context, sess *Session, data GeneralData) error {
	const op = "assignGeneralData"
	data.PatientRef = strings.TrimSpace(data.PatientRef)
	data.PractitionerRef = strings.TrimSpace(data.PractitionerRef)
	data.CoverageRef = strings.TrimSpace(data.CoverageRef)
	return s.commit(ctx, sess, transition{
		op: op,
		to: PhaseRegisteringAnalyses,
		validate: func(*Encounter) error {
			var missing []string
			if data.PatientRef == "" {
				missing = append(missing, "patient")
			}
			if data.PractitionerRef == "" {
				missing = append(missing, "practitioner")
			}
			if data.CoverageRef == "" {
				missing = append(missing, "coverage")
			}
			if len(missing) > 0 {
				return apperror.Validation(op, "missing %s reference", strings.Join(missing, ", "))
			}
			return nil
		},
		payload: CommitPayload{General: &data},
	})
}

// CommitAnalyses records the analyses authorized for the encounter and
// moves to ON_COLLECTION_PROCESS. The repository appends the records; the
// draft is rebuilt from the de-duplicated list.
func (s *Service) CommitAnalyses(ctx context.Context, sess *Session, items []AnalysisRecord, urgent bool, authorizationNumber string) error {
	const op = "commitAnalyses"
	payload := CommitPayload{Analyses: DedupAnalyses(items), Urgent: &urgent}
	if a := strings.TrimSpace(authorizationNumber); a != "" {
		payload.AuthorizationNumber = &a
	}
	return s.commit(ctx, sess, transition{
		op: op,
		to: PhaseOnCollection,
		validate: func(*Encounter) error {
			if len(items) == 0 {
				return apperror.Validation(op, "at least one analysis is required")
			}
			for _, it := range items {
				if strings.TrimSpace(it.AnalysisID) == "" {
					return apperror.Validation(op, "analysis id is required")
				}
				if it.TotalAmount.IsNegative() || it.CoveredAmount.IsNegative() {
					return apperror.Validation(op, "analysis %s has a negative amount", it.AnalysisID)
				}
				if it.CoveredAmount.GreaterThan(it.TotalAmount) {
					return apperror.Validation(op, "analysis %s covers more than its total", it.AnalysisID)
				}
			}
			return nil
		},
		payload: payload,
	})
}

// SubmitCollection checks the collection gate, submits the payment to the
// gateway and commits the returned reference, moving to ON_BILLING_PROCESS.
// An unknown gateway outcome marks the session for resync; the gateway
// deduplicates a resubmission for the same encounter.
func (s *Service) SubmitCollection(ctx context.Context, sess *Session) (billing.PaymentRef, error) {
	const op = "submitCollection"
	if err := s.ready(sess, op); err != nil {
		return "", err
	}
	if err := requirePhase(op, sess, PhaseOnCollection); err != nil {
		return "", err
	}
	sum := billing.Reconcile(sess.Draft)
	req, err := billing.BuildSubmission(sess.EncounterID.String(), sum, sess.Draft.Payments)
	if err != nil {
		return "", err
	}

	release, err := s.acquire(ctx, sess, op)
	if err != nil {
		return "", err
	}
	defer release()

	ref, err := s.gateway.SubmitPayment(ctx, req)
	if err != nil {
		return "", s.fail(sess, op, err)
	}
	s.logger.Info().
		Str("encounter_id", sess.EncounterID.String()).
		Str("payment_ref", string(ref)).
		Str("total", req.Total).
		Msg("payment submitted")

	if err := s.commitPaymentLocked(ctx, sess, ref); err != nil {
		return ref, err
	}
	return ref, nil
}

// CommitPayment records a payment reference obtained from the gateway and
// moves to ON_BILLING_PROCESS. The draft must reconcile at call time.
func (s *Service) CommitPayment(ctx context.Context, sess *Session, ref billing.PaymentRef) error {
	const op = "commitPayment"
	if err := s.ready(sess, op); err != nil {
		return err
	}
	if err := requirePhase(op, sess, PhaseOnCollection); err != nil {
		return err
	}
	if err := checkPayment(op, sess, ref); err != nil {
		return err
	}
	release, err := s.acquire(ctx, sess, op)
	if err != nil {
		return err
	}
	defer release()
	return s.commitPaymentLocked(ctx, sess, ref)
}

func checkPayment(op string, sess *Session, ref billing.PaymentRef) error {
	if strings.TrimSpace(string(ref)) == "" {
		return apperror.Validation(op, "payment reference is required")
	}
	return billing.CheckCollectionGate(billing.Reconcile(sess.Draft))
}

func (s *Service) commitPaymentLocked(ctx context.Context, sess *Session, ref billing.PaymentRef) error {
	const op = "commitPayment"
	if err := checkPayment(op, sess, ref); err != nil {
		return err
	}
	sheet := sess.Draft.Clone()
	r := string(ref)
	return s.commitLocked(ctx, sess, transition{
		op:      op,
		to:      PhaseOnBilling,
		payload: CommitPayload{Sheet: &sheet, PaymentRef: &r},
	})
}

// RecordInvoice stores the invoice reference while billing.
func (s *Service) RecordInvoice(ctx context.Context, sess *Session, invoiceRef string) error {
	const op = "recordInvoice"
	ref := strings.TrimSpace(invoiceRef)
	return s.commit(ctx, sess, transition{
		op: op,
		to: PhaseOnBilling,
		validate: func(e *Encounter) error {
			if err := requirePhase(op, sess, PhaseOnBilling); err != nil {
				return err
			}
			if ref == "" {
				return apperror.Validation(op, "invoice reference is required")
			}
			return nil
		},
		payload: CommitPayload{InvoiceRef: &ref},
	})
}

// EndBillingPhase moves to AWAITING_CONFIRMATION once an invoice exists.
func (s *Service) EndBillingPhase(ctx context.Context, sess *Session) error {
	const op = "endBillingPhase"
	return s.commit(ctx, sess, transition{
		op: op,
		to: PhaseAwaitingConfirmation,
		validate: func(e *Encounter) error {
			if e.InvoiceRef == nil || *e.InvoiceRef == "" {
				return apperror.Validation(op, "an invoice reference must be recorded first")
			}
			return nil
		},
	})
}

// Confirm completes the collection with the gateway and finishes the
// encounter.
func (s *Service) Confirm(ctx context.Context, sess *Session) error {
	return s.completeAndCommit(ctx, sess, "confirm", PhaseFinished)
}

// SendToExtraction completes the collection with the gateway and queues
// the encounter for specimen extraction.
func (s *Service) SendToExtraction(ctx context.Context, sess *Session) error {
	return s.completeAndCommit(ctx, sess, "sendToExtraction", PhaseAwaitingExtraction)
}

func (s *Service) completeAndCommit(ctx context.Context, sess *Session, op string, to Phase) error {
	if err := s.ready(sess, op); err != nil {
		return err
	}
	if err := requirePhase(op, sess, PhaseAwaitingConfirmation); err != nil {
		return err
	}
	if sess.Snapshot.PaymentRef == nil {
		return apperror.Validation(op, "no payment reference recorded")
	}
	release, err := s.acquire(ctx, sess, op)
	if err != nil {
		return err
	}
	defer release()

	number, err := s.completeCollection(ctx, sess, op)
	if err != nil {
		return err
	}
	return s.commitLocked(ctx, sess, transition{
		op:      op,
		to:      to,
		payload: CommitPayload{ReceiptNumber: &number},
	})
}

// completeCollection obtains the receipt once per encounter. A receipt
// already recorded on the snapshot is reused.
func (s *Service) completeCollection(ctx context.Context, sess *Session, op string) (string, error) {
	if n := sess.Snapshot.ReceiptNumber; n != nil {
		return *n, nil
	}
	if sess.Receipt != nil && sess.Receipt.Number != "" {
		return sess.Receipt.Number, nil
	}
	receipt, err := s.gateway.CompleteCollection(ctx, billing.PaymentRef(*sess.Snapshot.PaymentRef))
	if err != nil {
		return "", s.fail(sess, op, err)
	}
	if receipt.Number == "" {
		return "", s.fail(sess, op, errors.New("gateway returned a receipt without number"))
	}
	sess.Receipt = receipt
	if err := s.archive.Store(ctx, sess.EncounterID.String(), receipt); err != nil {
		s.logger.Warn().Err(err).
			Str("encounter_id", sess.EncounterID.String()).
			Str("receipt", receipt.Number).
			Msg("receipt archival failed")
	}
	return receipt.Number, nil
}

// StartExtraction binds boxID to the encounter and moves to IN_EXTRACTION.
// The box is revalidated against the repository under the in-flight guard;
// a box found busy is refused with a Conflict and the phase is unchanged.
func (s *Service) StartExtraction(ctx context.Context, sess *Session, boxID string) error {
	const op = "startExtraction"
	boxID = strings.TrimSpace(boxID)
	if err := s.ready(sess, op); err != nil {
		return err
	}
	if err := requirePhase(op, sess, PhaseAwaitingExtraction); err != nil {
		return err
	}
	if boxID == "" {
		return apperror.Validation(op, "box id is required")
	}
	if s.gate == nil {
		return errors.New("startExtraction: no resource gate configured")
	}
	release, err := s.acquire(ctx, sess, op)
	if err != nil {
		return err
	}
	defer release()

	if err := s.gate.RevalidateStart(ctx, sess.EncounterID, boxID); err != nil {
		return s.fail(sess, op, err)
	}
	return s.commitLocked(ctx, sess, transition{
		op:      op,
		to:      PhaseInExtraction,
		payload: CommitPayload{ResourceID: &boxID},
	})
}

// ReturnToQueue releases the encounter's box and moves it back to
// AWAITING_EXTRACTION.
func (s *Service) ReturnToQueue(ctx context.Context, sess *Session) error {
	return s.leaveExtraction(ctx, sess, "returnToQueue", PhaseAwaitingExtraction)
}

// FinishExtraction ends the extraction and finishes the encounter.
func (s *Service) FinishExtraction(ctx context.Context, sess *Session) error {
	return s.leaveExtraction(ctx, sess, "finishExtraction", PhaseFinished)
}

func (s *Service) leaveExtraction(ctx context.Context, sess *Session, op string, to Phase) error {
	if err := s.ready(sess, op); err != nil {
		return err
	}
	if err := requirePhase(op, sess, PhaseInExtraction); err != nil {
		return err
	}
	if s.gate == nil {
		return errors.New(op + ": no resource gate configured")
	}
	release, err := s.acquire(ctx, sess, op)
	if err != nil {
		return err
	}
	defer release()

	if res := sess.Snapshot.AssignedResourceID; res != nil {
		if err := s.gate.RevalidateRelease(ctx, sess.EncounterID, *res); err != nil {
			return s.fail(sess, op, err)
		}
	}
	return s.commitLocked(ctx, sess, transition{
		op:      op,
		to:      to,
		payload: CommitPayload{ClearResource: to == PhaseAwaitingExtraction},
	})
}

// Cancel closes the encounter with a reason.
func (s *Service) Cancel(ctx context.Context, sess *Session, reason string) error {
	const op = "cancel"
	reason = strings.TrimSpace(reason)
	if err := s.ready(sess, op); err != nil {
		return err
	}
	if reason == "" {
		return apperror.Validation(op, "a cancellation reason is required")
	}
	release, err := s.acquire(ctx, sess, op)
	if err != nil {
		return err
	}
	defer release()

	from := sess.Snapshot.Phase
	updated, err := s.repo.CancelEncounter(ctx, sess.EncounterID, reason)
	if err != nil {
		return s.fail(sess, op, err)
	}
	s.applied(ctx, sess, from, updated, reason)
	return nil
}

// MarkFailed moves the encounter to FAILED.
func (s *Service) MarkFailed(ctx context.Context, sess *Session, reason string) error {
	const op = "markFailed"
	reason = strings.TrimSpace(reason)
	return s.commit(ctx, sess, transition{
		op: op,
		to: PhaseFailed,
		validate: func(*Encounter) error {
			if reason == "" {
				return apperror.Validation(op, "a failure reason is required")
			}
			return nil
		},
		payload: CommitPayload{Reason: &reason},
	})
}

// Reverse moves the encounter one phase back. The repository purges what
// the phase being left recorded and the draft is rebuilt from the result,
// so re-entering the phase starts from a clean selection. Leaving
// IN_EXTRACTION is a return to the queue.
func (s *Service) Reverse(ctx context.Context, sess *Session) error {
	const op = "reverse"
	if err := s.ready(sess, op); err != nil {
		return err
	}
	from := sess.Snapshot.Phase
	if from == PhaseInExtraction {
		return s.ReturnToQueue(ctx, sess)
	}
	if _, ok := from.Previous(); !ok {
		return apperror.Validation(op, "phase %s has no previous phase", from)
	}
	release, err := s.acquire(ctx, sess, op)
	if err != nil {
		return err
	}
	defer release()

	updated, err := s.repo.ReversePhase(ctx, sess.EncounterID, from)
	if err != nil {
		return s.fail(sess, op, err)
	}
	s.applied(ctx, sess, from, updated, "")
	sess.Draft = rebuildDraft(updated, billing.Sheet{})
	if updated.ReceiptNumber == nil {
		sess.Receipt = nil
	}
	return nil
}

// MostAdvanced is the furthest phase the snapshot's data supports.
func (s *Service) MostAdvanced(sess *Session) (Phase, error) {
	if sess.Snapshot == nil {
		return "", apperror.Validation("mostAdvanced", "session has no encounter")
	}
	return sess.Snapshot.DerivedMostAdvanced(), nil
}

// ResumeNavigation checks that the operator may reopen target. The limit
// is derived from the data present on the snapshot, never from its stored
// phase fields.
func (s *Service) ResumeNavigation(sess *Session, target Phase) error {
	const op = "resumeNavigation"
	if sess.Snapshot == nil {
		return apperror.Validation(op, "session has no encounter")
	}
	if sess.Snapshot.Phase.IsTerminal() {
		return apperror.Terminal(op, string(sess.Snapshot.Phase))
	}
	if target.Rank() < 0 || target.IsTerminal() {
		return apperror.Validation(op, "cannot navigate to %s", target)
	}
	limit := sess.Snapshot.DerivedMostAdvanced()
	if target.Rank() > limit.Rank() {
		return apperror.Validation(op, "cannot resume at %s: recorded data reaches %s", target, limit)
	}
	return nil
}

// ---- collection draft (local, no I/O) ----

func (s *Service) draft(op string, sess *Session) (*billing.Sheet, error) {
	if sess.Closed || (sess.Snapshot != nil && sess.Snapshot.Phase.IsTerminal()) {
		return nil, apperror.Terminal(op, string(sess.Phase()))
	}
	if err := requirePhase(op, sess, PhaseOnCollection); err != nil {
		return nil, err
	}
	return &sess.Draft, nil
}

func (s *Service) ToggleItem(sess *Session, itemID uuid.UUID, selected bool) error {
	d, err := s.draft("toggleItem", sess)
	if err != nil {
		return err
	}
	return d.SelectItem(itemID, selected)
}

// PaymentInput is a payment as entered by the operator.
type PaymentInput struct {
	Method     string
	Amount     decimal.Decimal
	ReceiptRef *string
	AccountID  *string
}

// AddPayment registers a payment on the draft. A second cash contribution
// merges into the existing cash entry and the returned notice says so.
func (s *Service) AddPayment(sess *Session, in PaymentInput) (*billing.Notice, error) {
	const op = "addPayment"
	d, err := s.draft(op, sess)
	if err != nil {
		return nil, err
	}
	method, err := s.resolver.Resolve(in.Method)
	if err != nil {
		return nil, err
	}
	notice, err := d.AddPayment(billing.PaymentEntry{
		Method:     method,
		Amount:     in.Amount,
		ReceiptRef: in.ReceiptRef,
		AccountID:  in.AccountID,
	})
	if err != nil {
		return nil, err
	}
	if notice != nil {
		s.logger.Info().
			Str("encounter_id", sess.EncounterID.String()).
			Str("entry_id", notice.EntryID.String()).
			Str("amount", notice.NewAmount.String()).
			Msg(notice.Message)
	}
	return notice, nil
}

func (s *Service) RemovePayment(sess *Session, entryID uuid.UUID) error {
	d, err := s.draft("removePayment", sess)
	if err != nil {
		return err
	}
	return d.RemovePayment(entryID)
}

// SetIVA chooses the tax rate; nil clears the choice.
func (s *Service) SetIVA(sess *Session, percent *decimal.Decimal) error {
	d, err := s.draft("setIVA", sess)
	if err != nil {
		return err
	}
	return d.SetIVA(percent)
}

func (s *Service) SetCoinsurance(sess *Session, amount decimal.Decimal) error {
	d, err := s.draft("setCoinsurance", sess)
	if err != nil {
		return err
	}
	return d.SetCoinsurance(amount)
}

// Summary reconciles the session's worksheet.
func (s *Service) Summary(sess *Session) billing.Summary {
	return billing.Reconcile(sess.Draft)
}

// ---- transition protocol ----

type transition struct {
	op       string
	to       Phase
	validate func(*Encounter) error
	payload  CommitPayload
}

func (s *Service) commit(ctx context.Context, sess *Session, t transition) error {
	if err := s.ready(sess, t.op); err != nil {
		return err
	}
	if t.validate != nil {
		if err := t.validate(sess.Snapshot); err != nil {
			return err
		}
	}
	if !CanCommit(sess.Snapshot.Phase, t.to) {
		return apperror.Validation(t.op, "cannot move from %s to %s", sess.Snapshot.Phase, t.to)
	}
	release, err := s.acquire(ctx, sess, t.op)
	if err != nil {
		return err
	}
	defer release()
	return s.commitLocked(ctx, sess, t)
}

// commitLocked commits with the in-flight guard already held.
func (s *Service) commitLocked(ctx context.Context, sess *Session, t transition) error {
	from := sess.Snapshot.Phase
	if !CanCommit(from, t.to) {
		return apperror.Validation(t.op, "cannot move from %s to %s", from, t.to)
	}
	t.payload.ExpectedPhase = from
	updated, err := s.repo.CommitPhase(ctx, sess.EncounterID, t.to, t.payload)
	if err != nil {
		return s.fail(sess, t.op, err)
	}
	reason := ""
	if t.payload.Reason != nil {
		reason = *t.payload.Reason
	}
	s.applied(ctx, sess, from, updated, reason)
	if t.to == PhaseOnCollection {
		sess.Draft = rebuildDraft(updated, sess.Draft)
	}
	return nil
}

// ready refuses operations on sessions that must resync first or whose
// encounter is frozen.
func (s *Service) ready(sess *Session, op string) error {
	if !sess.Started() || sess.Snapshot == nil {
		return apperror.Validation(op, "session has no encounter")
	}
	if sess.NeedsResync {
		return apperror.Conflict(op, "resync required before further changes")
	}
	if sess.Closed || sess.Snapshot.Phase.IsTerminal() {
		return apperror.Terminal(op, string(sess.Snapshot.Phase))
	}
	return nil
}

func requirePhase(op string, sess *Session, want Phase) error {
	if got := sess.Phase(); got != want {
		return apperror.Validation(op, "only allowed in %s, encounter is %s", want, got)
	}
	return nil
}

func guardKey(id uuid.UUID) string { return "encounter:" + id.String() }

// acquire takes the per-encounter in-flight guard. A held guard means
// another operation on the same encounter is committing, so the snapshot
// is about to go stale.
func (s *Service) acquire(ctx context.Context, sess *Session, op string) (func(), error) {
	key := guardKey(sess.EncounterID)
	token, ok, err := s.locker.TryLock(ctx, key, s.inflightTTL)
	if err != nil {
		return nil, apperror.Network(op, err)
	}
	if !ok {
		sess.NeedsResync = true
		return nil, apperror.Conflict(op, "another operation is in flight for encounter %s", sess.EncounterID)
	}
	return func() {
		if err := s.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn().Err(err).Str("encounter_id", sess.EncounterID.String()).Msg("release in-flight guard")
		}
	}, nil
}

// fail records the effect of a failed remote call on the session. Anything
// other than a validation or not-found outcome leaves the authoritative
// state unknown, so the session must resync before the next change.
func (s *Service) fail(sess *Session, op string, err error) error {
	err = s.classify(op, err)
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindNotFound:
		return err
	}
	sess.NeedsResync = true
	s.logger.Warn().Err(err).
		Str("encounter_id", sess.EncounterID.String()).
		Str("op", op).
		Str("kind", string(apperror.KindOf(err))).
		Msg("operation failed, resync required")
	return err
}

// classify treats untyped errors from collaborators as unknown outcomes.
func (s *Service) classify(op string, err error) error {
	if apperror.KindOf(err) != "" {
		return err
	}
	return apperror.Network(op, err)
}

func (s *Service) applied(ctx context.Context, sess *Session, from Phase, updated *Encounter, reason string) {
	sess.Snapshot = updated
	sess.NeedsResync = false
	if updated.Phase.IsTerminal() {
		sess.Closed = true
	}
	s.logger.Info().
		Str("encounter_id", updated.ID.String()).
		Str("from", string(from)).
		Str("to", string(updated.Phase)).
		Msg("phase committed")

	if from == updated.Phase {
		return
	}
	ev := events.PhaseChanged{
		EncounterID: updated.ID.String(),
		From:        string(from),
		To:          string(updated.Phase),
		Reason:      reason,
		At:          s.now(),
	}
	if updated.AssignedResourceID != nil {
		ev.ResourceID = *updated.AssignedResourceID
	}
	if err := s.publisher.PublishPhaseChanged(ctx, ev); err != nil {
		s.logger.Error().Err(err).
			Str("encounter_id", ev.EncounterID).
			Str("to", ev.To).
			Msg("publish phase change")
	}
}
