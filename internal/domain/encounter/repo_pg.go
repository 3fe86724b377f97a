package encounter

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/domain/billing"
	"github.com/labflow/labflow/internal/platform/db"
)

type repoPG struct {
	pool        *pgxpool.Pool
	defaultSite string
	now         func() time.Time
}

// NewRepo returns the Postgres-backed Repository. Requests without a site
// in their context act on defaultSite.
func NewRepo(pool *pgxpool.Pool, defaultSite string) Repository {
	return &repoPG{pool: pool, defaultSite: defaultSite, now: time.Now}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// begin joins a caller's transaction as a savepoint, or starts a new one.
func (r *repoPG) begin(ctx context.Context) beginner {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) site(ctx context.Context) string {
	if s := db.SiteFromContext(ctx); s != "" {
		return s
	}
	return r.defaultSite
}

const encCols = `id, kind, phase, most_advanced_phase,
	patient_ref, practitioner_ref, coverage_ref,
	urgent, authorization_number, billable_items,
	iva_percentage::text, coinsurance::text,
	payment_ref, invoice_ref, receipt_number, assigned_resource_id, close_reason,
	created_at, updated_at`

func (r *repoPG) CreateEncounter(ctx context.Context, kind string, seed Seed) (*Encounter, error) {
	const op = "createEncounter"
	if seed.CreationToken == uuid.Nil {
		seed.CreationToken = uuid.New()
	}
	initial := PhaseRegisteringGeneralData
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter (id, site_id, kind, creation_token, phase, most_advanced_phase, urgent, patient_ref)
		VALUES ($1,$2,$3,$4,$5,$5,$6,$7)
		ON CONFLICT (creation_token) DO NOTHING`,
		uuid.New(), r.site(ctx), kind, seed.CreationToken, initial, seed.Urgent, seed.PatientRef,
	)
	if err != nil {
		return nil, db.Classify(op, err)
	}

	q := r.conn(ctx)
	e, err := scanEnc(q.QueryRow(ctx,
		`SELECT `+encCols+` FROM encounter WHERE creation_token = $1 AND site_id = $2`,
		seed.CreationToken, r.site(ctx)))
	if err != nil {
		return nil, db.Classify(op, err)
	}
	if err := r.loadChildren(ctx, q, []*Encounter{e}); err != nil {
		return nil, db.Classify(op, err)
	}
	return e, nil
}

func (r *repoPG) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	e, err := r.load(ctx, r.conn(ctx), id, false)
	if err != nil {
		return nil, db.Classify("getEncounter", err)
	}
	return e, nil
}

func (r *repoPG) CommitPhase(ctx context.Context, id uuid.UUID, phase Phase, payload CommitPayload) (*Encounter, error) {
	var out *Encounter
	err := pgx.BeginFunc(ctx, r.begin(ctx), func(tx pgx.Tx) error {
		e, err := r.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		from := e.Phase
		before := len(e.Analyses)
		if err := ApplyCommit(e, phase, payload, r.now()); err != nil {
			return err
		}
		w := write{
			from:     from,
			reason:   payload.Reason,
			analyses: e.Analyses[before:],
			payments: payload.Sheet != nil,
		}
		if err := r.persist(ctx, tx, e, w); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, db.Classify("commitPhase", err)
	}
	return out, nil
}

func (r *repoPG) ReversePhase(ctx context.Context, id uuid.UUID, from Phase) (*Encounter, error) {
	var out *Encounter
	err := pgx.BeginFunc(ctx, r.begin(ctx), func(tx pgx.Tx) error {
		e, err := r.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := ApplyReverse(e, from, r.now()); err != nil {
			return err
		}
		w := write{
			from:          from,
			purgeAnalyses: from == PhaseOnCollection,
			payments:      from == PhaseOnBilling,
		}
		if err := r.persist(ctx, tx, e, w); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, db.Classify("reversePhase", err)
	}
	return out, nil
}

func (r *repoPG) CancelEncounter(ctx context.Context, id uuid.UUID, reason string) (*Encounter, error) {
	var out *Encounter
	err := pgx.BeginFunc(ctx, r.begin(ctx), func(tx pgx.Tx) error {
		e, err := r.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		from := e.Phase
		if err := ApplyCancel(e, reason, r.now()); err != nil {
			return err
		}
		if err := r.persist(ctx, tx, e, write{from: from, reason: &reason}); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, db.Classify("cancelEncounter", err)
	}
	return out, nil
}

func (r *repoPG) ListInPhase(ctx context.Context, phase Phase) ([]*Encounter, error) {
	const op = "listInPhase"
	q := r.conn(ctx)
	rows, err := q.Query(ctx,
		`SELECT `+encCols+` FROM encounter WHERE site_id = $1 AND phase = $2 ORDER BY created_at, id`,
		r.site(ctx), phase)
	if err != nil {
		return nil, db.Classify(op, err)
	}
	encs, err := collectEncs(rows)
	if err != nil {
		return nil, db.Classify(op, err)
	}
	if err := r.loadChildren(ctx, q, encs); err != nil {
		return nil, db.Classify(op, err)
	}
	return encs, nil
}

func (r *repoPG) load(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Encounter, error) {
	sql := `SELECT ` + encCols + ` FROM encounter WHERE id = $1 AND site_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	e, err := scanEnc(q.QueryRow(ctx, sql, id, r.site(ctx)))
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, q, []*Encounter{e}); err != nil {
		return nil, err
	}
	return e, nil
}

// loadChildren fills the analysis and payment rows of encs in two queries.
func (r *repoPG) loadChildren(ctx context.Context, q querier, encs []*Encounter) error {
	if len(encs) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Encounter, len(encs))
	ids := make([]uuid.UUID, 0, len(encs))
	for _, e := range encs {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	rows, err := q.Query(ctx, `
		SELECT encounter_id, analysis_id, description, total_amount::text, covered_amount::text, recorded_at
		FROM encounter_analysis WHERE encounter_id = ANY($1) ORDER BY encounter_id, id`, ids)
	if err != nil {
		return err
	}
	for rows.Next() {
		var encID uuid.UUID
		var a AnalysisRecord
		var total, covered string
		if err := rows.Scan(&encID, &a.AnalysisID, &a.Description, &total, &covered, &a.RecordedAt); err != nil {
			rows.Close()
			return err
		}
		if a.TotalAmount, err = decimal.NewFromString(total); err != nil {
			rows.Close()
			return err
		}
		if a.CoveredAmount, err = decimal.NewFromString(covered); err != nil {
			rows.Close()
			return err
		}
		byID[encID].Analyses = append(byID[encID].Analyses, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.Query(ctx, `
		SELECT encounter_id, id, method, amount::text, receipt_ref, account_id
		FROM encounter_payment WHERE encounter_id = ANY($1) ORDER BY encounter_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var encID uuid.UUID
		var p billing.PaymentEntry
		var method, amount string
		if err := rows.Scan(&encID, &p.ID, &method, &amount, &p.ReceiptRef, &p.AccountID); err != nil {
			return err
		}
		p.Method = billing.PaymentMethod(method)
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		byID[encID].PaymentEntries = append(byID[encID].PaymentEntries, p)
	}
	return rows.Err()
}

type write struct {
	from          Phase
	reason        *string
	analyses      []AnalysisRecord
	purgeAnalyses bool
	payments      bool
}

func (r *repoPG) persist(ctx context.Context, tx pgx.Tx, e *Encounter, w write) error {
	items, err := json.Marshal(e.BillableItems)
	if err != nil {
		return err
	}
	if e.BillableItems == nil {
		items = []byte("[]")
	}
	var iva *string
	if e.IVAPercentage != nil {
		s := e.IVAPercentage.String()
		iva = &s
	}

	_, err = tx.Exec(ctx, `
		UPDATE encounter SET
			phase=$2, most_advanced_phase=$3,
			patient_ref=$4, practitioner_ref=$5, coverage_ref=$6,
			urgent=$7, authorization_number=$8, billable_items=$9,
			iva_percentage=$10::numeric, coinsurance=$11::numeric,
			payment_ref=$12, invoice_ref=$13, receipt_number=$14,
			assigned_resource_id=$15, close_reason=$16, updated_at=$17
		WHERE id = $1`,
		e.ID, e.Phase, e.MostAdvancedPhase,
		e.PatientRef, e.PractitionerRef, e.CoverageRef,
		e.Urgent, e.AuthorizationNumber, items,
		iva, e.Coinsurance.String(),
		e.PaymentRef, e.InvoiceRef, e.ReceiptNumber,
		e.AssignedResourceID, e.CloseReason, e.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if w.purgeAnalyses {
		if _, err := tx.Exec(ctx, `DELETE FROM encounter_analysis WHERE encounter_id = $1`, e.ID); err != nil {
			return err
		}
	}
	for _, a := range w.analyses {
		_, err := tx.Exec(ctx, `
			INSERT INTO encounter_analysis (encounter_id, analysis_id, description, total_amount, covered_amount, recorded_at)
			VALUES ($1,$2,$3,$4::numeric,$5::numeric,$6)`,
			e.ID, a.AnalysisID, a.Description, a.TotalAmount.String(), a.CoveredAmount.String(), a.RecordedAt,
		)
		if err != nil {
			return err
		}
	}

	if w.payments {
		if _, err := tx.Exec(ctx, `DELETE FROM encounter_payment WHERE encounter_id = $1`, e.ID); err != nil {
			return err
		}
		for i, p := range e.PaymentEntries {
			_, err := tx.Exec(ctx, `
				INSERT INTO encounter_payment (id, encounter_id, position, method, amount, receipt_ref, account_id)
				VALUES ($1,$2,$3,$4,$5::numeric,$6,$7)`,
				p.ID, e.ID, i, p.Method, p.Amount.String(), p.ReceiptRef, p.AccountID,
			)
			if err != nil {
				return err
			}
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO encounter_phase_history (encounter_id, from_phase, to_phase, reason, changed_at)
		VALUES ($1,$2,$3,$4,$5)`,
		e.ID, w.from, e.Phase, w.reason, e.UpdatedAt,
	)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEnc(row scanner) (*Encounter, error) {
	var e Encounter
	var phase, most, coinsurance string
	var items []byte
	var iva *string
	err := row.Scan(
		&e.ID, &e.Kind, &phase, &most,
		&e.PatientRef, &e.PractitionerRef, &e.CoverageRef,
		&e.Urgent, &e.AuthorizationNumber, &items,
		&iva, &coinsurance,
		&e.PaymentRef, &e.InvoiceRef, &e.ReceiptNumber, &e.AssignedResourceID, &e.CloseReason,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Phase = Phase(phase)
	e.MostAdvancedPhase = Phase(most)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &e.BillableItems); err != nil {
			return nil, err
		}
		if len(e.BillableItems) == 0 {
			e.BillableItems = nil
		}
	}
	if iva != nil {
		v, err := decimal.NewFromString(*iva)
		if err != nil {
			return nil, err
		}
		e.IVAPercentage = &v
	}
	if e.Coinsurance, err = decimal.NewFromString(coinsurance); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEncs(rows pgx.Rows) ([]*Encounter, error) {
	defer rows.Close()
	var encs []*Encounter
	for rows.Next() {
		e, err := scanEnc(rows)
		if err != nil {
			return nil, err
		}
		encs = append(encs, e)
	}
	return encs, rows.Err()
}
