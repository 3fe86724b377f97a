package encounter

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/domain/billing"
	"github.com/labflow/labflow/internal/platform/apperror"
	"github.com/labflow/labflow/internal/platform/auth"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	desk := api.Group("/encounters/sessions", auth.RequireRole(auth.RoleReceptionist, auth.RoleCashier, auth.RoleSupervisor))
	desk.POST("", h.StartSession)
	desk.GET("/:token", h.GetSession)
	desk.DELETE("/:token", h.AbandonSession)
	desk.POST("/:token/resync", h.Resync)
	desk.POST("/:token/resume", h.ResumeNavigation)
	desk.POST("/:token/general-data", h.AssignGeneralData)
	desk.POST("/:token/analyses", h.CommitAnalyses)

	cash := api.Group("/encounters/sessions", auth.RequireRole(auth.RoleCashier, auth.RoleSupervisor))
	cash.POST("/:token/items/:item", h.ToggleItem)
	cash.POST("/:token/payments", h.AddPayment)
	cash.DELETE("/:token/payments/:entry", h.RemovePayment)
	cash.POST("/:token/iva", h.SetIVA)
	cash.POST("/:token/coinsurance", h.SetCoinsurance)
	cash.POST("/:token/submit", h.SubmitCollection)
	cash.POST("/:token/invoice", h.RecordInvoice)
	cash.POST("/:token/end-billing", h.EndBillingPhase)
	cash.POST("/:token/confirm", h.Confirm)
	cash.POST("/:token/extraction", h.SendToExtraction)

	sup := api.Group("/encounters/sessions", auth.RequireRole(auth.RoleSupervisor))
	sup.POST("/:token/cancel", h.Cancel)
	sup.POST("/:token/fail", h.MarkFailed)
	sup.POST("/:token/reverse", h.Reverse)

	ext := api.Group("/extraction/sessions", auth.RequireRole(auth.RoleExtractionist, auth.RoleSupervisor))
	ext.POST("/:token/start", h.StartExtraction)
	ext.POST("/:token/return", h.ReturnToQueue)
	ext.POST("/:token/finish", h.FinishExtraction)
}

// -- Request / response bodies --

type startRequest struct {
	Token      string  `json:"token" validate:"omitempty,uuid"`
	Kind       string  `json:"kind" validate:"omitempty,max=64"`
	Urgent     bool    `json:"urgent"`
	PatientRef *string `json:"patient_ref"`
}

type analysisRequest struct {
	AnalysisID    string `json:"analysis_id" validate:"required"`
	Description   string `json:"description"`
	TotalAmount   string `json:"total_amount" validate:"required,nonneg_decimal"`
	CoveredAmount string `json:"covered_amount" validate:"omitempty,nonneg_decimal"`
}

type analysesRequest struct {
	Items               []analysisRequest `json:"items" validate:"required,min=1,dive"`
	Urgent              bool              `json:"urgent"`
	AuthorizationNumber string            `json:"authorization_number"`
}

type itemRequest struct {
	Selected bool `json:"selected"`
}

type paymentRequest struct {
	Method     string  `json:"method" validate:"required"`
	Amount     string  `json:"amount" validate:"required,decimal"`
	ReceiptRef *string `json:"receipt_ref"`
	AccountID  *string `json:"account_id"`
}

type ivaRequest struct {
	Percentage *string `json:"percentage" validate:"omitempty,percent"`
}

type coinsuranceRequest struct {
	Amount string `json:"amount" validate:"required,nonneg_decimal"`
}

type invoiceRequest struct {
	InvoiceRef string `json:"invoice_ref" validate:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type resumeRequest struct {
	Target string `json:"target" validate:"required"`
}

type boxRequest struct {
	BoxID string `json:"box_id" validate:"required"`
}

type sessionResponse struct {
	Token        uuid.UUID        `json:"token"`
	EncounterID  uuid.UUID        `json:"encounter_id"`
	Phase        Phase            `json:"phase"`
	MostAdvanced Phase            `json:"most_advanced_phase,omitempty"`
	NeedsResync  bool             `json:"needs_resync"`
	Closed       bool             `json:"closed"`
	Encounter    *Encounter       `json:"encounter,omitempty"`
	Draft        billing.Sheet    `json:"draft"`
	Summary      billing.Summary  `json:"summary"`
	Receipt      *billing.Receipt `json:"receipt,omitempty"`
	Notice       *billing.Notice  `json:"notice,omitempty"`
	PaymentRef   string           `json:"payment_ref,omitempty"`
}

func (h *Handler) view(sess *Session) *sessionResponse {
	resp := &sessionResponse{
		Token:       sess.Token,
		EncounterID: sess.EncounterID,
		Phase:       sess.Phase(),
		NeedsResync: sess.NeedsResync,
		Closed:      sess.Closed,
		Encounter:   sess.Snapshot,
		Draft:       sess.Draft,
		Summary:     h.svc.Summary(sess),
		Receipt:     sess.Receipt,
	}
	if sess.Snapshot != nil {
		resp.MostAdvanced = sess.Snapshot.DerivedMostAdvanced()
	}
	return resp
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(req); err != nil {
		return apperror.ToHTTPError(err)
	}
	return nil
}

// withSession loads the session named by the :token parameter, runs fn and
// saves the session again whether or not fn failed, so a pending resync
// survives the request.
func (h *Handler) withSession(c echo.Context, fn func(ctx context.Context, sess *Session) (*sessionResponse, error)) error {
	token, err := uuid.Parse(c.Param("token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session token")
	}
	ctx := c.Request().Context()
	sess, err := h.svc.LoadSession(ctx, token)
	if err != nil {
		return apperror.ToHTTPError(err)
	}

	resp, opErr := fn(ctx, sess)
	if err := h.svc.SaveSession(ctx, sess); err != nil {
		h.logger.Error().Err(err).Str("session", sess.Token.String()).Msg("save session")
		if opErr == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
		}
	}
	if opErr != nil {
		return apperror.ToHTTPError(opErr)
	}
	if resp == nil {
		resp = h.view(sess)
	}
	return c.JSON(http.StatusOK, resp)
}

func parseAmount(s string) decimal.Decimal {
	// Inputs are checked by the validator before reaching here.
	return decimal.RequireFromString(strings.TrimSpace(s))
}

// -- Handlers --

// StartSession opens a session and its encounter. Passing back a token
// from an earlier attempt resumes that session instead of creating a
// second encounter.
func (h *Handler) StartSession(c echo.Context) error {
	var req startRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()

	kind := req.Kind
	if kind == "" {
		kind = "laboratory"
	}
	sess := NewSession(kind)
	if req.Token != "" {
		token := uuid.MustParse(req.Token)
		existing, err := h.svc.LoadSession(ctx, token)
		switch {
		case err == nil:
			sess = existing
		case apperror.IsNotFound(err):
			sess.Token = token
		default:
			return apperror.ToHTTPError(err)
		}
	}

	if _, err := h.svc.Start(ctx, sess, Seed{Urgent: req.Urgent, PatientRef: req.PatientRef}); err != nil {
		return startError(err, sess.Token)
	}
	return c.JSON(http.StatusCreated, h.view(sess))
}

// startError carries the session token so the caller can retry the start
// with it; the encounter may already exist.
func startError(err error, token uuid.UUID) error {
	he := apperror.ToHTTPError(err)
	if body, ok := he.Message.(map[string]interface{}); ok {
		body["token"] = token
	}
	return he
}

func (h *Handler) GetSession(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, nil
	})
}

func (h *Handler) AbandonSession(c echo.Context) error {
	token, err := uuid.Parse(c.Param("token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session token")
	}
	ctx := c.Request().Context()
	sess, err := h.svc.LoadSession(ctx, token)
	if err != nil {
		return apperror.ToHTTPError(err)
	}
	if err := h.svc.Abandon(ctx, sess); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session store unavailable")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Resync(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.Resync(ctx, sess)
	})
}

func (h *Handler) ResumeNavigation(c echo.Context) error {
	var req resumeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	target, err := ParsePhase(req.Target)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.ResumeNavigation(sess, target)
	})
}

func (h *Handler) AssignGeneralData(c echo.Context) error {
	var req GeneralData
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.AssignGeneralData(ctx, sess, req)
	})
}

func (h *Handler) CommitAnalyses(c echo.Context) error {
	var req analysesRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	items := make([]AnalysisRecord, 0, len(req.Items))
	for _, it := range req.Items {
		rec := AnalysisRecord{
			AnalysisID:  it.AnalysisID,
			Description: it.Description,
			TotalAmount: parseAmount(it.TotalAmount),
		}
		if it.CoveredAmount != "" {
			rec.CoveredAmount = parseAmount(it.CoveredAmount)
		}
		items = append(items, rec)
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.CommitAnalyses(ctx, sess, items, req.Urgent, req.AuthorizationNumber)
	})
}

func (h *Handler) ToggleItem(c echo.Context) error {
	itemID, err := uuid.Parse(c.Param("item"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid item id")
	}
	var req itemRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.ToggleItem(sess, itemID, req.Selected)
	})
}

func (h *Handler) AddPayment(c echo.Context) error {
	var req paymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	in := PaymentInput{
		Method:     req.Method,
		Amount:     parseAmount(req.Amount),
		ReceiptRef: req.ReceiptRef,
		AccountID:  req.AccountID,
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		notice, err := h.svc.AddPayment(sess, in)
		if err != nil {
			return nil, err
		}
		resp := h.view(sess)
		resp.Notice = notice
		return resp, nil
	})
}

func (h *Handler) RemovePayment(c echo.Context) error {
	entryID, err := uuid.Parse(c.Param("entry"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payment entry id")
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.RemovePayment(sess, entryID)
	})
}

func (h *Handler) SetIVA(c echo.Context) error {
	var req ivaRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	var pct *decimal.Decimal
	if req.Percentage != nil {
		v := parseAmount(*req.Percentage)
		pct = &v
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.SetIVA(sess, pct)
	})
}

func (h *Handler) SetCoinsurance(c echo.Context) error {
	var req coinsuranceRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	amount := parseAmount(req.Amount)
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.SetCoinsurance(sess, amount)
	})
}

func (h *Handler) SubmitCollection(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		ref, err := h.svc.SubmitCollection(ctx, sess)
		if err != nil {
			return nil, err
		}
		resp := h.view(sess)
		resp.PaymentRef = string(ref)
		return resp, nil
	})
}

func (h *Handler) RecordInvoice(c echo.Context) error {
	var req invoiceRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.RecordInvoice(ctx, sess, req.InvoiceRef)
	})
}

func (h *Handler) EndBillingPhase(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.EndBillingPhase(ctx, sess)
	})
}

func (h *Handler) Confirm(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.Confirm(ctx, sess)
	})
}

func (h *Handler) SendToExtraction(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.SendToExtraction(ctx, sess)
	})
}

func (h *Handler) Cancel(c echo.Context) error {
	var req reasonRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.Cancel(ctx, sess, req.Reason)
	})
}

func (h *Handler) MarkFailed(c echo.Context) error {
	var req reasonRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.MarkFailed(ctx, sess, req.Reason)
	})
}

func (h *Handler) Reverse(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.Reverse(ctx, sess)
	})
}

func (h *Handler) StartExtraction(c echo.Context) error {
	var req boxRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.StartExtraction(ctx, sess, req.BoxID)
	})
}

func (h *Handler) ReturnToQueue(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.ReturnToQueue(ctx, sess)
	})
}

func (h *Handler) FinishExtraction(c echo.Context) error {
	return h.withSession(c, func(ctx context.Context, sess *Session) (*sessionResponse, error) {
		return nil, h.svc.FinishExtraction(ctx, sess)
	})
}
