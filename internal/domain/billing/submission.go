package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/platform/apperror"
)

// GatewayMethod is the payment-method vocabulary of the billing gateway.
type GatewayMethod string

const (
	GatewayCash       GatewayMethod = "EFECTIVO"
	GatewayTransfer   GatewayMethod = "TRANSFERENCIA"
	GatewayQR         GatewayMethod = "QR"
	GatewayDebitCard  GatewayMethod = "TARJETA_DEBITO"
	GatewayCreditCard GatewayMethod = "TARJETA_CREDITO"
	GatewayOther      GatewayMethod = "OTRO"
)

// GatewaySchemaVersion versions the payment-method enumeration shared with
// the gateway.
const GatewaySchemaVersion = "v1"

// ToGateway maps a payment method onto the gateway enumeration.
func ToGateway(m PaymentMethod) (GatewayMethod, error) {
	switch m {
	case MethodCash:
		return GatewayCash, nil
	case MethodTransfer:
		return GatewayTransfer, nil
	case MethodQR:
		return GatewayQR, nil
	case MethodDebitCard:
		return GatewayDebitCard, nil
	case MethodCreditCard:
		return GatewayCreditCard, nil
	case MethodOther:
		return GatewayOther, nil
	}
	return "", fmt.Errorf("unmapped payment method %q", m)
}

// GatewayMethodFromString resolves a raw method string for the gateway.
// Strings matching no known variant resolve to cash, which is what the
// desk clients have always relied on.
func GatewayMethodFromString(s string) GatewayMethod {
	m, ok := ParsePaymentMethod(s)
	if !ok {
		return GatewayCash
	}
	g, err := ToGateway(m)
	if err != nil {
		return GatewayCash
	}
	return g
}

// MethodResolver turns client-supplied method strings into payment methods.
// In strict mode an unknown string is rejected; otherwise it falls back to
// cash like GatewayMethodFromString.
type MethodResolver struct {
	Strict bool
}

func (r MethodResolver) Resolve(s string) (PaymentMethod, error) {
	m, ok := ParsePaymentMethod(s)
	if ok {
		return m, nil
	}
	if r.Strict {
		return "", apperror.Validation("resolveMethod", "unknown payment method %q", s)
	}
	return MethodCash, nil
}

// SubmissionPayment is one payment line sent to the gateway.
type SubmissionPayment struct {
	Method     GatewayMethod `json:"method"`
	Amount     string        `json:"amount"`
	ReceiptRef string        `json:"receipt_ref,omitempty"`
	AccountID  string        `json:"account_id,omitempty"`
}

// SubmissionRequest is the finalized payment submission.
type SubmissionRequest struct {
	SchemaVersion string              `json:"schema_version"`
	EncounterID   string              `json:"encounter_id"`
	Subtotal      string              `json:"subtotal"`
	Coinsurance   string              `json:"coinsurance"`
	IVAPercentage string              `json:"iva_percentage"`
	IVA           string              `json:"iva"`
	Total         string              `json:"total"`
	Payments      []SubmissionPayment `json:"payments"`
}

// IdempotencyKey identifies this exact submission: the encounter id plus a
// digest of the amounts and payments. Resubmitting after the sheet changed
// yields a different key.
func (r *SubmissionRequest) IdempotencyKey() (string, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	sum := sha256.Sum256(payload)
	return r.EncounterID + ":" + hex.EncodeToString(sum[:12]), nil
}

// money rounds to cents, half-up, and renders a fixed 2-decimal string.
// Amounts reaching the gateway are never negative, so half away from zero
// and half-up coincide.
func money(d decimal.Decimal) string {
	return d.Round(2).StringFixed(2)
}

// BuildSubmission builds the gateway payload for a reconciled sheet. This
// is the only place where amounts are rounded.
func BuildSubmission(encounterID string, sum Summary, payments []PaymentEntry) (*SubmissionRequest, error) {
	if err := CheckCollectionGate(sum); err != nil {
		return nil, err
	}
	req := &SubmissionRequest{
		SchemaVersion: GatewaySchemaVersion,
		EncounterID:   encounterID,
		Subtotal:      money(sum.Subtotal),
		Coinsurance:   money(sum.Coinsurance),
		IVAPercentage: money(*sum.IVAPercentage),
		IVA:           money(sum.IVA),
		Total:         money(sum.GrandTotal),
		Payments:      make([]SubmissionPayment, 0, len(payments)),
	}
	for _, p := range payments {
		gm, err := ToGateway(p.Method)
		if err != nil {
			return nil, apperror.Validation("buildSubmission", "%v", err)
		}
		sp := SubmissionPayment{Method: gm, Amount: money(p.Amount)}
		if p.ReceiptRef != nil {
			sp.ReceiptRef = *p.ReceiptRef
		}
		if p.AccountID != nil {
			sp.AccountID = *p.AccountID
		}
		req.Payments = append(req.Payments, sp)
	}
	return req, nil
}
