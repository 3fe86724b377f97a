package billing

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod is the closed set of ways a patient can pay at the desk.
type PaymentMethod string

const (
	MethodCash       PaymentMethod = "CASH"
	MethodTransfer   PaymentMethod = "TRANSFER"
	MethodQR         PaymentMethod = "QR"
	MethodDebitCard  PaymentMethod = "DEBIT_CARD"
	MethodCreditCard PaymentMethod = "CREDIT_CARD"
	MethodOther      PaymentMethod = "OTHER"
)

// PaymentMethods lists every variant in display order.
var PaymentMethods = []PaymentMethod{
	MethodCash, MethodTransfer, MethodQR, MethodDebitCard, MethodCreditCard, MethodOther,
}

// Valid reports whether m is one of the known variants.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodQR, MethodDebitCard, MethodCreditCard, MethodOther:
		return true
	}
	return false
}

// methodAliases accepts the desk labels still sent by older clients.
var methodAliases = map[string]PaymentMethod{
	"EFECTIVO":        MethodCash,
	"TRANSFERENCIA":   MethodTransfer,
	"BANK_TRANSFER":   MethodTransfer,
	"MERCADO_PAGO_QR": MethodQR,
	"TARJETA_DEBITO":  MethodDebitCard,
	"TARJETA_CREDITO": MethodCreditCard,
	"OTRO":            MethodOther,
}

// ParsePaymentMethod resolves s (case-insensitive, canonical token or alias).
// The second result is false when s names no known variant.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	key := strings.ToUpper(strings.TrimSpace(s))
	if m := PaymentMethod(key); m.Valid() {
		return m, true
	}
	m, ok := methodAliases[key]
	return m, ok
}

// BillableItem is a priced service line derived from a committed analysis.
type BillableItem struct {
	ID            uuid.UUID       `json:"id"`
	AnalysisID    string          `json:"analysis_id,omitempty"`
	Description   string          `json:"description"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	CoveredAmount decimal.Decimal `json:"covered_amount"`
	Selected      bool            `json:"selected"`
}

// PatientAmount is the part of the item not covered by the patient's plan.
func (i BillableItem) PatientAmount() decimal.Decimal {
	return i.TotalAmount.Sub(i.CoveredAmount)
}

// PaymentEntry is one registered contribution towards the grand total.
type PaymentEntry struct {
	ID         uuid.UUID       `json:"id"`
	Method     PaymentMethod   `json:"method"`
	Amount     decimal.Decimal `json:"amount"`
	ReceiptRef *string         `json:"receipt_ref,omitempty"`
	AccountID  *string         `json:"account_id,omitempty"`
}

// Sheet is the collection-phase worksheet: the selectable items, the
// registered payments and the tax and coinsurance choices. It is local
// state owned by a single session and never shared.
type Sheet struct {
	Items         []BillableItem   `json:"items"`
	Payments      []PaymentEntry   `json:"payments"`
	IVAPercentage *decimal.Decimal `json:"iva_percentage,omitempty"`
	Coinsurance   decimal.Decimal  `json:"coinsurance"`
}

// Clone returns a deep copy of the sheet.
func (s Sheet) Clone() Sheet {
	out := Sheet{Coinsurance: s.Coinsurance}
	out.Items = append([]BillableItem(nil), s.Items...)
	out.Payments = append([]PaymentEntry(nil), s.Payments...)
	if s.IVAPercentage != nil {
		v := *s.IVAPercentage
		out.IVAPercentage = &v
	}
	return out
}

// Summary is the result of reconciling a sheet.
type Summary struct {
	Subtotal                decimal.Decimal  `json:"subtotal"`
	Coinsurance             decimal.Decimal  `json:"coinsurance"`
	SubtotalWithCoinsurance decimal.Decimal  `json:"subtotal_with_coinsurance"`
	IVAPercentage           *decimal.Decimal `json:"iva_percentage,omitempty"`
	IVA                     decimal.Decimal  `json:"iva"`
	GrandTotal              decimal.Decimal  `json:"grand_total"`
	TotalPaid               decimal.Decimal  `json:"total_paid"`
	Remaining               decimal.Decimal  `json:"remaining"`
	Complete                bool             `json:"complete"`
	SelectedCount           int              `json:"selected_count"`
}

// IVAChosen reports whether a tax rate was explicitly picked. A chosen 0%
// is a valid choice; an unset rate is not.
func (s Summary) IVAChosen() bool {
	return s.IVAPercentage != nil
}

// Notice is an informational message produced by a ledger operation.
type Notice struct {
	Message   string          `json:"message"`
	EntryID   uuid.UUID       `json:"entry_id"`
	NewAmount decimal.Decimal `json:"new_amount"`
}
