package billing

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/platform/apperror"
)

// AddPayment registers entry on the sheet. At most one CASH entry exists
// per sheet: a further cash contribution is summed into the existing entry
// and a notice is returned.
func (s *Sheet) AddPayment(entry PaymentEntry) (*Notice, error) {
	if !entry.Method.Valid() {
		return nil, apperror.Validation("addPayment", "unknown payment method %q", entry.Method)
	}
	if !entry.Amount.IsPositive() {
		return nil, apperror.Validation("addPayment", "amount must be positive")
	}

	if entry.Method == MethodCash {
		for i := range s.Payments {
			if s.Payments[i].Method != MethodCash {
				continue
			}
			s.Payments[i].Amount = s.Payments[i].Amount.Add(entry.Amount)
			return &Notice{
				Message:   "cash amount merged into existing cash entry",
				EntryID:   s.Payments[i].ID,
				NewAmount: s.Payments[i].Amount,
			}, nil
		}
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	s.Payments = append(s.Payments, entry)
	return nil, nil
}

// RemovePayment deletes the entry with the given id.
func (s *Sheet) RemovePayment(id uuid.UUID) error {
	for i, p := range s.Payments {
		if p.ID == id {
			s.Payments = append(s.Payments[:i], s.Payments[i+1:]...)
			return nil
		}
	}
	return apperror.NotFound("removePayment", "payment entry")
}

// SelectItem toggles the selection of a billable item.
func (s *Sheet) SelectItem(id uuid.UUID, selected bool) error {
	for i := range s.Items {
		if s.Items[i].ID == id {
			s.Items[i].Selected = selected
			return nil
		}
	}
	return apperror.NotFound("selectItem", "billable item")
}

// SetIVA chooses the tax rate. nil clears the choice, which makes the
// sheet fail the collection gate again.
func (s *Sheet) SetIVA(percent *decimal.Decimal) error {
	if percent != nil && (percent.IsNegative() || percent.GreaterThan(hundred)) {
		return apperror.Validation("setIVA", "IVA percentage must be between 0 and 100")
	}
	if percent == nil {
		s.IVAPercentage = nil
		return nil
	}
	v := *percent
	s.IVAPercentage = &v
	return nil
}

// SetCoinsurance sets the fixed patient-responsibility amount.
func (s *Sheet) SetCoinsurance(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperror.Validation("setCoinsurance", "coinsurance cannot be negative")
	}
	s.Coinsurance = amount
	return nil
}
