package billing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/platform/apperror"
)

var (
	hundred = decimal.NewFromInt(100)

	// Tolerance is the largest remaining balance still considered settled.
	Tolerance = decimal.New(1, -2)
)

// Reconcile derives totals and the completeness flag from a sheet. It is a
// pure function: no rounding is applied here so repeated recalculation
// never drifts.
func Reconcile(s Sheet) Summary {
	subtotal := decimal.Zero
	selected := 0
	for _, it := range s.Items {
		if !it.Selected {
			continue
		}
		subtotal = subtotal.Add(it.PatientAmount())
		selected++
	}

	withCoinsurance := subtotal.Add(s.Coinsurance)

	iva := decimal.Zero
	if s.IVAPercentage != nil {
		iva = withCoinsurance.Mul(*s.IVAPercentage).Div(hundred)
	}

	grand := subtotal.Add(s.Coinsurance).Add(iva)

	paid := decimal.Zero
	for _, p := range s.Payments {
		paid = paid.Add(p.Amount)
	}

	remaining := grand.Sub(paid)

	return Summary{
		Subtotal:                subtotal,
		Coinsurance:             s.Coinsurance,
		SubtotalWithCoinsurance: withCoinsurance,
		IVAPercentage:           s.IVAPercentage,
		IVA:                     iva,
		GrandTotal:              grand,
		TotalPaid:               paid,
		Remaining:               remaining,
		Complete:                remaining.Abs().LessThan(Tolerance),
		SelectedCount:           selected,
	}
}

// CheckCollectionGate returns a validation error naming every unmet
// condition for leaving the collection phase, or nil.
func CheckCollectionGate(sum Summary) error {
	var unmet []string
	if sum.SelectedCount == 0 {
		unmet = append(unmet, "no billable item selected")
	}
	if !sum.IVAChosen() {
		unmet = append(unmet, "IVA percentage not chosen")
	}
	if !sum.Complete {
		unmet = append(unmet, "payments do not cover the total (remaining "+sum.Remaining.StringFixed(2)+")")
	}
	if len(unmet) > 0 {
		return apperror.Validation("collectionGate", "%s", strings.Join(unmet, "; "))
	}
	return nil
}
