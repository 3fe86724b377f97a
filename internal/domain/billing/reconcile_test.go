package billing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/platform/apperror"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pct(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func item(total, covered string, selected bool) BillableItem {
	return BillableItem{ID: uuid.New(), TotalAmount: dec(total), CoveredAmount: dec(covered), Selected: selected}
}

func TestReconcile_WorkedExample(t *testing.T) {
	s := Sheet{
		Items: []BillableItem{
			item("1000", "0", true),
			item("500", "0", false),
		},
		IVAPercentage: pct("21"),
	}
	if _, err := s.AddPayment(PaymentEntry{Method: MethodCash, Amount: dec("1210")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := Reconcile(s)
	if !sum.Subtotal.Equal(dec("1000")) {
		t.Errorf("subtotal = %s, want 1000", sum.Subtotal)
	}
	if !sum.IVA.Equal(dec("210")) {
		t.Errorf("iva = %s, want 210", sum.IVA)
	}
	if !sum.GrandTotal.Equal(dec("1210")) {
		t.Errorf("grand total = %s, want 1210", sum.GrandTotal)
	}
	if !sum.Remaining.IsZero() {
		t.Errorf("remaining = %s, want 0", sum.Remaining)
	}
	if !sum.Complete {
		t.Error("expected complete")
	}
	if err := CheckCollectionGate(sum); err != nil {
		t.Errorf("gate should pass: %v", err)
	}
}

func TestReconcile_SubtotalIgnoresUnselected(t *testing.T) {
	for _, unselected := range []string{"0", "1", "99999.99"} {
		s := Sheet{Items: []BillableItem{
			item("300", "100", true),
			item("50.25", "0", true),
			item(unselected, "0", false),
		}}
		sum := Reconcile(s)
		if !sum.Subtotal.Equal(dec("250.25")) {
			t.Errorf("unselected=%s: subtotal = %s, want 250.25", unselected, sum.Subtotal)
		}
		if sum.SelectedCount != 2 {
			t.Errorf("selected count = %d, want 2", sum.SelectedCount)
		}
	}
}

func TestReconcile_CoinsuranceIsTaxed(t *testing.T) {
	s := Sheet{
		Items:         []BillableItem{item("100", "0", true)},
		Coinsurance:   dec("50"),
		IVAPercentage: pct("10"),
	}
	sum := Reconcile(s)
	if !sum.SubtotalWithCoinsurance.Equal(dec("150")) {
		t.Errorf("subtotal with coinsurance = %s", sum.SubtotalWithCoinsurance)
	}
	if !sum.IVA.Equal(dec("15")) {
		t.Errorf("iva = %s, want 15", sum.IVA)
	}
	if !sum.GrandTotal.Equal(dec("165")) {
		t.Errorf("grand total = %s, want 165", sum.GrandTotal)
	}
}

func TestReconcile_NilIVAIsZeroTax(t *testing.T) {
	sum := Reconcile(Sheet{Items: []BillableItem{item("100", "0", true)}})
	if !sum.IVA.IsZero() {
		t.Errorf("iva = %s, want 0", sum.IVA)
	}
	if sum.IVAChosen() {
		t.Error("nil IVA must not count as chosen")
	}
}

func TestReconcile_NoRoundingDuringRecompute(t *testing.T) {
	s := Sheet{
		Items:         []BillableItem{item("10.005", "0", true)},
		IVAPercentage: pct("0"),
	}
	sum := Reconcile(s)
	if !sum.GrandTotal.Equal(dec("10.005")) {
		t.Errorf("grand total was rounded: %s", sum.GrandTotal)
	}
}

func TestReconcile_CompleteIffWithinTolerance(t *testing.T) {
	tests := []struct {
		name     string
		payments []string
		complete bool
	}{
		{"no payments", nil, false},
		{"exact", []string{"121"}, true},
		{"split", []string{"100", "21"}, true},
		{"short by cent", []string{"120.99"}, false},
		{"short by less than cent", []string{"120.995"}, true},
		{"over by less than cent", []string{"121.009"}, true},
		{"over by cent", []string{"121.01"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Sheet{Items: []BillableItem{item("100", "0", true)}, IVAPercentage: pct("21")}
			for _, p := range tt.payments {
				s.Payments = append(s.Payments, PaymentEntry{ID: uuid.New(), Method: MethodTransfer, Amount: dec(p)})
			}
			sum := Reconcile(s)
			if sum.Complete != tt.complete {
				t.Errorf("complete = %v, want %v (remaining %s)", sum.Complete, tt.complete, sum.Remaining)
			}
			want := sum.GrandTotal.Sub(sum.TotalPaid).Abs().LessThan(dec("0.01"))
			if sum.Complete != want {
				t.Error("complete disagrees with |grandTotal - totalPaid| < 0.01")
			}
		})
	}
}

func TestReconcile_EmptySheetIsComplete(t *testing.T) {
	sum := Reconcile(Sheet{})
	if !sum.Complete {
		t.Error("zero total with zero payments should be complete")
	}
	if err := CheckCollectionGate(sum); !apperror.IsValidation(err) {
		t.Errorf("gate must still fail without selected items, got %v", err)
	}
}

func TestCheckCollectionGate(t *testing.T) {
	base := func() Sheet {
		return Sheet{
			Items:         []BillableItem{item("100", "0", true)},
			IVAPercentage: pct("0"),
			Payments:      []PaymentEntry{{ID: uuid.New(), Method: MethodQR, Amount: dec("100")}},
		}
	}

	if err := CheckCollectionGate(Reconcile(base())); err != nil {
		t.Fatalf("chosen 0%% IVA should pass: %v", err)
	}

	noIVA := base()
	noIVA.IVAPercentage = nil
	if err := CheckCollectionGate(Reconcile(noIVA)); !apperror.IsValidation(err) {
		t.Errorf("unset IVA should fail, got %v", err)
	}

	noItems := base()
	noItems.Items[0].Selected = false
	noItems.Payments = nil
	if err := CheckCollectionGate(Reconcile(noItems)); !apperror.IsValidation(err) {
		t.Errorf("no selection should fail, got %v", err)
	}

	unpaid := base()
	unpaid.Payments = nil
	if err := CheckCollectionGate(Reconcile(unpaid)); !apperror.IsValidation(err) {
		t.Errorf("unpaid sheet should fail, got %v", err)
	}
}
