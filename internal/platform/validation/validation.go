// Package validation checks request payloads with go-playground/validator
// and reports failures as apperror validation errors.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/labflow/labflow/internal/platform/apperror"
)

// Validator implements echo.Validator.
type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()
	v.RegisterValidation("decimal", validateDecimal)
	v.RegisterValidation("nonneg_decimal", validateNonNegativeDecimal)
	v.RegisterValidation("percent", validatePercent)
	return &Validator{v: v}
}

// Validate checks i and returns a Validation error naming every failing
// field.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation("validate", "%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return apperror.Validation("validate", "%s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "decimal":
		return field + " must be a decimal number"
	case "nonneg_decimal":
		return field + " must be a non-negative decimal number"
	case "percent":
		return field + " must be between 0 and 100"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}

func parse(fl validator.FieldLevel) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(fl.Field().String()))
	return d, err == nil
}

func validateDecimal(fl validator.FieldLevel) bool {
	_, ok := parse(fl)
	return ok
}

func validateNonNegativeDecimal(fl validator.FieldLevel) bool {
	d, ok := parse(fl)
	return ok && !d.IsNegative()
}

func validatePercent(fl validator.FieldLevel) bool {
	d, ok := parse(fl)
	return ok && !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(100))
}
