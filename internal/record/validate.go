package record

import (
	"errors"
	"fmt"
	"math"

	"github.com/tonimelisma/tillsync/internal/apperr"
)

// totalTolerance absorbs rounding when checking total = subtotal + tax.
const totalTolerance = 0.01

// Validate checks the fields of a create or full update against the
// collection's schema and returns every problem found as a single
// validation error. Collections without a schema accept any fields.
// Partial updates pass partial=true so missing required fields are allowed.
func Validate(collection string, f Fields, partial bool) error {
	var errs []error

	switch collection {
	case CollectionItems:
		errs = validateItem(f, partial)
	case CollectionReceipts:
		errs = validateReceipt(f, partial)
	}

	if len(errs) == 0 {
		return nil
	}

	return &apperr.Error{
		Kind:    apperr.ErrValidation,
		Code:    "validation/" + collection,
		Message: errors.Join(errs...).Error(),
	}
}

func validateItem(f Fields, partial bool) []error {
	var errs []error

	if v, ok := f[FieldName]; ok || !partial {
		if s, isStr := String(v); !isStr || s == "" {
			errs = append(errs, fmt.Errorf("%s: required non-empty string", FieldName))
		}
	}

	if v, ok := f[FieldPrice]; ok {
		if p, isNum := Number(v); !isNum || p < 0 {
			errs = append(errs, fmt.Errorf("%s: must be a number >= 0", FieldPrice))
		}
	}

	if v, ok := f[FieldStock]; ok {
		s, isNum := Number(v)
		if !isNum || s < 0 || s != math.Trunc(s) {
			errs = append(errs, fmt.Errorf("%s: must be an integer >= 0", FieldStock))
		}
	}

	return errs
}

func validateReceipt(f Fields, partial bool) []error {
	var errs []error

	if v, ok := f[FieldReceiptNumber]; ok || !partial {
		if s, isStr := String(v); !isStr || s == "" {
			errs = append(errs, fmt.Errorf("%s: required non-empty string", FieldReceiptNumber))
		}
	}

	amounts := map[string]float64{}

	for _, key := range []string{FieldSubtotal, FieldTax, FieldTotal, FieldAmountPaid} {
		v, ok := f[key]
		if !ok {
			continue
		}

		n, isNum := Number(v)
		if !isNum || n < 0 {
			errs = append(errs, fmt.Errorf("%s: must be a number >= 0", key))
			continue
		}

		amounts[key] = n
	}

	sub, hasSub := amounts[FieldSubtotal]
	tax, hasTax := amounts[FieldTax]
	total, hasTotal := amounts[FieldTotal]

	if hasSub && hasTax && hasTotal && math.Abs(sub+tax-total) > totalTolerance {
		errs = append(errs, fmt.Errorf("%s: %.2f does not equal %s + %s (%.2f)",
			FieldTotal, total, FieldSubtotal, FieldTax, sub+tax))
	}

	if v, ok := f[FieldLineItems]; ok {
		errs = append(errs, validateLineItems(v)...)
	}

	return errs
}

func validateLineItems(v any) []error {
	raw, ok := v.([]any)
	if !ok {
		return []error{fmt.Errorf("%s: must be an array", FieldLineItems)}
	}

	var errs []error

	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("%s[%d]: must be an object", FieldLineItems, i))
			continue
		}

		if q, isNum := Number(m[FieldQuantity]); !isNum || q <= 0 {
			errs = append(errs, fmt.Errorf("%s[%d].%s: must be > 0", FieldLineItems, i, FieldQuantity))
		}

		if p, isNum := Number(m[FieldUnitPrice]); isNum && p < 0 {
			errs = append(errs, fmt.Errorf("%s[%d].%s: must be >= 0", FieldLineItems, i, FieldUnitPrice))
		}
	}

	return errs
}
