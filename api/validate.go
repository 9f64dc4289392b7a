package api

import (
	"errors"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/transport-ledger/khata/ledger"
	"github.com/ttacon/libphonenumber"
)

// newValidator registers the custom tags used by the request DTOs.
func newValidator(phoneRegion string) *validator.Validate {
	v := validator.New()

	_ = v.RegisterValidation("decimal", func(fl validator.FieldLevel) bool {
		_, err := decimal.NewFromString(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		_, err := normalizePhone(fl.Field().String(), phoneRegion)
		return err == nil
	})
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return slices.Contains(ledger.ExpenseCategories, fl.Field().String())
	})

	return v
}

// normalizePhone parses raw for region and returns it in E.164 form.
func normalizePhone(raw, region string) (string, error) {
	p, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", err
	}
	if !libphonenumber.IsValidNumber(p) {
		return "", errors.New("phone number is not valid")
	}
	return libphonenumber.Format(p, libphonenumber.E164), nil
}

// validationFields maps each failing field to the tag it failed.
func validationFields(err error) map[string]string {
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return nil
	}
	out := make(map[string]string, len(ves))
	for _, ve := range ves {
		out[ve.Namespace()] = ve.Tag()
	}
	return out
}
