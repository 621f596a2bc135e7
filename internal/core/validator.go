package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"billingengine/internal/types"
)

const errCodeValidationFailed types.ErrorCode = "validation_failed"

// Validator wraps go-playground/validator with the billing rules and maps
// failures onto AppError codes.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator. Field names in errors are taken from
// json tags. Custom tags:
//   - paid_plan: a purchasable plan (starter, enterprise, unlimited)
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("paid_plan", func(fl validator.FieldLevel) bool {
		p := types.PlanType(fl.Field().String())
		return p.Valid() && p != types.PlanFree
	})
	return &Validator{v: v}
}

// ValidateStruct returns nil or an AppError whose code reflects the first
// failing rule. Every failing field is listed in details.
func (v *Validator) ValidateStruct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(errCodeValidationFailed, "request could not be validated", err)
	}

	fields := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		f := map[string]string{"field": fe.Field(), "rule": fe.Tag()}
		if fe.Param() != "" {
			f["param"] = fe.Param()
		}
		fields = append(fields, f)
	}

	first := verrs[0]
	code, msg := codeForFieldError(first)
	return types.NewAppErrorWithDetails(code, msg, err, map[string]any{"fields": fields})
}

func codeForFieldError(fe validator.FieldError) (types.ErrorCode, string) {
	switch fe.Tag() {
	case "required":
		return types.ErrCodeValidationMissingField, fe.Field() + " is required"
	case "paid_plan":
		return types.ErrCodeValidationInvalidPlan, fe.Field() + " must be a purchasable plan"
	case "url", "http_url":
		return types.ErrCodeValidationInvalidURL, fe.Field() + " must be a valid URL"
	}
	switch fe.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return types.ErrCodeValidationInvalidAmount, fe.Field() + " is out of range"
	}
	return errCodeValidationFailed, fe.Field() + " is invalid"
}
