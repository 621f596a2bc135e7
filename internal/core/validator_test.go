package core

import (
	"errors"
	"testing"

	"billingengine/internal/types"
)

type checkoutInput struct {
	Plan       string `json:"plan" validate:"required,paid_plan"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
}

type amountInput struct {
	Amount int `json:"amount" validate:"gt=0,lte=1000"`
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name      string
		input     any
		wantCode  types.ErrorCode
		wantField string
	}{
		{"valid checkout", &checkoutInput{Plan: "starter"}, "", ""},
		{"missing plan", &checkoutInput{}, types.ErrCodeValidationMissingField, "plan"},
		{"free is not purchasable", &checkoutInput{Plan: "free"}, types.ErrCodeValidationInvalidPlan, "plan"},
		{"unknown plan", &checkoutInput{Plan: "gold"}, types.ErrCodeValidationInvalidPlan, "plan"},
		{"bad url", &checkoutInput{Plan: "unlimited", SuccessURL: "not a url"}, types.ErrCodeValidationInvalidURL, "success_url"},
		{"valid amount", &amountInput{Amount: 5}, "", ""},
		{"zero amount", &amountInput{Amount: 0}, types.ErrCodeValidationInvalidAmount, "amount"},
		{"huge amount", &amountInput{Amount: 5000}, types.ErrCodeValidationInvalidAmount, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.input)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("expected %s, got %s", tt.wantCode, appErr.Code)
			}
			fields, ok := appErr.Details["fields"].([]map[string]string)
			if !ok || len(fields) == 0 {
				t.Fatalf("expected field details, got %v", appErr.Details)
			}
			if fields[0]["field"] != tt.wantField {
				t.Errorf("expected field %s, got %s", tt.wantField, fields[0]["field"])
			}
		})
	}
}
