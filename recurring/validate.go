package recurring

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/recurring-engine/generic"
)

// =============================================================================
// INPUT VALIDATION - Rejected before anything is persisted
// =============================================================================

// NewObligation is the input shape for creating an obligation.
type NewObligation struct {
	UserID        generic.UserID    `json:"user_id" validate:"required,max=64"`
	Kind          generic.EntryKind `json:"kind" validate:"required,oneof=INCOME EXPENSE TRANSFER"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency" validate:"omitempty,len=3,alpha,uppercase"`
	Category      string            `json:"category" validate:"required,max=100"`
	Subcategory   string            `json:"subcategory" validate:"max=100"`
	Description   string            `json:"description" validate:"max=500"`
	PaymentMethod string            `json:"payment_method" validate:"max=50"`
	Frequency     Frequency         `json:"frequency" validate:"required,oneof=DAILY WEEKLY BIWEEKLY MONTHLY QUARTERLY YEARLY CUSTOM"`
	CustomRule    CustomRule        `json:"custom_rule"`
	StartDate     time.Time         `json:"start_date"`
	EndDate       *time.Time        `json:"end_date"`
	ReminderDays  *int              `json:"reminder_days" validate:"omitempty,min=0,max=365"`
	AutoProcess   bool              `json:"auto_process"`
	Metadata      map[string]any    `json:"metadata"`
}

// DetailsPatch changes fields that do not affect the schedule. Nil fields
// are left as they are.
type DetailsPatch struct {
	Amount        *decimal.Decimal `json:"amount"`
	Category      *string          `json:"category" validate:"omitempty,max=100"`
	Subcategory   *string          `json:"subcategory" validate:"omitempty,max=100"`
	Description   *string          `json:"description" validate:"omitempty,max=500"`
	PaymentMethod *string          `json:"payment_method" validate:"omitempty,max=50"`
	ReminderDays  *int             `json:"reminder_days" validate:"omitempty,min=0,max=365"`
	AutoProcess   *bool            `json:"auto_process"`
	Metadata      map[string]any   `json:"metadata"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidateNew checks in and returns the first problem as a ValidationError.
func ValidateNew(in NewObligation) error {
	if err := structValidator().Struct(in); err != nil {
		return fromValidator(err)
	}
	if err := validateAmount("amount", in.Amount); err != nil {
		return err
	}
	if in.StartDate.IsZero() {
		return &generic.ValidationError{Field: "start_date", Reason: "is required"}
	}
	if in.EndDate != nil && in.EndDate.Before(in.StartDate) {
		return &generic.ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}

	if in.Frequency == Custom {
		rule := bytes.TrimSpace(in.CustomRule)
		if len(rule) == 0 || rule[0] != '{' {
			return &generic.ValidationError{Field: "custom_rule", Reason: "must be a JSON object when frequency is CUSTOM"}
		}
	} else if len(bytes.TrimSpace(in.CustomRule)) > 0 && string(bytes.TrimSpace(in.CustomRule)) != "null" {
		return &generic.ValidationError{Field: "custom_rule", Reason: "only allowed when frequency is CUSTOM"}
	}
	return nil
}

// ValidatePatch checks p the same way ValidateNew checks the fields it covers.
func ValidatePatch(p DetailsPatch) error {
	if err := structValidator().Struct(p); err != nil {
		return fromValidator(err)
	}
	if p.Category != nil && strings.TrimSpace(*p.Category) == "" {
		return &generic.ValidationError{Field: "category", Reason: "is required"}
	}
	if p.Amount != nil {
		return validateAmount("amount", *p.Amount)
	}
	return nil
}

func validateAmount(field string, v decimal.Decimal) error {
	switch {
	case v.IsNegative():
		return &generic.ValidationError{Field: field, Reason: "must not be negative"}
	case !v.Equal(v.Round(generic.AmountScale)):
		return &generic.ValidationError{Field: field, Reason: "at most 2 fraction digits"}
	}
	return nil
}

func fromValidator(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &generic.ValidationError{Field: "request", Reason: err.Error()}
	}
	fe := fieldErrs[0]
	reason := "failed " + fe.Tag()
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "oneof":
		reason = "must be one of " + fe.Param()
	case "max":
		reason = "must be at most " + fe.Param()
	case "min":
		reason = "must be at least " + fe.Param()
	case "len":
		reason = "must have length " + fe.Param()
	case "alpha", "uppercase":
		reason = "must be an uppercase currency code"
	}
	return &generic.ValidationError{Field: fe.Field(), Reason: reason}
}
