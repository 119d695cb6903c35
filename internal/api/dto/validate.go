package dto

import (
	"errors"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"

	apperrors "github.com/spec-kit/ticket-routing/pkg/util/errorutil"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks v's struct tags and reports failures as a validation
// error keyed by JSON field path.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Namespace is Type.field[.field]; drop the type.
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		details[field] = fe.Tag()
	}
	return apperrors.NewValidationError("payload failed validation", details)
}
