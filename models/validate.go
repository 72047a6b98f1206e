package models

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags of a request.
func Validate(v any) error {
	return validate.Struct(v)
}

// FieldErrors lists the failing field and rule of a validation error.
func FieldErrors(err error) map[string]string {
	var vErrs validator.ValidationErrors
	if !errors.As(err, &vErrs) {
		return nil
	}
	out := make(map[string]string, len(vErrs))
	for _, fe := range vErrs {
		if fe.Param() != "" {
			out[fe.Field()] = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		} else {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}
