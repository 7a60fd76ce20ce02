// Package validation validates decoded request payloads with go-playground/validator.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FieldError reports the first failing field of a request, using the
// message registered for that field and tag.
type FieldError struct {
	Field   string
	Tag     string
	Message string
}

func (e *FieldError) Error() string { return e.Message }

// Validator wraps validator.Validate with per-field client messages.
type Validator struct {
	v        *validator.Validate
	messages map[string]string // "field.tag" -> message
}

// New creates a validator that names fields by their json tag. messages maps
// "field.tag" (for example "password.required") to the text returned to clients.
func New(messages map[string]string) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return &Validator{v: v, messages: messages}
}

// Validate checks s and returns a *FieldError for the first violation.
func (v *Validator) Validate(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	msg, ok := v.messages[fe.Field()+"."+fe.Tag()]
	if !ok {
		msg = fe.Field() + " is invalid"
	}
	return &FieldError{Field: fe.Field(), Tag: fe.Tag(), Message: msg}
}
