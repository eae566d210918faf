package inbox

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	usernamePattern = regexp.MustCompile(`^[\p{L}\p{N}._-]+$`)
	domainPattern   = regexp.MustCompile(`^[\p{L}\p{N}.-]+$`)
)

// FieldError describes one rejected input field. Field is the JSON name.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	messages := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		messages = append(messages, field.Message)
	}
	return "validation error: " + strings.Join(messages, "; ")
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
		return domainPattern.MatchString(fl.Field().String())
	})
	return v
}

// validateStruct runs v over input and converts failures to a
// *ValidationError. Only the first failing rule of each field is reported.
func validateStruct(v *validator.Validate, input any) error {
	err := v.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	label := labelFor(fe.Field())
	switch fe.Tag() {
	case "required":
		return label + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", label, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", label, fe.Param())
	case "eqfield":
		return "Passwords do not match"
	case "email":
		return label + " must be a valid email address"
	case "username":
		return label + " may only contain letters, digits, '.', '-' and '_'"
	case "domain":
		return label + " may only contain letters, digits, '.' and '-'"
	default:
		return fmt.Sprintf("%s failed %q", label, fe.Tag())
	}
}

func labelFor(field string) string {
	switch field {
	case "accountId":
		return "Account ID"
	case "senderEmail":
		return "Sender email"
	case "confirmPassword":
		return "Confirm password"
	}
	if field == "" {
		return field
	}
	return strings.ToUpper(field[:1]) + field[1:]
}
