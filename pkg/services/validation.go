package services

import (
	"errors"
	"reflect"
	"strings"

	"github.com/dukex/approvals/pkg/models"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	return v
}

// structErrors runs tag validation and reports violations by JSON field path.
func structErrors(value any) []models.FieldError {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []models.FieldError{{Field: "", Message: err.Error()}}
	}

	fields := make([]models.FieldError, 0, len(validationErrors))

	for _, fieldErr := range validationErrors {
		path := fieldErr.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}

		fields = append(fields, models.FieldError{Field: path, Message: tagMessage(fieldErr)})
	}

	return fields
}

func tagMessage(fieldErr validator.FieldError) string {
	switch fieldErr.Tag() {
	case "required":
		return "is required"
	case "min":
		if fieldErr.Kind() == reflect.Slice {
			return "must contain at least " + fieldErr.Param() + " item(s)"
		}

		return "must be at least " + fieldErr.Param()
	default:
		return "failed " + fieldErr.Tag() + " validation"
	}
}
