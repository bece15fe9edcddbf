// Package validation validates command requests using the validator/v10 library.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/civicplan/plantree/internal/domain"
	domainerrors "github.com/civicplan/plantree/internal/errors"
)

// Validator wraps go-playground/validator with domain error conversion.
type Validator struct {
	v *validator.Validate
}

// New creates a validator configured with the tree domain tags:
// "itemtype" (a supported payload variant) and "treekind".
func New() *Validator {
	v := validator.New()

	// Use JSON tag names in error messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	_ = v.RegisterValidation("itemtype", func(fl validator.FieldLevel) bool {
		return domain.ItemType(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("treekind", func(fl validator.FieldLevel) bool {
		return domain.TreeKind(fl.Field().String()).Valid()
	})

	return &Validator{v: v}
}

// Validate validates a struct and returns a domain validation error.
func (v *Validator) Validate(s any) error {
	if err := v.v.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

func (v *Validator) formatError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	fieldErrors := make(map[string]string, len(validationErrs))
	names := make([]string, 0, len(validationErrs))
	for _, e := range validationErrs {
		fieldErrors[e.Field()] = friendlyMessage(e)
		names = append(names, e.Field())
	}

	return domainerrors.ValidationWithDetails(
		"validation failed: "+strings.Join(names, ", "), fieldErrors)
}

func friendlyMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must not exceed %s", e.Param())
	case "gte":
		return "must be greater than or equal to " + e.Param()
	case "lte":
		return "must be less than or equal to " + e.Param()
	case "oneof":
		return "must be one of: " + e.Param()
	case "itemtype":
		names := make([]string, len(domain.ItemTypes))
		for i, it := range domain.ItemTypes {
			names[i] = string(it)
		}
		return "must be one of: " + strings.Join(names, ", ")
	case "treekind":
		return "must be one of: vocabulary, plan, section"
	default:
		return "is invalid"
	}
}
