package config

import (
	"reflect"

	herr "github.com/helioscloud/trust-core/pkg/errors"
)

// Validator is implemented by configuration structs that need validation
// beyond the `required` tag. Load calls Validate after tag-based checks
// pass; a non-nil return aborts loading.
type Validator interface {
	Validate() error
}

// validate runs required-tag checks, then the struct's own Validator if
// implemented. cfg is the original pointer (for the interface assertion);
// rv is the dereferenced struct value.
func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}
	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			if _, isCoded := herr.AsError(err); isCoded {
				return err
			}
			return herr.Wrap(err, herr.CodeValidation,
				"config: custom validation failed")
		}
	}
	return nil
}

// validateRequired walks the struct and fails on the first zero-valued
// field tagged `required:"true"`. path accumulates the dotted field path
// for the error message.
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}

		if sf.Tag.Get("required") != "true" {
			continue
		}
		if field.IsZero() {
			return herr.Newf(herr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}
	return nil
}
