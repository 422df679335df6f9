package ir

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// specValidate checks struct tags on spec types.
// Initialized in init() with the relation_kind validator.
var specValidate *validator.Validate

func init() {
	specValidate = validator.New()
	specValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	if err := specValidate.RegisterValidation("relation_kind", validateRelationKind); err != nil {
		panic(fmt.Sprintf("register relation_kind validator: %v", err))
	}
}

func validateRelationKind(fl validator.FieldLevel) bool {
	return ValidRelationKinds[RelationKind(fl.Field().String())]
}

// Validate checks a ForrestSpec against schema rules.
// Returns all errors (not fail-fast) for better developer experience.
func (f *ForrestSpec) Validate() []ValidationError {
	var errs []ValidationError

	if err := specValidate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Field:   fieldPath(fe.Namespace()),
					Message: tagMessage(fe),
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: "forrest", Message: err.Error()})
		}
	}

	seen := make(map[string]bool)
	for i, t := range f.Trees {
		if seen[t.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("trees[%d].name", i),
				Message: fmt.Sprintf("duplicate tree name: %q", t.Name),
			})
		}
		seen[t.Name] = true
		if t.URL != "" && strings.HasPrefix(t.URL, "alias(") {
			if _, ok := t.AliasOf(); !ok {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("trees[%d].url", i),
					Message: fmt.Sprintf("malformed alias %q", t.URL),
				})
			}
		}
	}

	return errs
}

// fieldPath turns a validator namespace ("ForrestSpec.trees[0].name")
// into the JSON path used in CLI output ("trees[0].name").
func fieldPath(ns string) string {
	_, path, found := strings.Cut(ns, ".")
	if !found {
		return ns
	}
	return path
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "relation_kind":
		return fmt.Sprintf("unknown relation kind %q", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
