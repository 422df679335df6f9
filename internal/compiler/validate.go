package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/cts/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrUnsupportedIRType = "E100" // unsupported IR type for validation

	// TreeSpec errors (E101-E109)
	ErrTreeNameInvalid    = "E101" // name is required
	ErrTreeKindMissing    = "E102" // kind is required
	ErrDuplicateTree      = "E103" // duplicate tree name
	ErrMalformedAlias     = "E104" // url looks like alias(...) but names nothing
	ErrUnknownAliasTarget = "E105" // alias(x) where x is not declared
	ErrInvalidFormat      = "E106" // format other than json or yaml
	ErrTreeNoDocument     = "E107" // neither url nor source

	// RelationSpec errors (E110-E119)
	ErrUnknownRelationKind = "E110" // kind not in the closed set
	ErrMissingSelection    = "E111" // selection names no tree
	ErrInvalidProp         = "E113" // bad prefix/suffix/item/limit/mod/step
	ErrDuplicateRelationID = "E114" // two relations with the same explicit id
	ErrAliasCycle          = "E115" // alias chain returns to itself

	// DependencySpec errors (E120-E129)
	ErrDependencyNoURL = "E120" // url is required

	// Warnings (W1xx) never fail validation.
	WarnUnresolvedTree = "W112" // relation names an undeclared tree; remapped at runtime
	WarnRelayCycle     = "W116" // values relay around a cycle of three or more trees
	WarnSelfRelay      = "W117" // value relation within a single tree
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates a compiled forrest against schema rules.
// Returns all errors found (does not fail-fast).
func Validate(v any) []ValidationError {
	switch spec := v.(type) {
	case *ir.ForrestSpec:
		return validateForrest(spec)
	case ir.ForrestSpec:
		return validateForrest(&spec)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

func validateForrest(spec *ir.ForrestSpec) []ValidationError {
	var errs []ValidationError

	// Struct-tag checks live with the IR; give each a code here.
	for _, ve := range spec.Validate() {
		errs = append(errs, ValidationError{
			Field:   ve.Field,
			Message: ve.Message,
			Code:    codeForField(ve.Field, ve.Message),
		})
	}

	declared := make(map[string]bool, len(spec.Trees))
	for _, t := range spec.Trees {
		declared[t.Name] = true
	}

	for i, t := range spec.Trees {
		field := fmt.Sprintf("trees[%d]", i)
		if target, ok := t.AliasOf(); ok && !declared[target] {
			errs = append(errs, ValidationError{
				Field:   field + ".url",
				Message: fmt.Sprintf("alias target %q is not declared", target),
				Code:    ErrUnknownAliasTarget,
			})
		}
		if t.URL == "" && t.Source == "" {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("tree %q needs a url or an inline source", t.Name),
				Code:    ErrTreeNoDocument,
			})
		}
	}

	ids := make(map[string]int)
	for i, r := range spec.Relations {
		field := fmt.Sprintf("relations[%d]", i)
		if r.ID != "" {
			if prev, dup := ids[r.ID]; dup {
				errs = append(errs, ValidationError{
					Field:   field + ".id",
					Message: fmt.Sprintf("id %q already used by relations[%d]", r.ID, prev),
					Code:    ErrDuplicateRelationID,
				})
			} else {
				ids[r.ID] = i
			}
		}
		errs = append(errs, validateProps(r.Selection1.Props, field+".selection1.props")...)
		errs = append(errs, validateProps(r.Selection2.Props, field+".selection2.props")...)
		errs = append(errs, validateProps(r.Opts, field+".opts")...)
	}

	errs = append(errs, aliasCycles(spec)...)
	return errs
}

// validateProps checks the collection options the engine reads. Unknown
// keys pass through for adapters.
func validateProps(props ir.Object, field string) []ValidationError {
	var errs []ValidationError
	for _, key := range props.SortedKeys() {
		val := props[key]
		switch key {
		case "prefix", "suffix", "limit", "mod", "step":
			if n, ok := val.(ir.Int); !ok || n < 0 {
				errs = append(errs, ValidationError{
					Field:   field + "." + key,
					Message: fmt.Sprintf("%s must be a non-negative int", key),
					Code:    ErrInvalidProp,
				})
			}
		case "item":
			switch item := val.(type) {
			case ir.Int:
				if item < 0 {
					errs = append(errs, ValidationError{
						Field:   field + ".item",
						Message: "item must be a non-negative int",
						Code:    ErrInvalidProp,
					})
				}
			case ir.String:
				if item != "random" {
					errs = append(errs, ValidationError{
						Field:   field + ".item",
						Message: fmt.Sprintf("item must be an index or \"random\", got %q", string(item)),
						Code:    ErrInvalidProp,
					})
				}
			case ir.Null:
			default:
				errs = append(errs, ValidationError{
					Field:   field + ".item",
					Message: "item must be an index or \"random\"",
					Code:    ErrInvalidProp,
				})
			}
		}
	}
	return errs
}

// codeForField maps an IR validation failure to its error code by the
// field it was reported on.
func codeForField(field, message string) string {
	switch {
	case strings.HasPrefix(field, "trees") && strings.HasSuffix(field, ".name"):
		if strings.Contains(message, "duplicate") {
			return ErrDuplicateTree
		}
		return ErrTreeNameInvalid
	case strings.HasPrefix(field, "trees") && strings.HasSuffix(field, ".kind"):
		return ErrTreeKindMissing
	case strings.HasPrefix(field, "trees") && strings.HasSuffix(field, ".url"):
		return ErrMalformedAlias
	case strings.HasPrefix(field, "trees") && strings.HasSuffix(field, ".format"):
		return ErrInvalidFormat
	case strings.HasPrefix(field, "relations") && strings.HasSuffix(field, ".kind"):
		return ErrUnknownRelationKind
	case strings.HasPrefix(field, "relations"):
		return ErrMissingSelection
	case strings.HasPrefix(field, "dependencies"):
		return ErrDependencyNoURL
	default:
		return ErrUnsupportedIRType
	}
}
