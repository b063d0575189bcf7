// Package schema validates drafted sections and structured model output
// against donor rules.
package schema

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes a single schema violation.
type ValidationError struct {
	Path    string
	Message string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// indicatorRules apply to every logframe indicator regardless of donor.
var indicatorRules = map[string]any{
	"indicator_id": "required",
	"name":         "required",
	"result_id":    "required",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := f.Tag.Get("json")
		if tag == "" {
			tag = f.Tag.Get("yaml")
		}
		name := strings.SplitN(tag, ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidateDraft checks a draft against validator rules keyed by field name.
// Nested rule maps validate nested objects. Errors are sorted by path.
func ValidateDraft(draft map[string]any, rules map[string]any) []ValidationError {
	if len(rules) == 0 {
		return nil
	}
	if draft == nil {
		draft = map[string]any{}
	}
	errs := flatten("", validate.ValidateMap(draft, rules))
	sortErrors(errs)
	return errs
}

// ValidateLogframe checks the indicator list shape of a logframe draft.
func ValidateLogframe(lf map[string]any) []ValidationError {
	raw, ok := lf["indicators"]
	if !ok {
		return []ValidationError{{"indicators", "required"}}
	}
	items, ok := raw.([]any)
	if !ok {
		return []ValidationError{{"indicators", "must be a list"}}
	}
	var errs []ValidationError
	for i, item := range items {
		prefix := fmt.Sprintf("indicators[%d]", i)
		m, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, ValidationError{prefix, "must be an object"})
			continue
		}
		errs = append(errs, flatten(prefix, validate.ValidateMap(m, indicatorRules))...)
	}
	sortErrors(errs)
	return errs
}

// ValidateStruct runs struct-tag validation, reporting json field paths.
func ValidateStruct(v any) []ValidationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{"", err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{Path: structPath(fe.Namespace()), Message: describe(fe)})
	}
	sortErrors(out)
	return out
}

// Messages renders errors as "path: message" strings.
func Messages(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

func flatten(prefix string, m map[string]any) []ValidationError {
	var out []ValidationError
	for field, v := range m {
		path := field
		if prefix != "" {
			path = prefix + "." + field
		}
		switch e := v.(type) {
		case map[string]any:
			out = append(out, flatten(path, e)...)
		case validator.ValidationErrors:
			for _, fe := range e {
				out = append(out, ValidationError{path, describe(fe)})
			}
		case error:
			out = append(out, ValidationError{path, e.Error()})
		}
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "min":
		return "must have at least " + fe.Param()
	case "max":
		return "must have at most " + fe.Param()
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte", "lte":
		return fmt.Sprintf("failed %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	}
	if fe.Param() != "" {
		return fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
	}
	return "failed " + fe.Tag()
}

// structPath drops the root type name from a validator namespace.
func structPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func sortErrors(errs []ValidationError) {
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Path != errs[j].Path {
			return errs[i].Path < errs[j].Path
		}
		return errs[i].Message < errs[j].Message
	})
}
