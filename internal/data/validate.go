package data

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared by configuration loading and request decoding.
// Packages add their own rules through RegisterRule and RegisterStructRule
// from init, before anything is validated.
var validate *validator.Validate

// messages renders a failed rule. param is the rule parameter and value the
// offending value.
var messages = map[string]func(field, param string, value any) string{
	"required": func(f, _ string, _ any) string { return f + " is required" },
	"required_if": func(f, p string, _ any) string {
		return fmt.Sprintf("%s is required when %s", f, strings.Join(pairs(p), " and "))
	},
	"required_for": func(f, p string, _ any) string { return fmt.Sprintf("%s is required for %s", f, p) },
	"oneof": func(f, p string, v any) string {
		return fmt.Sprintf("%s must be one of [%s], got %v", f, p, v)
	},
	"gt":  func(f, p string, v any) string { return fmt.Sprintf("%s must be greater than %s, got %v", f, p, v) },
	"gte": func(f, p string, v any) string { return fmt.Sprintf("%s must be at least %s, got %v", f, p, v) },
	"lte": func(f, p string, v any) string { return fmt.Sprintf("%s must be at most %s, got %v", f, p, v) },
	"min": func(f, p string, _ any) string {
		if p == "1" {
			return f + " must not be empty"
		}
		return fmt.Sprintf("%s must have at least %s entries", f, p)
	},
	"gtefield": func(f, p string, _ any) string { return fmt.Sprintf("%s must not be below %s", f, p) },
	"ltefield": func(f, p string, _ any) string { return fmt.Sprintf("%s must not exceed %s", f, p) },
	"numeric_for": func(f, p string, v any) string {
		return fmt.Sprintf("%s must be int or float for %s, got %v", f, p, v)
	},
	"missing":     func(f, p string, _ any) string { return fmt.Sprintf("%s missing %s", f, p) },
	"unknown_tag": func(f, p string, _ any) string { return fmt.Sprintf("%s references unknown tag %s", f, p) },
	"action":      func(f, _ string, v any) string { return fmt.Sprintf("%s: unknown remediation action %q", f, v) },
	"event_type":  func(f, _ string, v any) string { return fmt.Sprintf("%s: invalid event type %q", f, v) },
}

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(fieldName)
	RegisterRule("action", nil, func(fl validator.FieldLevel) bool {
		_, err := ParseAction(fl.Field().String())
		return err == nil
	})
	RegisterRule("event_type", nil, func(fl validator.FieldLevel) bool {
		_, err := ParseEventType(fl.Field().String())
		return err == nil
	})
	RegisterStructRule(tagConfigRules, TagConfig{})
}

// fieldName reports fields by their configuration or wire name.
func fieldName(f reflect.StructField) string {
	for _, key := range []string{"mapstructure", "json"} {
		name, _, _ := strings.Cut(f.Tag.Get(key), ",")
		if name != "" && name != "-" {
			return name
		}
	}
	return ""
}

func pairs(param string) []string {
	fields := strings.Fields(param)
	out := make([]string, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		out = append(out, fields[i]+"="+fields[i+1])
	}
	return out
}

// RegisterRule adds a field rule. msg may be nil for rules registered here.
func RegisterRule(tag string, msg func(field, param string, value any) string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
	if msg != nil {
		messages[tag] = msg
	}
}

// RegisterStructRule adds a cross-field rule for the given struct types.
func RegisterStructRule(fn validator.StructLevelFunc, types ...any) {
	validate.RegisterStructValidation(fn, types...)
}

// Validate checks v against its validate tags and struct rules and returns
// every failure joined, or nil.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, errors.New(describe(fe)))
	}
	return errors.Join(errs...)
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	if msg, ok := messages[fe.Tag()]; ok {
		return msg(field, fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed the %q rule", field, fe.Tag())
}

func tagConfigRules(sl validator.StructLevel) {
	t := sl.Current().Interface().(TagConfig)
	if t.Nominal == nil {
		sl.ReportError(t.Nominal, "nominal", "Nominal", "required", "")
	}
	switch t.Condition {
	case ConditionEquals:
		if t.FailureValue == nil {
			sl.ReportError(t.FailureValue, "failure_value", "FailureValue", "required_for", "condition equals")
		}
	case ConditionOutsideRange:
		if t.ThresholdLow == nil {
			sl.ReportError(t.ThresholdLow, "failure_threshold_low", "ThresholdLow", "required_for", "condition outside_range")
		}
		if t.ThresholdHigh == nil {
			sl.ReportError(t.ThresholdHigh, "failure_threshold_high", "ThresholdHigh", "required_for", "condition outside_range")
		}
	}
	if t.ThresholdLow != nil && t.ThresholdHigh != nil && *t.ThresholdLow > *t.ThresholdHigh {
		sl.ReportError(*t.ThresholdLow, "failure_threshold_low", "ThresholdLow", "ltefield", "failure_threshold_high")
	}
	switch t.Condition {
	case ConditionOutsideRange, ConditionBelow, ConditionAbove:
		if t.Type.Valid() && !t.Type.Numeric() {
			sl.ReportError(t.Type, "type", "Type", "numeric_for", "condition "+string(t.Condition))
		}
	}
}
