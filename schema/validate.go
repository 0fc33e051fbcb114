package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValidationError reports a structural mismatch between a value and its
// declared type. It is raised locally, never transmitted to the peer, and is
// always recoverable by correcting the input.
type ValidationError struct {
	TypeName string `json:"type_name"`
	Details  string `json:"details"`
	// Example holds a corrected example value for unknown-key failures: the
	// valid keys of the offending value layered onto the type's declared
	// defaults.
	Example string `json:"example,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Example != "" {
		return fmt.Sprintf("validation failed for type '%s': %s; a valid value looks like %s", e.TypeName, e.Details, e.Example)
	}
	return fmt.Sprintf("validation failed for type '%s': %s", e.TypeName, e.Details)
}

// Normalize converts an arbitrary Go value into the canonical decoded-JSON
// shape the validator operates on: map[string]any, []any, json.Number, string,
// bool, or nil. This is the same shape the wire decoder produces for inbound
// fields.
func Normalize(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// Validator recursively checks candidate values against registry descriptors.
type Validator struct {
	reg *Registry
}

// NewValidator creates a validator over reg.
func NewValidator(reg *Registry) *Validator {
	return &Validator{reg: reg}
}

// Validate checks value against the named type. Values must be in normalized
// decoded-JSON shape (see Normalize). Ensuring the type's descriptor is
// complete is a suspension point: the first reference to a type triggers a
// help round-trip.
//
// nil is accepted for every type; parameters are optional by default.
func (v *Validator) Validate(ctx context.Context, typeName string, value any) error {
	if value == nil {
		return nil
	}

	if IsArrayName(typeName) {
		elemType := ElementName(typeName)
		seq, ok := value.([]any)
		if !ok {
			return &ValidationError{
				TypeName: typeName,
				Details:  fmt.Sprintf("expected an array of %s, got %T", elemType, value),
			}
		}
		for i, elem := range seq {
			if err := v.Validate(ctx, elemType, elem); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	}

	entry, err := v.reg.EnsureComplete(ctx, typeName)
	if err != nil {
		return err
	}

	switch {
	case entry.IsEnum():
		return validateEnum(entry, value)
	case entry.IsObject():
		return v.validateObject(ctx, entry, value)
	default:
		return validatePrimitive(typeName, value)
	}
}

// validateEnum checks exact, case-sensitive membership in the type's value set.
func validateEnum(entry *Entry, value any) error {
	for _, candidate := range entry.EnumValues {
		if jsonEqual(candidate, value) {
			return nil
		}
	}
	return &ValidationError{
		TypeName: entry.Name,
		Details:  fmt.Sprintf("%s is not one of the allowed values %s", encodeForMessage(value), encodeForMessage(entry.EnumValues)),
	}
}

// validateObject checks that every key of value is a declared field and
// recursively validates each present field against its declared type. An
// unknown key fails with a corrected example: the valid keys of value layered
// onto the type's declared defaults.
func (v *Validator) validateObject(ctx context.Context, entry *Entry, value any) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return &ValidationError{
			TypeName: entry.Name,
			Details:  fmt.Sprintf("expected an object, got %s", encodeForMessage(value)),
		}
	}

	var unknown []string
	for key := range obj {
		if _, declared := entry.Fields[key]; !declared {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		example := make(map[string]any, len(entry.Fields))
		for field, def := range entry.Defaults {
			if def != nil {
				example[field] = def
			}
		}
		for key, val := range obj {
			if _, declared := entry.Fields[key]; declared {
				example[key] = val
			}
		}
		return &ValidationError{
			TypeName: entry.Name,
			Details:  fmt.Sprintf("unknown key(s) %s", strings.Join(unknown, ", ")),
			Example:  encodeForMessage(example),
		}
	}

	for key, val := range obj {
		if err := v.Validate(ctx, entry.Fields[key], val); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	return nil
}

// validatePrimitive applies the primitive coercion rules for a leaf type. The
// kind name is matched case-insensitively to cover the peer's capitalized
// Java-style aliases; unrecognized kinds accept everything.
func validatePrimitive(typeName string, value any) error {
	switch strings.ToLower(typeName) {
	case "int", "long", "integer":
		num, ok := toNumber(value)
		if !ok {
			return &ValidationError{TypeName: typeName, Details: fmt.Sprintf("%s is not a number", encodeForMessage(value))}
		}
		if num != math.Trunc(num) {
			return &ValidationError{TypeName: typeName, Details: fmt.Sprintf("%s is not an integer", encodeForMessage(value))}
		}
	case "double", "float":
		if _, ok := toNumber(value); !ok {
			return &ValidationError{TypeName: typeName, Details: fmt.Sprintf("%s is not a number", encodeForMessage(value))}
		}
	case "boolean", "bool":
		if _, isBool := value.(bool); !isBool && isTruthy(value) {
			return &ValidationError{TypeName: typeName, Details: fmt.Sprintf("%s is truthy but not a boolean", encodeForMessage(value))}
		}
	case "string":
		switch value.(type) {
		case map[string]any, []any:
			return &ValidationError{TypeName: typeName, Details: fmt.Sprintf("%s is not a string-compatible value", encodeForMessage(value))}
		}
	}
	return nil
}

// toNumber extracts a float64 from any value the peer would treat as numeric,
// including numeric strings.
func toNumber(value any) (float64, bool) {
	switch n := value.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// isTruthy mirrors the peer's loose truthiness: empty strings, zero numbers,
// false and nil are falsy; everything else is truthy.
func isTruthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case json.Number:
		f, err := v.Float64()
		return err != nil || f != 0
	case float64:
		return v != 0
	default:
		return true
	}
}

// jsonEqual compares two decoded-JSON values by their canonical encoding.
// Enum values arrive from the wire as json.Number/string and candidate values
// pass through Normalize, so encoding comparison is exact.
func jsonEqual(a, b any) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// encodeForMessage renders a value for an error message, falling back to %v
// for values that fail to encode.
func encodeForMessage(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(encoded)
}
