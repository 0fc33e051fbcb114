package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ExportJSONSchema renders a completed descriptor as a JSON Schema draft-7
// document, for external tooling and raw-payload validation. Enum types become
// enum schemas; object types become closed object schemas (no additional
// properties) with their declared defaults; primitives map to the
// corresponding JSON types.
//
// Only descriptors that are already complete can be exported; this function
// never talks to the peer.
func (r *Registry) ExportJSONSchema(name string) (map[string]any, error) {
	entry, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("no descriptor registered for '%s'", name)
	}
	if !entry.Complete() {
		return nil, fmt.Errorf("descriptor for '%s' is not complete", name)
	}

	doc := r.schemaFor(name, map[string]bool{})
	doc["$schema"] = "http://json-schema.org/draft-07/schema#"
	doc["title"] = entry.Name
	return doc, nil
}

// schemaFor builds the schema fragment for a type name. seen guards against
// descriptor cycles; a revisited type degrades to the permissive empty schema.
func (r *Registry) schemaFor(name string, seen map[string]bool) map[string]any {
	if IsArrayName(name) {
		return map[string]any{
			"type":  "array",
			"items": r.schemaFor(ElementName(name), seen),
		}
	}

	switch strings.ToLower(name) {
	case "int", "long", "integer":
		return map[string]any{"type": "integer"}
	case "double", "float":
		return map[string]any{"type": "number"}
	case "boolean", "bool":
		return map[string]any{"type": "boolean"}
	case "string":
		return map[string]any{"type": "string"}
	}

	if seen[name] {
		return map[string]any{}
	}
	seen[name] = true
	defer delete(seen, name)

	entry, ok := r.Lookup(name)
	if !ok || !entry.Complete() {
		return map[string]any{}
	}

	switch {
	case entry.IsEnum():
		return map[string]any{"enum": entry.EnumValues}
	case entry.IsObject():
		properties := make(map[string]any, len(entry.Fields))
		for field, fieldType := range entry.Fields {
			fieldSchema := r.schemaFor(fieldType, seen)
			if def := entry.Defaults[field]; def != nil {
				fieldSchema["default"] = def
			}
			properties[field] = fieldSchema
		}
		return map[string]any{
			"type":                 "object",
			"properties":           properties,
			"additionalProperties": false,
		}
	default:
		return map[string]any{}
	}
}

// ValidateJSON checks a raw JSON payload against the named descriptor's
// exported JSON Schema. This is a convenience for callers holding encoded
// payloads; Validator remains the authority for call arguments.
func (r *Registry) ValidateJSON(name string, payload []byte) error {
	doc, err := r.ExportJSONSchema(name)
	if err != nil {
		return err
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(doc), gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation failed for '%s': %w", name, err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &ValidationError{
		TypeName: name,
		Details:  strings.Join(details, "; "),
	}
}
