// Package schema implements the schema registry (C2): typed field
// definitions that records (tasks, proposals) are validated and
// default-filled against before they are allowed into channel state.
package schema

import (
	"fmt"
	"sort"
	"time"
)

// FieldType enumerates the field types a schema document can declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeList    FieldType = "list[string]"
	TypeObject  FieldType = "object"
	TypeEnum    FieldType = "enum"
)

// Field describes one field of a schema document.
type Field struct {
	Type       FieldType         `json:"type"`
	Required   bool              `json:"required,omitempty"`
	Default    any               `json:"default,omitempty"`
	MinLength  *int              `json:"min_length,omitempty"`
	MaxLength  *int              `json:"max_length,omitempty"`
	Min        *float64          `json:"min,omitempty"`
	Max        *float64          `json:"max,omitempty"`
	Values     []string          `json:"values,omitempty"`
	Fields     map[string]*Field `json:"fields,omitempty"`
}

// Document is a schema document as stored in channel state's `schemas` map.
type Document struct {
	SchemaName  string            `json:"schema_name"`
	Version     int               `json:"version"`
	Description string            `json:"description"`
	Fields      map[string]*Field `json:"fields"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Registry stores schema documents by name. It is not safe for concurrent
// use directly — callers embed it under the state store's single mutex.
type Registry struct {
	docs map[string]*Document
}

// NewRegistry returns a registry seeded with the built-in genesis schemas
// (task_v1, task_v2, proposal_v1).
func NewRegistry() *Registry {
	r := &Registry{docs: map[string]*Document{}}
	for _, d := range builtinSchemas() {
		r.docs[d.SchemaName] = d
	}
	return r
}

// Get returns the schema document for name, or false if it is unknown.
func (r *Registry) Get(name string) (*Document, bool) {
	d, ok := r.docs[name]
	return d, ok
}

// Put stores or replaces a schema document (used by the update_schema
// ratified command).
func (r *Registry) Put(doc *Document) {
	r.docs[doc.SchemaName] = doc
}

// Snapshot returns a copy of the name-to-document map; the documents
// themselves are shared with the registry, not copied.
func (r *Registry) Snapshot() map[string]*Document {
	out := make(map[string]*Document, len(r.docs))
	for k, v := range r.docs {
		out[k] = v
	}
	return out
}

// Validate enforces required-ness, type, constraints, and enum membership
// for every field the named schema declares. Extra fields present in
// record but not in the schema are permitted. It returns a descriptive
// error naming the first violation found, or nil if record is valid.
func (r *Registry) Validate(record map[string]any, schemaName string) error {
	doc, ok := r.docs[schemaName]
	if !ok {
		return fmt.Errorf("schema: unknown schema %q", schemaName)
	}
	return validateFields(record, doc.Fields, "")
}

func validateFields(record map[string]any, fields map[string]*Field, path string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := fields[name]
		fullName := name
		if path != "" {
			fullName = path + "." + name
		}

		value, present := record[name]
		if !present || value == nil {
			if field.Required {
				return fmt.Errorf("schema: field %q is required", fullName)
			}
			continue
		}
		if err := validateField(value, field, fullName); err != nil {
			return err
		}
	}
	return nil
}

func validateField(value any, field *Field, name string) error {
	switch field.Type {
	case TypeString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("schema: field %q must be a string", name)
		}
		if field.MinLength != nil && len(s) < *field.MinLength {
			return fmt.Errorf("schema: field %q shorter than min_length %d", name, *field.MinLength)
		}
		if field.MaxLength != nil && len(s) > *field.MaxLength {
			return fmt.Errorf("schema: field %q longer than max_length %d", name, *field.MaxLength)
		}
	case TypeInteger:
		n, ok := asFloat(value)
		if !ok {
			return fmt.Errorf("schema: field %q must be an integer", name)
		}
		if n != float64(int64(n)) {
			return fmt.Errorf("schema: field %q must be an integer", name)
		}
		if field.Min != nil && n < *field.Min {
			return fmt.Errorf("schema: field %q below min %v", name, *field.Min)
		}
		if field.Max != nil && n > *field.Max {
			return fmt.Errorf("schema: field %q above max %v", name, *field.Max)
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("schema: field %q must be a boolean", name)
		}
	case TypeList:
		list, ok := value.([]any)
		if !ok {
			return fmt.Errorf("schema: field %q must be a list", name)
		}
		for i, item := range list {
			if _, ok := item.(string); !ok {
				return fmt.Errorf("schema: field %q[%d] must be a string", name, i)
			}
		}
	case TypeObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("schema: field %q must be an object", name)
		}
		if field.Fields != nil {
			if err := validateFields(obj, field.Fields, name); err != nil {
				return err
			}
		}
	case TypeEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("schema: field %q must be a string enum value", name)
		}
		found := false
		for _, v := range field.Values {
			if v == s {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("schema: field %q value %q not in enum %v", name, s, field.Values)
		}
	default:
		return fmt.Errorf("schema: field %q has unknown type %q", name, field.Type)
	}
	return nil
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// ApplyDefaults returns a deep copy of record with every missing field
// (recursively, for nested object fields) filled in from the schema's
// declared defaults. ApplyDefaults is idempotent: applying it twice
// produces the same result as applying it once.
func (r *Registry) ApplyDefaults(record map[string]any, schemaName string) (map[string]any, error) {
	doc, ok := r.docs[schemaName]
	if !ok {
		return nil, fmt.Errorf("schema: unknown schema %q", schemaName)
	}
	return applyDefaultsFields(deepCopyMap(record), doc.Fields), nil
}

func applyDefaultsFields(record map[string]any, fields map[string]*Field) map[string]any {
	for name, field := range fields {
		value, present := record[name]
		if !present || value == nil {
			if field.Default != nil {
				record[name] = deepCopyValue(field.Default)
			}
			continue
		}
		if field.Type == TypeObject && field.Fields != nil {
			if obj, ok := value.(map[string]any); ok {
				record[name] = applyDefaultsFields(obj, field.Fields)
			}
		}
	}
	return record
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
