// Package dictionary defines the versioned data dictionary model used to
// validate clinical records: dictionaries, schema definitions, field
// definitions and the raw/typed record shapes they validate.
package dictionary

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueType identifies the primitive type a field value is coerced to.
type ValueType string

// Supported field value types.
const (
	ValueTypeString  ValueType = "string"
	ValueTypeInteger ValueType = "integer"
	ValueTypeNumber  ValueType = "number"
	ValueTypeBoolean ValueType = "boolean"
)

// Valid reports whether the value type is one of the supported types.
func (v ValueType) Valid() bool {
	switch v {
	case ValueTypeString, ValueTypeInteger, ValueTypeNumber, ValueTypeBoolean:
		return true
	default:
		return false
	}
}

// SchemaDictionary is one immutable version of the data dictionary. A new
// version is always a new value; callers must not mutate a loaded dictionary.
type SchemaDictionary struct {
	Name    string             `json:"name" yaml:"name"`
	Version string             `json:"version" yaml:"version"`
	Schemas []SchemaDefinition `json:"schemas" yaml:"schemas"`
}

// SchemaDefinition describes one clinical entity type (donor, specimen, ...).
type SchemaDefinition struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Key         string            `json:"key,omitempty" yaml:"key,omitempty"`
	Fields      []FieldDefinition `json:"fields" yaml:"fields"`
}

// FieldDefinition describes a single field of a schema.
type FieldDefinition struct {
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
	ValueType    ValueType    `json:"valueType" yaml:"valueType"`
	Meta         FieldMeta    `json:"meta,omitempty" yaml:"meta,omitempty"`
	Restrictions Restrictions `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
}

// FieldMeta carries non-validating field annotations.
type FieldMeta struct {
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Core     bool   `json:"core,omitempty" yaml:"core,omitempty"`
	Default  string `json:"default,omitempty" yaml:"default,omitempty"`
}

// Restrictions are the validating constraints attached to a field.
type Restrictions struct {
	CodeList CodeList `json:"codeList,omitempty" yaml:"codeList,omitempty"`
	Regex    string   `json:"regex,omitempty" yaml:"regex,omitempty"`
	Script   []string `json:"script,omitempty" yaml:"script,omitempty"`
	Range    *Range   `json:"range,omitempty" yaml:"range,omitempty"`
	Required bool     `json:"required,omitempty" yaml:"required,omitempty"`
}

// Range bounds numeric field values. Nil bounds are open.
type Range struct {
	Min          *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max          *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	ExclusiveMin *float64 `json:"exclusiveMin,omitempty" yaml:"exclusiveMin,omitempty"`
	ExclusiveMax *float64 `json:"exclusiveMax,omitempty" yaml:"exclusiveMax,omitempty"`
}

// Contains reports whether v satisfies every configured bound.
func (r *Range) Contains(v float64) bool {
	if r == nil {
		return true
	}
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	if r.ExclusiveMin != nil && v <= *r.ExclusiveMin {
		return false
	}
	if r.ExclusiveMax != nil && v >= *r.ExclusiveMax {
		return false
	}
	return true
}

// CodeList enumerates the permissible values of a field. Numeric entries in
// the source document are normalised to their string form.
type CodeList []string

// UnmarshalJSON accepts both string and numeric code list entries.
func (c *CodeList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode code list: %w", err)
	}
	out := make(CodeList, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var n json.Number
		if err := json.Unmarshal(item, &n); err != nil {
			return fmt.Errorf("decode code list entry %s: %w", string(item), err)
		}
		out = append(out, n.String())
	}
	*c = out
	return nil
}

// Contains reports whether value is one of the listed codes.
func (c CodeList) Contains(value string) bool {
	for _, code := range c {
		if code == value {
			return true
		}
	}
	return false
}

// IsRequired reports whether a value must be present for the field.
func (f FieldDefinition) IsRequired() bool {
	return f.Restrictions.Required || f.Meta.Required
}

// Schema returns the schema definition with the given name.
func (d SchemaDictionary) Schema(name string) (SchemaDefinition, bool) {
	for _, schema := range d.Schemas {
		if schema.Name == name {
			return schema, true
		}
	}
	return SchemaDefinition{}, false
}

// SchemaNames lists schema names in dictionary order.
func (d SchemaDictionary) SchemaNames() []string {
	names := make([]string, 0, len(d.Schemas))
	for _, schema := range d.Schemas {
		names = append(names, schema.Name)
	}
	return names
}

// Field returns the field definition with the given name.
func (s SchemaDefinition) Field(name string) (FieldDefinition, bool) {
	for _, field := range s.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return FieldDefinition{}, false
}

// Clone returns a deep copy of the dictionary.
func (d SchemaDictionary) Clone() SchemaDictionary {
	cp := d
	cp.Schemas = make([]SchemaDefinition, len(d.Schemas))
	for i, schema := range d.Schemas {
		sc := schema
		sc.Fields = make([]FieldDefinition, len(schema.Fields))
		for j, field := range schema.Fields {
			sc.Fields[j] = field.clone()
		}
		cp.Schemas[i] = sc
	}
	return cp
}

func (f FieldDefinition) clone() FieldDefinition {
	cp := f
	cp.Restrictions.CodeList = append(CodeList(nil), f.Restrictions.CodeList...)
	cp.Restrictions.Script = append([]string(nil), f.Restrictions.Script...)
	if f.Restrictions.Range != nil {
		r := *f.Restrictions.Range
		cp.Restrictions.Range = &r
	}
	return cp
}

// FieldPath joins a schema and field name into the dotted path used by diffs.
func FieldPath(schema, field string) string {
	return schema + "." + field
}

// SplitFieldPath splits a dotted field path at its first separator.
func SplitFieldPath(path string) (schema, field string) {
	schema, field, _ = strings.Cut(path, ".")
	return schema, field
}

// DataRecord is a raw record as read from a submitted TSV row.
type DataRecord map[string]string

// TypedDataRecord holds the same keys as a DataRecord with values coerced to
// their field value types. Blank values are nil.
type TypedDataRecord map[string]any

// FormatValue renders a typed value back to the raw string form used in
// DataRecords.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []string:
		return strings.Join(val, ",")
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, FormatValue(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

// ToDataRecord renders a typed record back into its raw string form.
func ToDataRecord(rec map[string]any) DataRecord {
	out := make(DataRecord, len(rec))
	for k, v := range rec {
		out[k] = FormatValue(v)
	}
	return out
}
