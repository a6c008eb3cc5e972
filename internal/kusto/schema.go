// Package kusto maps Log Analytics column metadata to record schemas.
package kusto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FieldType is a terminal scalar descriptor for a schema field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeUUID     FieldType = "uuid"
	TypeInteger  FieldType = "integer"
	TypeNumber   FieldType = "number"
	TypeDecimal  FieldType = "decimal"
	TypeBoolean  FieldType = "boolean"
	TypeDateTime FieldType = "date-time"
)

// columnTypes maps upstream declared column types to field types.
// Ambiguous semi-structured types (dynamic, timespan) collapse to string:
// structured payloads arrive as their serialized form, and the shape
// inference that would otherwise be needed per row is punted downstream.
var columnTypes = map[string]FieldType{
	"string":   TypeString,
	"guid":     TypeUUID,
	"long":     TypeInteger,
	"int":      TypeInteger,
	"real":     TypeNumber,
	"decimal":  TypeDecimal,
	"bool":     TypeBoolean,
	"datetime": TypeDateTime,
	"timespan": TypeString,
	"dynamic":  TypeString,
}

// MapColumnType maps an upstream declared type name to a field type.
// Unrecognized names default to string.
func MapColumnType(declared string) FieldType {
	if t, ok := columnTypes[strings.ToLower(declared)]; ok {
		return t
	}
	return TypeString
}

// Column is an upstream column: name plus declared type.
type Column struct {
	Name string
	Type string
}

// Field is one entry of a record schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema is an ordered record schema, one per stream. An empty schema
// means "undiscovered", not "the stream has no fields"; callers should
// re-probe on a later run once data exists.
type Schema struct {
	Fields []Field
}

// InferSchema maps columns to fields in order. Column order is field order.
func InferSchema(columns []Column) Schema {
	if len(columns) == 0 {
		return Schema{}
	}
	fields := make([]Field, len(columns))
	for i, c := range columns {
		fields[i] = Field{Name: c.Name, Type: MapColumnType(c.Type)}
	}
	return Schema{Fields: fields}
}

func (s Schema) Empty() bool {
	return len(s.Fields) == 0
}

// property returns the JSON-schema fragment for a field type. Every
// field is nullable: log rows routinely carry nulls for any column.
func (t FieldType) property() map[string]any {
	switch t {
	case TypeInteger:
		return map[string]any{"type": []string{"integer", "null"}}
	case TypeNumber, TypeDecimal:
		return map[string]any{"type": []string{"number", "null"}}
	case TypeBoolean:
		return map[string]any{"type": []string{"boolean", "null"}}
	case TypeDateTime:
		return map[string]any{"type": []string{"string", "null"}, "format": "date-time"}
	case TypeUUID:
		return map[string]any{"type": []string{"string", "null"}, "format": "uuid"}
	default:
		return map[string]any{"type": []string{"string", "null"}}
	}
}

// Document renders the schema as a JSON-schema object document,
// preserving field order in the properties object.
func (s Schema) Document() (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":"object","properties":{`)
	for i, f := range s.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, fmt.Errorf("marshal field name %q: %w", f.Name, err)
		}
		prop, err := json.Marshal(f.Type.property())
		if err != nil {
			return nil, fmt.Errorf("marshal property %q: %w", f.Name, err)
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(prop)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}
