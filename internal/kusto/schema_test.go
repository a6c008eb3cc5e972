package kusto

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMapColumnType(t *testing.T) {
	cases := []struct {
		declared string
		want     FieldType
	}{
		{"string", TypeString},
		{"guid", TypeUUID},
		{"long", TypeInteger},
		{"int", TypeInteger},
		{"real", TypeNumber},
		{"decimal", TypeDecimal},
		{"bool", TypeBoolean},
		{"datetime", TypeDateTime},
		{"timespan", TypeString},
		{"dynamic", TypeString},
		{"Dynamic", TypeString},
		{"DATETIME", TypeDateTime},
		{"whatisthis", TypeString},
		{"", TypeString},
	}

	for _, tc := range cases {
		if got := MapColumnType(tc.declared); got != tc.want {
			t.Errorf("MapColumnType(%q) = %q, want %q", tc.declared, got, tc.want)
		}
	}
}

func TestInferSchema_PreservesColumnOrder(t *testing.T) {
	schema := InferSchema([]Column{
		{Name: "TimeGenerated", Type: "datetime"},
		{Name: "Computer", Type: "string"},
		{Name: "CounterValue", Type: "real"},
	})

	if len(schema.Fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(schema.Fields))
	}
	wantNames := []string{"TimeGenerated", "Computer", "CounterValue"}
	for i, name := range wantNames {
		if schema.Fields[i].Name != name {
			t.Errorf("field %d = %q, want %q", i, schema.Fields[i].Name, name)
		}
	}
	if schema.Fields[0].Type != TypeDateTime {
		t.Errorf("TimeGenerated type = %q, want %q", schema.Fields[0].Type, TypeDateTime)
	}
}

func TestInferSchema_DynamicColumnsCollapseToString(t *testing.T) {
	schema := InferSchema([]Column{
		{Name: "id", Type: "int"},
		{Name: "properties", Type: "dynamic"},
		{Name: "tags", Type: "dynamic"},
	})

	want := []FieldType{TypeInteger, TypeString, TypeString}
	for i, ft := range want {
		if schema.Fields[i].Type != ft {
			t.Errorf("field %d type = %q, want %q", i, schema.Fields[i].Type, ft)
		}
	}
}

func TestInferSchema_Empty(t *testing.T) {
	schema := InferSchema(nil)
	if !schema.Empty() {
		t.Errorf("expected empty schema, got %d fields", len(schema.Fields))
	}
}

func TestDocument(t *testing.T) {
	schema := InferSchema([]Column{
		{Name: "TimeGenerated", Type: "datetime"},
		{Name: "CorrelationId", Type: "guid"},
		{Name: "Count", Type: "long"},
		{Name: "Properties", Type: "dynamic"},
	})

	doc, err := schema.Document()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type   []string `json:"type"`
			Format string   `json:"format"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		t.Fatalf("document is not valid JSON: %v", err)
	}

	if parsed.Type != "object" {
		t.Errorf("type = %q, want object", parsed.Type)
	}
	if len(parsed.Properties) != 4 {
		t.Fatalf("expected 4 properties, got %d", len(parsed.Properties))
	}
	tg := parsed.Properties["TimeGenerated"]
	if tg.Format != "date-time" || tg.Type[0] != "string" {
		t.Errorf("TimeGenerated = %+v, want string/date-time", tg)
	}
	if parsed.Properties["CorrelationId"].Format != "uuid" {
		t.Errorf("CorrelationId format = %q, want uuid", parsed.Properties["CorrelationId"].Format)
	}
	if parsed.Properties["Count"].Type[0] != "integer" {
		t.Errorf("Count type = %v, want integer", parsed.Properties["Count"].Type)
	}
	if parsed.Properties["Properties"].Type[0] != "string" {
		t.Errorf("Properties type = %v, want string", parsed.Properties["Properties"].Type)
	}
	if tg.Type[1] != "null" {
		t.Errorf("fields should be nullable, got %v", tg.Type)
	}

	// The properties object keeps column order.
	raw := string(doc)
	if strings.Index(raw, "TimeGenerated") > strings.Index(raw, "Count") {
		t.Error("properties lost column order")
	}
}

func TestDocument_EmptySchema(t *testing.T) {
	doc, err := Schema{}.Document()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(doc) != `{"type":"object","properties":{}}` {
		t.Errorf("empty schema document = %s", doc)
	}
}
