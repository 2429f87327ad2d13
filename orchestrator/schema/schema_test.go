package schema

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return v
}

func intPtr(n int) *int           { return &n }
func floatPtr(f float64) *float64 { return &f }

func TestValidateRequiredAndTypes(t *testing.T) {
	s := &InputSchema{Fields: []Field{
		{Name: "name", Type: TypeString, Required: true, MinLength: intPtr(2)},
		{Name: "age", Type: TypeInteger, Min: floatPtr(0), Max: floatPtr(150)},
		{Name: "email", Type: TypeEmail},
		{Name: "site", Type: TypeURL},
		{Name: "active", Type: TypeBoolean},
	}}

	if issues := s.Validate(decode(t, `{"name":"ok","age":30,"email":"a@b.co","site":"https://x.dev","active":true}`)); len(issues) != 0 {
		t.Fatalf("valid input rejected: %v", issues)
	}

	issues := s.Validate(decode(t, `{"age":3.5,"email":"nope","site":"not a url","active":"yes"}`))
	want := map[string]bool{"name": true, "age": true, "email": true, "site": true, "active": true}
	if len(issues) != len(want) {
		t.Fatalf("expected %d issues, got %v", len(want), issues)
	}
	for _, issue := range issues {
		if !want[issue.Field] {
			t.Errorf("unexpected issue field %q", issue.Field)
		}
	}
}

func TestValidateStrictRejectsUnknownKeys(t *testing.T) {
	s := &InputSchema{Strict: true, Fields: []Field{{Name: "a", Type: TypeString}}}
	issues := s.Validate(decode(t, `{"a":"x","mystery":1}`))
	if len(issues) != 1 || issues[0].Field != "mystery" {
		t.Fatalf("expected unknown-key issue, got %v", issues)
	}

	lax := &InputSchema{Fields: []Field{{Name: "a", Type: TypeString}}}
	if issues := lax.Validate(decode(t, `{"a":"x","mystery":1}`)); len(issues) != 0 {
		t.Fatalf("non-strict schema must allow unknown keys, got %v", issues)
	}
}

func TestValidateSelectOptions(t *testing.T) {
	s := &InputSchema{Fields: []Field{
		{Name: "mode", Type: TypeSelect, Options: []string{"fast", "slow"}},
		{Name: "tags", Type: TypeMultiselect, Options: []string{"a", "b"}},
	}}
	if issues := s.Validate(decode(t, `{"mode":"fast","tags":["a","b"]}`)); len(issues) != 0 {
		t.Fatalf("valid options rejected: %v", issues)
	}
	issues := s.Validate(decode(t, `{"mode":"warp","tags":["a","z"]}`))
	if len(issues) != 2 {
		t.Fatalf("expected 2 option issues, got %v", issues)
	}
}

func TestValidateNestedArrayAndObject(t *testing.T) {
	s := &InputSchema{Fields: []Field{
		{
			Name: "rows", Type: TypeArray, MinLength: intPtr(1),
			Items: &Field{Name: "row", Type: TypeObject, Properties: map[string]Field{
				"id":   {Name: "id", Type: TypeInteger, Required: true},
				"note": {Name: "note", Type: TypeString},
			}},
		},
	}}

	if issues := s.Validate(decode(t, `{"rows":[{"id":1,"note":"x"},{"id":2}]}`)); len(issues) != 0 {
		t.Fatalf("valid nested input rejected: %v", issues)
	}
	issues := s.Validate(decode(t, `{"rows":[{"note":"missing id"}]}`))
	if len(issues) != 1 || issues[0].Field != "rows[0].id" {
		t.Fatalf("expected rows[0].id issue, got %v", issues)
	}
}

func TestShowIfSkipsIrrelevantFields(t *testing.T) {
	s := &InputSchema{Fields: []Field{
		{Name: "kind", Type: TypeSelect, Options: []string{"basic", "advanced"}},
		{
			Name: "tuning", Type: TypeString, Required: true,
			ShowIf: &Condition{Field: "kind", Op: "eq", Value: "advanced"},
		},
	}}

	// Condition not met: the required field is not demanded.
	if issues := s.Validate(decode(t, `{"kind":"basic"}`)); len(issues) != 0 {
		t.Fatalf("hidden required field must not be demanded: %v", issues)
	}
	// Condition met: required enforcement kicks in.
	issues := s.Validate(decode(t, `{"kind":"advanced"}`))
	if len(issues) != 1 || issues[0].Field != "tuning" {
		t.Fatalf("expected tuning required, got %v", issues)
	}
}

func TestShowIfComparisons(t *testing.T) {
	gate := func(op string, value any) *InputSchema {
		return &InputSchema{Fields: []Field{
			{Name: "n", Type: TypeNumber},
			{Name: "gated", Type: TypeString, Required: true, ShowIf: &Condition{Field: "n", Op: op, Value: value}},
		}}
	}

	if issues := gate("gt", float64(10)).Validate(decode(t, `{"n":11}`)); len(issues) != 1 {
		t.Fatalf("gt 10 with n=11 must demand gated field: %v", issues)
	}
	if issues := gate("gt", float64(10)).Validate(decode(t, `{"n":10}`)); len(issues) != 0 {
		t.Fatalf("gt 10 with n=10 must skip gated field: %v", issues)
	}
	if issues := gate("in", []any{float64(1), float64(2)}).Validate(decode(t, `{"n":2}`)); len(issues) != 1 {
		t.Fatalf("in [1,2] with n=2 must demand gated field: %v", issues)
	}
	if issues := gate("notIn", []any{float64(1)}).Validate(decode(t, `{"n":1}`)); len(issues) != 0 {
		t.Fatalf("notIn [1] with n=1 must skip gated field: %v", issues)
	}
}

func TestValidateNonObjectInput(t *testing.T) {
	s := &InputSchema{Fields: []Field{{Name: "a", Type: TypeString}}}
	if issues := s.Validate(decode(t, `[1,2,3]`)); len(issues) != 1 {
		t.Fatalf("array input must be rejected, got %v", issues)
	}
	if issues := s.Validate(nil); len(issues) != 0 {
		t.Fatalf("nil input with no required fields must pass, got %v", issues)
	}
}
