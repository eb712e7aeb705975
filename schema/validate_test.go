package schema

import (
	"encoding/json"
	"testing"
)

func TestValidatePassesConformingArgs(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"x": {"type": "integer"}},
		"required": ["x"],
		"additionalProperties": false
	}`)
	args := json.RawMessage(`{"x": 1}`)

	failure, err := v.Validate("srv-1.tool-a", args, schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failure != nil {
		t.Fatalf("expected no failure, got %+v", failure)
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"x": {"type": "integer"}},
		"required": ["x"]
	}`)
	args := json.RawMessage(`{"x": "1"}`)

	failure, err := v.Validate("srv-1.tool-a", args, schema)
	if err == nil {
		t.Fatal("expected validation error for string where integer required")
	}
	if failure == nil {
		t.Fatal("expected a structured failure")
	}
}

func TestValidateRejectsAdditionalProperties(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"x": {"type": "integer"}},
		"additionalProperties": false
	}`)
	args := json.RawMessage(`{"x": 1, "y": 2}`)

	failure, err := v.Validate("srv-1.tool-a", args, schema)
	if err == nil {
		t.Fatal("expected rejection of undeclared property y")
	}
	if failure == nil {
		t.Fatal("expected a structured failure")
	}
}

func TestValidateEnforcesStrictModeWithoutExplicitAdditionalProperties(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"html": {"type": "string"}},
		"required": ["html"]
	}`)
	args := json.RawMessage(`{"html": "<p>hi</p>", "surprise": 1}`)

	failure, err := v.Validate("readability.readability_extract", args, schema)
	if err == nil {
		t.Fatal("expected rejection of undeclared property even without an explicit additionalProperties:false")
	}
	if failure == nil {
		t.Fatal("expected a structured failure")
	}
}

func TestValidateStrictModeAppliesToNestedObjects(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"options": {
				"type": "object",
				"properties": {"depth": {"type": "integer"}}
			}
		}
	}`)
	args := json.RawMessage(`{"options": {"depth": 1, "extra": true}}`)

	failure, err := v.Validate("srv-1.tool-b", args, schema)
	if err == nil {
		t.Fatal("expected rejection of undeclared nested property")
	}
	if failure == nil {
		t.Fatal("expected a structured failure")
	}
}

func TestValidateRecompilesWhenSchemaContentChanges(t *testing.T) {
	v := NewValidator()
	schemaV1 := json.RawMessage(`{"type": "object", "properties": {"x": {"type": "integer"}}}`)
	schemaV2 := json.RawMessage(`{"type": "object", "properties": {"y": {"type": "integer"}}}`)

	if _, err := v.Validate("srv-1.tool-c", json.RawMessage(`{"x": 1}`), schemaV1); err != nil {
		t.Fatalf("expected v1 schema to accept x, got %v", err)
	}
	if _, err := v.Validate("srv-1.tool-c", json.RawMessage(`{"y": 1}`), schemaV2); err != nil {
		t.Fatalf("expected v2 schema to accept y after refresh, got %v", err)
	}
}

func TestValidateDistinguishesIntegerFromNumber(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"x": {"type": "integer"}}
	}`)
	args := json.RawMessage(`{"x": 1.5}`)

	_, err := v.Validate("srv-1.tool-a", args, schema)
	if err == nil {
		t.Fatal("expected rejection of a fractional value for an integer field")
	}
}

func TestValidateRejectsInvalidSchema(t *testing.T) {
	v := NewValidator()
	_, err := v.Validate("srv-1.tool-a", json.RawMessage(`{}`), json.RawMessage(`not json`))
	if err == nil {
		t.Fatal("expected error for invalid schema document")
	}
}

func TestValidateEnumAndRange(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"mode": {"type": "string", "enum": ["fast", "slow"]},
			"count": {"type": "integer", "minimum": 1, "maximum": 10}
		}
	}`)

	if _, err := v.Validate("t", json.RawMessage(`{"mode":"fast","count":5}`), schema); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
	if _, err := v.Validate("t", json.RawMessage(`{"mode":"turbo","count":5}`), schema); err == nil {
		t.Fatal("expected enum violation to fail")
	}
	if _, err := v.Validate("t", json.RawMessage(`{"mode":"fast","count":11}`), schema); err == nil {
		t.Fatal("expected maximum violation to fail")
	}
}
