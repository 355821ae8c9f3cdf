/*
Copyright 2025 The Taskline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package inputschema validates task inputs against the per-task schema
// declared at registration. The schema doubles as a UI form description, so
// it carries display-oriented features (showIf visibility conditions, select
// options) alongside the validation constraints.
package inputschema

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"time"
)

// Field types. The set is closed; Parse rejects anything else.
const (
	TypeString      = "string"
	TypeNumber      = "number"
	TypeInteger     = "integer"
	TypeBoolean     = "boolean"
	TypeEmail       = "email"
	TypeURL         = "url"
	TypeDate        = "date"
	TypeDatetime    = "datetime"
	TypeSelect      = "select"
	TypeMultiselect = "multiselect"
	TypeTextarea    = "textarea"
	TypeJSON        = "json"
	TypeFile        = "file"
	TypeArray       = "array"
	TypeObject      = "object"
)

var validTypes = map[string]bool{
	TypeString: true, TypeNumber: true, TypeInteger: true, TypeBoolean: true,
	TypeEmail: true, TypeURL: true, TypeDate: true, TypeDatetime: true,
	TypeSelect: true, TypeMultiselect: true, TypeTextarea: true,
	TypeJSON: true, TypeFile: true, TypeArray: true, TypeObject: true,
}

var validOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "lt": true,
	"gte": true, "lte": true, "in": true, "notIn": true,
}

// ShowIf gates a field's visibility on another field's value. Hidden fields
// are skipped entirely during validation, required included.
type ShowIf struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// Field is one schema field.
type Field struct {
	Type      string            `json:"type"`
	Required  bool              `json:"required"`
	Min       *float64          `json:"min,omitempty"`
	Max       *float64          `json:"max,omitempty"`
	MinLength *int              `json:"minLength,omitempty"`
	MaxLength *int              `json:"maxLength,omitempty"`
	Pattern   string            `json:"pattern,omitempty"`
	Options   []any             `json:"options,omitempty"`
	Accept    string            `json:"accept,omitempty"`
	MaxSize   int64             `json:"maxSize,omitempty"`
	Items     *Field            `json:"items,omitempty"`
	Properties map[string]*Field `json:"properties,omitempty"`
	ShowIf    *ShowIf           `json:"showIf,omitempty"`

	pattern *regexp.Regexp
}

// Schema is the root document. Strict rejects input keys the schema does not
// declare.
type Schema struct {
	Strict bool              `json:"strict"`
	Fields map[string]*Field `json:"fields"`
}

// FieldError is one per-field diagnostic.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string { return e.Field + ": " + e.Message }

// Parse decodes and checks a schema document. Returns an error for unknown
// field types, unknown showIf operators, or an uncompilable pattern.
func Parse(raw json.RawMessage) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	for name, f := range s.Fields {
		if err := compileField(name, f); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func compileField(name string, f *Field) error {
	if f == nil {
		return fmt.Errorf("field %q: empty definition", name)
	}
	if !validTypes[f.Type] {
		return fmt.Errorf("field %q: unknown type %q", name, f.Type)
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return fmt.Errorf("field %q: pattern: %w", name, err)
		}
		f.pattern = re
	}
	if f.ShowIf != nil && !validOps[f.ShowIf.Op] {
		return fmt.Errorf("field %q: unknown showIf op %q", name, f.ShowIf.Op)
	}
	if (f.Type == TypeSelect || f.Type == TypeMultiselect) && len(f.Options) == 0 {
		return fmt.Errorf("field %q: %s requires options", name, f.Type)
	}
	if f.Items != nil {
		if err := compileField(name+".items", f.Items); err != nil {
			return err
		}
	}
	for sub, sf := range f.Properties {
		if err := compileField(name+"."+sub, sf); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks input against the schema and returns every violation.
// A nil return means the input conforms.
func (s *Schema) Validate(input map[string]any) []FieldError {
	var errs []FieldError

	if s.Strict {
		for key := range input {
			if _, ok := s.Fields[key]; !ok {
				errs = append(errs, FieldError{Field: key, Message: "unknown field"})
			}
		}
	}

	// Deterministic error order for tests and API responses.
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := s.Fields[name]
		if f.ShowIf != nil && !evalShowIf(f.ShowIf, input) {
			continue
		}
		val, present := input[name]
		if !present || val == nil {
			if f.Required {
				errs = append(errs, FieldError{Field: name, Message: "required"})
			}
			continue
		}
		errs = append(errs, validateValue(name, f, val)...)
	}
	return errs
}

func validateValue(name string, f *Field, val any) []FieldError {
	switch f.Type {
	case TypeString, TypeTextarea, TypeFile:
		return validateString(name, f, val)
	case TypeEmail:
		str, errs := requireString(name, val)
		if errs != nil {
			return errs
		}
		if _, err := mail.ParseAddress(str); err != nil {
			return fail(name, "not a valid email address")
		}
	case TypeURL:
		str, errs := requireString(name, val)
		if errs != nil {
			return errs
		}
		u, err := url.Parse(str)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fail(name, "not a valid URL")
		}
	case TypeDate:
		str, errs := requireString(name, val)
		if errs != nil {
			return errs
		}
		if _, err := time.Parse("2006-01-02", str); err != nil {
			return fail(name, "not a valid date (want YYYY-MM-DD)")
		}
	case TypeDatetime:
		str, errs := requireString(name, val)
		if errs != nil {
			return errs
		}
		if _, err := time.Parse(time.RFC3339, str); err != nil {
			return fail(name, "not a valid RFC 3339 datetime")
		}
	case TypeNumber:
		n, ok := asNumber(val)
		if !ok {
			return fail(name, "expected a number")
		}
		return validateRange(name, f, n)
	case TypeInteger:
		n, ok := asNumber(val)
		if !ok || n != float64(int64(n)) {
			return fail(name, "expected an integer")
		}
		return validateRange(name, f, n)
	case TypeBoolean:
		if _, ok := val.(bool); !ok {
			return fail(name, "expected a boolean")
		}
	case TypeSelect:
		if !optionAllowed(f.Options, val) {
			return fail(name, "value not in options")
		}
	case TypeMultiselect:
		items, ok := val.([]any)
		if !ok {
			return fail(name, "expected an array")
		}
		for _, item := range items {
			if !optionAllowed(f.Options, item) {
				return fail(name, fmt.Sprintf("value %v not in options", item))
			}
		}
	case TypeJSON:
		// Any JSON value is acceptable.
	case TypeArray:
		items, ok := val.([]any)
		if !ok {
			return fail(name, "expected an array")
		}
		var errs []FieldError
		if f.MinLength != nil && len(items) < *f.MinLength {
			errs = append(errs, FieldError{Field: name, Message: fmt.Sprintf("fewer than %d items", *f.MinLength)})
		}
		if f.MaxLength != nil && len(items) > *f.MaxLength {
			errs = append(errs, FieldError{Field: name, Message: fmt.Sprintf("more than %d items", *f.MaxLength)})
		}
		if f.Items != nil {
			for i, item := range items {
				errs = append(errs, validateValue(fmt.Sprintf("%s[%d]", name, i), f.Items, item)...)
			}
		}
		return errs
	case TypeObject:
		obj, ok := val.(map[string]any)
		if !ok {
			return fail(name, "expected an object")
		}
		sub := &Schema{Strict: true, Fields: f.Properties}
		var errs []FieldError
		for _, fe := range sub.Validate(obj) {
			errs = append(errs, FieldError{Field: name + "." + fe.Field, Message: fe.Message})
		}
		return errs
	}
	return nil
}

func validateString(name string, f *Field, val any) []FieldError {
	str, errs := requireString(name, val)
	if errs != nil {
		return errs
	}
	var out []FieldError
	if f.MinLength != nil && len(str) < *f.MinLength {
		out = append(out, FieldError{Field: name, Message: fmt.Sprintf("shorter than %d characters", *f.MinLength)})
	}
	if f.MaxLength != nil && len(str) > *f.MaxLength {
		out = append(out, FieldError{Field: name, Message: fmt.Sprintf("longer than %d characters", *f.MaxLength)})
	}
	if f.pattern != nil && !f.pattern.MatchString(str) {
		out = append(out, FieldError{Field: name, Message: "does not match pattern"})
	}
	return out
}

func validateRange(name string, f *Field, n float64) []FieldError {
	var out []FieldError
	if f.Min != nil && n < *f.Min {
		out = append(out, FieldError{Field: name, Message: fmt.Sprintf("below minimum %v", *f.Min)})
	}
	if f.Max != nil && n > *f.Max {
		out = append(out, FieldError{Field: name, Message: fmt.Sprintf("above maximum %v", *f.Max)})
	}
	return out
}

func evalShowIf(cond *ShowIf, input map[string]any) bool {
	actual, present := input[cond.Field]
	if !present {
		return false
	}
	switch cond.Op {
	case "eq":
		return looseEqual(actual, cond.Value)
	case "ne":
		return !looseEqual(actual, cond.Value)
	case "gt", "lt", "gte", "lte":
		a, aok := asNumber(actual)
		b, bok := asNumber(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case "gt":
			return a > b
		case "lt":
			return a < b
		case "gte":
			return a >= b
		default:
			return a <= b
		}
	case "in", "notIn":
		list, ok := cond.Value.([]any)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if looseEqual(actual, item) {
				found = true
				break
			}
		}
		if cond.Op == "in" {
			return found
		}
		return !found
	}
	return false
}

// looseEqual compares across JSON number representations: 1 and 1.0 are the
// same value once decoded from JSON.
func looseEqual(a, b any) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func requireString(name string, val any) (string, []FieldError) {
	str, ok := val.(string)
	if !ok {
		return "", fail(name, "expected a string")
	}
	return str, nil
}

func fail(name, msg string) []FieldError {
	return []FieldError{{Field: name, Message: msg}}
}

func optionAllowed(options []any, val any) bool {
	for _, opt := range options {
		if looseEqual(opt, val) {
			return true
		}
	}
	return false
}
