// Package settings describes per-module configuration schemas and validates
// values submitted from Discord or the admin console against them.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeText    FieldType = "text"
	TypeInt     FieldType = "int"
	TypeBool    FieldType = "bool"
	TypeChannel FieldType = "channel"
	TypeRole    FieldType = "role"
	TypeRoles   FieldType = "roles"
	TypeSelect  FieldType = "select"
)

var knownTypes = map[FieldType]bool{
	TypeString: true, TypeText: true, TypeInt: true, TypeBool: true,
	TypeChannel: true, TypeRole: true, TypeRoles: true, TypeSelect: true,
}

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type Choice struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

type Field struct {
	Key         string    `yaml:"key" json:"key"`
	Type        FieldType `yaml:"type" json:"type"`
	Label       string    `yaml:"label" json:"label"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Choices     []Choice  `yaml:"choices,omitempty" json:"choices,omitempty"`
	// Min and Max bound ints, string length, or the number of roles.
	Min *int `yaml:"min,omitempty" json:"min,omitempty"`
	Max *int `yaml:"max,omitempty" json:"max,omitempty"`
}

type Schema struct {
	Fields []Field `yaml:"fields" json:"fields"`
}

func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.Check(); err != nil {
		return nil, err
	}
	return &s, nil
}

// MustParseSchema is for schemas embedded at compile time.
func MustParseSchema(data []byte) *Schema {
	s, err := ParseSchema(data)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Field(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return Field{}, false
}

// Check reports schema definition mistakes.
func (s *Schema) Check() error {
	var errs []error
	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		if !keyPattern.MatchString(f.Key) {
			errs = append(errs, fmt.Errorf("field %d: invalid key %q", i, f.Key))
			continue
		}
		if seen[f.Key] {
			errs = append(errs, fmt.Errorf("field %q: duplicate key", f.Key))
		}
		seen[f.Key] = true
		if !knownTypes[f.Type] {
			errs = append(errs, fmt.Errorf("field %q: unknown type %q", f.Key, f.Type))
			continue
		}
		if f.Type == TypeSelect && len(f.Choices) == 0 {
			errs = append(errs, fmt.Errorf("field %q: select needs choices", f.Key))
			continue
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			errs = append(errs, fmt.Errorf("field %q: min is greater than max", f.Key))
		}
		if f.Default != nil {
			if _, msg := f.normalize(f.Default); msg != "" {
				errs = append(errs, fmt.Errorf("field %q: default %s", f.Key, msg))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Schema) Defaults() Values {
	out := make(Values, len(s.Fields))
	for _, f := range s.Fields {
		if f.Default == nil {
			continue
		}
		if v, msg := f.normalize(f.Default); msg == "" {
			out[f.Key] = v
		}
	}
	return out
}

// Validate normalizes in against the schema. Unknown keys are rejected, missing
// keys fall back to their default, and every field problem is reported at once.
func (s *Schema) Validate(in Values) (Values, error) {
	verr := &ValidationError{}
	out := make(Values, len(s.Fields))

	for key := range in {
		if _, ok := s.Field(key); !ok {
			verr.add(key, "unknown setting")
		}
	}

	for _, f := range s.Fields {
		raw, present := in[f.Key]
		if !present || raw == nil || isBlank(raw) {
			if f.Default != nil {
				if v, msg := f.normalize(f.Default); msg == "" {
					out[f.Key] = v
					continue
				}
			}
			if f.Required {
				verr.add(f.Key, "is required")
			}
			continue
		}
		v, msg := f.normalize(raw)
		if msg != "" {
			verr.add(f.Key, msg)
			continue
		}
		out[f.Key] = v
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return out, nil
}

// Merge applies patch on top of stored and validates the result. Stored
// values that no longer validate (for example after a schema change) are
// dropped so the default takes over; their keys are returned in dropped.
func (s *Schema) Merge(stored, patch Values) (merged Values, dropped []string, err error) {
	combined := make(Values, len(stored)+len(patch))
	for k, v := range stored {
		f, ok := s.Field(k)
		if !ok {
			dropped = append(dropped, k)
			continue
		}
		if v != nil {
			if _, msg := f.normalize(v); msg != "" {
				dropped = append(dropped, k)
				continue
			}
		}
		combined[k] = v
	}
	for k, v := range patch {
		combined[k] = v
	}
	merged, err = s.Validate(combined)
	return merged, dropped, err
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// ValidationError maps setting keys to what is wrong with them.
type ValidationError struct {
	Fields map[string]string `json:"fields"`
}

func (e *ValidationError) add(key, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = msg
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		parts = append(parts, k+" "+v)
	}
	return "invalid settings: " + strings.Join(sortStrings(parts), "; ")
}
