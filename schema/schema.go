package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// PropertyDescriptor describes one named, typed task parameter. The JSON
// form matches one entry of a guest's schema report.
type PropertyDescriptor struct {
	Name     string `json:"name" yaml:"name"`
	Kind     Kind   `json:"property_type" yaml:"property_type"`
	Output   bool   `json:"output" yaml:"output"`
	Required bool   `json:"required" yaml:"required"`
}

// Schema is the parameter list a guest module reported during discovery.
// It is immutable once parsed.
type Schema struct {
	Name       string               `json:"name,omitempty" yaml:"name,omitempty"`
	Properties []PropertyDescriptor `json:"properties" yaml:"properties"`
}

// Lookup finds a descriptor by name, ignoring case.
func (s *Schema) Lookup(name string) (PropertyDescriptor, bool) {
	for _, p := range s.Properties {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return PropertyDescriptor{}, false
}

// Inputs returns the descriptors not marked as output.
func (s *Schema) Inputs() []PropertyDescriptor {
	return s.filter(false)
}

// Outputs returns the descriptors marked as output.
func (s *Schema) Outputs() []PropertyDescriptor {
	return s.filter(true)
}

func (s *Schema) filter(output bool) []PropertyDescriptor {
	var out []PropertyDescriptor
	for _, p := range s.Properties {
		if p.Output == output {
			out = append(out, p)
		}
	}
	return out
}

// Parse reads a schema report:
//
//	{"name": "concat", "properties": [
//	    {"name": "Input", "property_type": "FileRef", "output": false, "required": true}
//	]}
//
// Every entry must carry all four fields. Any problem rejects the whole
// report; Parse never returns a partial schema.
func Parse(text string) (*Schema, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		return nil, fmt.Errorf("%w: invalid report JSON: %v", ErrSchema, err)
	}

	rawProps, ok := root["properties"]
	if !ok || isNull(rawProps) {
		return nil, fmt.Errorf(`%w: no "properties" found in schema report`, ErrSchema)
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(rawProps, &entries); err != nil {
		return nil, fmt.Errorf(`%w: "properties" must be an array of objects: %v`, ErrSchema, err)
	}

	s := &Schema{Properties: make([]PropertyDescriptor, 0, len(entries))}
	if rawName, ok := root["name"]; ok && !isNull(rawName) {
		if err := json.Unmarshal(rawName, &s.Name); err != nil {
			return nil, fmt.Errorf(`%w: "name" must be a string`, ErrSchema)
		}
	}

	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		d, err := parseDescriptor(e)
		if err != nil {
			return nil, fmt.Errorf("property %d: %w", i, err)
		}
		key := strings.ToLower(d.Name)
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate property name %q", ErrSchema, d.Name)
		}
		seen[key] = true
		s.Properties = append(s.Properties, d)
	}
	return s, nil
}

func parseDescriptor(e map[string]json.RawMessage) (PropertyDescriptor, error) {
	var (
		d   PropertyDescriptor
		tag string
	)
	if err := field(e, "name", &d.Name); err != nil {
		return d, err
	}
	if d.Name == "" {
		return d, fmt.Errorf(`%w: property "name" is empty`, ErrSchema)
	}
	if err := field(e, "property_type", &tag); err != nil {
		return d, err
	}
	if err := field(e, "output", &d.Output); err != nil {
		return d, err
	}
	if err := field(e, "required", &d.Required); err != nil {
		return d, err
	}
	kind, err := ParseKind(tag)
	if err != nil {
		return d, err
	}
	d.Kind = kind
	return d, nil
}

func field(e map[string]json.RawMessage, key string, dst any) error {
	raw, ok := e[key]
	if !ok {
		return fmt.Errorf("%w: missing property field %q", ErrSchema, key)
	}
	if isNull(raw) {
		return fmt.Errorf("%w: invalid property field value %q: null", ErrSchema, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: invalid property field value %q: %v", ErrSchema, key, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
