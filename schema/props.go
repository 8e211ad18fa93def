package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownProperty = errors.New("unknown property")
	ErrKindMismatch    = errors.New("value does not match property type")
)

type binding struct {
	desc PropertyDescriptor
	get  func() (any, bool)
	set  func(any) error
}

// PropertySet holds concrete values for one task instance. Each descriptor
// gets a getter/setter pair closed over a shared value map; names resolve
// case-insensitively.
type PropertySet struct {
	values   map[string]any
	bindings map[string]binding
	order    []string
}

// NewPropertySet builds the dispatch table for s.
func NewPropertySet(s *Schema) *PropertySet {
	p := &PropertySet{
		values:   make(map[string]any, len(s.Properties)),
		bindings: make(map[string]binding, len(s.Properties)),
	}
	for _, d := range s.Properties {
		d := d
		key := strings.ToLower(d.Name)
		p.order = append(p.order, key)
		p.bindings[key] = binding{
			desc: d,
			get: func() (any, bool) {
				v, ok := p.values[d.Name]
				return v, ok
			},
			set: func(v any) error {
				if v == nil {
					delete(p.values, d.Name)
					return nil
				}
				if err := CheckValue(d.Kind, v); err != nil {
					return fmt.Errorf("%s: %w", d.Name, err)
				}
				p.values[d.Name] = v
				return nil
			},
		}
	}
	return p
}

// Set assigns a value. A nil value clears the property.
func (p *PropertySet) Set(name string, v any) error {
	b, ok := p.bindings[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProperty, name)
	}
	return b.set(v)
}

// Get returns the value of a property and whether it is set.
func (p *PropertySet) Get(name string) (any, bool) {
	b, ok := p.bindings[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return b.get()
}

// Descriptor returns the descriptor bound to name.
func (p *PropertySet) Descriptor(name string) (PropertyDescriptor, bool) {
	b, ok := p.bindings[strings.ToLower(name)]
	return b.desc, ok
}

// Descriptors returns every bound descriptor in schema order.
func (p *PropertySet) Descriptors() []PropertyDescriptor {
	out := make([]PropertyDescriptor, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, p.bindings[key].desc)
	}
	return out
}

// Values returns a copy of the set values keyed by declared name.
func (p *PropertySet) Values() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Missing lists required input properties that have no value, sorted.
func (p *PropertySet) Missing() []string {
	var out []string
	for _, b := range p.bindings {
		if b.desc.Required && !b.desc.Output {
			if _, ok := b.get(); !ok {
				out = append(out, b.desc.Name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// CheckValue reports whether v has the Go type used for kind:
// string, bool, FileRef, []FileRef, []string or []bool.
func CheckValue(kind Kind, v any) error {
	ok := false
	switch kind {
	case KindString:
		_, ok = v.(string)
	case KindBool:
		_, ok = v.(bool)
	case KindFileRef:
		_, ok = v.(FileRef)
	case KindFileRefArray:
		_, ok = v.([]FileRef)
	case KindStringArray:
		_, ok = v.([]string)
	case KindBoolArray:
		_, ok = v.([]bool)
	}
	if !ok {
		return fmt.Errorf("%w: %T is not %s", ErrKindMismatch, v, kind)
	}
	return nil
}
