// Package envelope converts task values to and from the JSON envelopes
// exchanged with a guest over stdin and stdout.
//
// The input envelope is
//
//	{"properties": {"Name": value, ...}, "directories": ["/pass/through", ...]}
//
// and the output envelope is {"properties": {...}}. Strings and bools are
// JSON scalars, arrays are JSON arrays, and a file reference is an object of
// string metadata plus the reserved keys ItemSpec (host path) and WasmPath
// (guest path).
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caffeineduck/wasmtask/schema"
)

var ErrMalformed = errors.New("malformed output envelope")

// Input is the envelope written to the guest's stdin.
type Input struct {
	Properties  map[string]any `json:"properties"`
	Directories []string       `json:"directories"`
}

// EncodeInput serializes the set values of the given properties. Values are
// dispatched on the declared kind; a value whose shape does not match its
// kind is left out rather than reported.
func EncodeInput(props []schema.PropertyDescriptor, values map[string]any, directories []string) ([]byte, error) {
	in := Input{
		Properties:  make(map[string]any, len(values)),
		Directories: append([]string{}, directories...),
	}
	for _, d := range props {
		v, ok := values[d.Name]
		if !ok {
			continue
		}
		if enc, ok := encodeValue(d.Kind, v); ok {
			in.Properties[d.Name] = enc
		}
	}

	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode input envelope: %w", err)
	}
	return data, nil
}

func encodeValue(kind schema.Kind, v any) (any, bool) {
	switch kind {
	case schema.KindString:
		s, ok := v.(string)
		return s, ok
	case schema.KindBool:
		b, ok := v.(bool)
		return b, ok
	case schema.KindStringArray:
		s, ok := v.([]string)
		return nonNil(s), ok
	case schema.KindBoolArray:
		b, ok := v.([]bool)
		return nonNil(b), ok
	case schema.KindFileRef:
		ref, ok := v.(schema.FileRef)
		if !ok {
			return nil, false
		}
		return EncodeFileRef(ref), true
	case schema.KindFileRefArray:
		refs, ok := v.([]schema.FileRef)
		if !ok {
			return nil, false
		}
		out := make([]map[string]string, 0, len(refs))
		for _, ref := range refs {
			out = append(out, EncodeFileRef(ref))
		}
		return out, true
	}
	return nil, false
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// EncodeFileRef flattens a reference into its wire object. The reserved
// keys always reflect HostPath and GuestPath, whatever the metadata says.
func EncodeFileRef(ref schema.FileRef) map[string]string {
	out := make(map[string]string, len(ref.Metadata)+2)
	for k, v := range ref.Metadata {
		out[k] = v
	}
	out[schema.HostPathKey] = ref.HostPath
	if ref.GuestPath != "" {
		out[schema.GuestPathKey] = ref.GuestPath
	} else {
		delete(out, schema.GuestPathKey)
	}
	return out
}
