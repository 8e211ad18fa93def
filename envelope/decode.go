package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/caffeineduck/wasmtask/schema"
	"github.com/caffeineduck/wasmtask/tasklog"
)

// FileClaim is what the guest says about one file output.
type FileClaim struct {
	// Property is the declared output name; Index is the element position
	// for array outputs and 0 otherwise.
	Property string
	Index    int
	// GuestPath locates the result inside the shared directory.
	GuestPath string
	// HostPath is the destination the guest asked for, possibly empty.
	HostPath string
	Metadata map[string]string
}

// Resolver turns a file claim into a host-side reference, normally by
// copying the result out of the sandbox. ok is false when nothing was
// produced or the claim was refused; the output is then left unset.
type Resolver interface {
	ResolveFile(claim FileClaim) (ref schema.FileRef, ok bool, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(FileClaim) (schema.FileRef, bool, error)

func (f ResolverFunc) ResolveFile(c FileClaim) (schema.FileRef, bool, error) {
	return f(c)
}

// DecodeOutput reads an output envelope against s. Entries are matched to
// descriptors case-insensitively; an exact-case key wins over other keys
// naming the same property, which are skipped with a warning. Unknown
// entries and entries for inputs are skipped with a normal-importance
// message. Values are converted by the declared kind. A malformed envelope
// or a value of the wrong JSON type returns an error wrapping ErrMalformed.
// Every entry is validated before r sees the first file claim, so a
// malformed envelope never copies anything out.
func DecodeOutput(data []byte, s *schema.Schema, r Resolver, log tasklog.Logger) (map[string]any, error) {
	if log == nil {
		log = tasklog.Nop()
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	rawProps, ok := root["properties"]
	if !ok || isNull(rawProps) {
		return nil, fmt.Errorf(`%w: no "properties" object`, ErrMalformed)
	}
	var props map[string]json.RawMessage
	if err := json.Unmarshal(rawProps, &props); err != nil {
		return nil, fmt.Errorf(`%w: "properties" must be an object: %v`, ErrMalformed, err)
	}

	outputs := make(map[string]any)
	var files []fileOutput
	for _, e := range matchEntries(props, s, log) {
		switch e.d.Kind {
		case schema.KindFileRef:
			claim, err := decodeClaim(e.raw)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", e.d.Name, err)
			}
			claim.Property = e.d.Name
			files = append(files, fileOutput{d: e.d, claims: []FileClaim{claim}})
		case schema.KindFileRefArray:
			claims, err := decodeClaims(e.d.Name, e.raw)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", e.d.Name, err)
			}
			files = append(files, fileOutput{d: e.d, claims: claims})
		default:
			v, err := decodeScalar(e.d.Kind, e.raw)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", e.d.Name, err)
			}
			outputs[e.d.Name] = v
		}
	}

	for _, f := range files {
		refs := make([]schema.FileRef, 0, len(f.claims))
		for _, claim := range f.claims {
			ref, ok, err := r.ResolveFile(claim)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", f.d.Name, err)
			}
			if ok {
				refs = append(refs, ref)
			}
		}
		switch {
		case f.d.Kind == schema.KindFileRefArray:
			outputs[f.d.Name] = refs
		case len(refs) == 1:
			outputs[f.d.Name] = refs[0]
		}
	}
	return outputs, nil
}

type entry struct {
	d   schema.PropertyDescriptor
	raw json.RawMessage
}

type fileOutput struct {
	d      schema.PropertyDescriptor
	claims []FileClaim
}

// matchEntries pairs envelope keys with declared outputs, in sorted key
// order.
func matchEntries(props map[string]json.RawMessage, s *schema.Schema, log tasklog.Logger) []entry {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	chosen := make(map[string]string) // descriptor name -> key
	for _, k := range keys {
		d, ok := s.Lookup(k)
		if !ok {
			log.LogMessage(tasklog.Normal, fmt.Sprintf("Property %s output by the task was not found", k))
			continue
		}
		if !d.Output {
			log.LogMessage(tasklog.Normal, fmt.Sprintf("Property %s output by the task does not have output set, ignoring", k))
			continue
		}
		prev, dup := chosen[d.Name]
		if !dup || k == d.Name {
			chosen[d.Name] = k
		}
		if dup {
			skipped := k
			if k == d.Name {
				skipped = prev
			}
			log.LogWarning(fmt.Sprintf("Property %s output by the task duplicates %s, ignoring", skipped, d.Name))
		}
	}

	out := make([]entry, 0, len(chosen))
	for _, k := range keys {
		d, ok := s.Lookup(k)
		if ok && chosen[d.Name] == k {
			out = append(out, entry{d: d, raw: props[k]})
		}
	}
	return out
}

func decodeScalar(kind schema.Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case schema.KindString:
		return decodeAs[string](raw, kind)
	case schema.KindBool:
		return decodeAs[bool](raw, kind)
	case schema.KindStringArray:
		return decodeAs[[]string](raw, kind)
	case schema.KindBoolArray:
		return decodeAs[[]bool](raw, kind)
	}
	return nil, fmt.Errorf("%w: unsupported kind %s", ErrMalformed, kind)
}

func decodeClaims(property string, raw json.RawMessage) ([]FileClaim, error) {
	var items []json.RawMessage
	if err := strictUnmarshal(raw, &items, schema.KindFileRefArray); err != nil {
		return nil, err
	}
	claims := make([]FileClaim, 0, len(items))
	for i, item := range items {
		claim, err := decodeClaim(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		claim.Property = property
		claim.Index = i
		claims = append(claims, claim)
	}
	return claims, nil
}

// decodeClaim reads a file object. WasmPath is required, ItemSpec is
// optional, every other key must be a string and becomes metadata.
func decodeClaim(raw json.RawMessage) (FileClaim, error) {
	var obj map[string]json.RawMessage
	if err := strictUnmarshal(raw, &obj, schema.KindFileRef); err != nil {
		return FileClaim{}, err
	}

	var c FileClaim
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return FileClaim{}, fmt.Errorf("%w: file field %q must be a string", ErrMalformed, k)
		}
		switch k {
		case schema.GuestPathKey:
			c.GuestPath = s
		case schema.HostPathKey:
			c.HostPath = s
		default:
			if c.Metadata == nil {
				c.Metadata = make(map[string]string)
			}
			c.Metadata[k] = s
		}
	}
	if c.GuestPath == "" {
		return FileClaim{}, fmt.Errorf("%w: file output has no %s", ErrMalformed, schema.GuestPathKey)
	}
	return c, nil
}

func decodeAs[T any](raw json.RawMessage, kind schema.Kind) (any, error) {
	var v T
	if err := strictUnmarshal(raw, &v, kind); err != nil {
		return nil, err
	}
	return v, nil
}

func strictUnmarshal(raw json.RawMessage, dst any, kind schema.Kind) error {
	if isNull(raw) {
		return fmt.Errorf("%w: null is not %s", ErrMalformed, kind)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: expected %s: %v", ErrMalformed, kind, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
