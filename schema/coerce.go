package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ItemSeparator splits a single string into list elements, as in build
// engine item lists ("a.txt;b.txt").
const ItemSeparator = ";"

// Coerce converts a loosely typed value (a flag string, a decoded YAML node)
// into the canonical Go value for kind. Values already in canonical form
// pass through.
func Coerce(kind Kind, raw any) (any, error) {
	switch kind {
	case KindString:
		return coerceString(raw)
	case KindBool:
		return coerceBool(raw)
	case KindFileRef:
		return coerceFileRef(raw)
	case KindStringArray:
		return coerceList(raw, coerceString)
	case KindBoolArray:
		return coerceList(raw, coerceBool)
	case KindFileRefArray:
		return coerceList(raw, coerceFileRef)
	}
	return nil, fmt.Errorf("%w: %s", ErrKindMismatch, kind)
}

func coerceString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool, int, int64, float64, uint64:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("%w: %T is not String", ErrKindMismatch, raw)
}

func coerceBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("%w: %q is not Bool", ErrKindMismatch, v)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: %T is not Bool", ErrKindMismatch, raw)
}

// coerceFileRef accepts a path string, a FileRef, or a map with a "path"
// (or ItemSpec) key whose remaining string entries become metadata.
func coerceFileRef(raw any) (FileRef, error) {
	switch v := raw.(type) {
	case FileRef:
		return v, nil
	case string:
		if v == "" {
			return FileRef{}, fmt.Errorf("%w: empty path", ErrKindMismatch)
		}
		return NewFileRef(v), nil
	case map[string]any:
		var ref FileRef
		for k, val := range v {
			s, ok := val.(string)
			if !ok {
				return FileRef{}, fmt.Errorf("%w: metadata %q must be a string", ErrKindMismatch, k)
			}
			switch k {
			case "path", HostPathKey:
				ref.HostPath = s
			case GuestPathKey:
				// Guest paths are assigned by the sandbox, never by callers.
			default:
				ref = ref.WithMetadata(k, s)
			}
		}
		if ref.HostPath == "" {
			return FileRef{}, fmt.Errorf("%w: file reference has no path", ErrKindMismatch)
		}
		return ref, nil
	}
	return FileRef{}, fmt.Errorf("%w: %T is not FileRef", ErrKindMismatch, raw)
}

func coerceList[T any](raw any, elem func(any) (T, error)) ([]T, error) {
	var items []any
	switch v := raw.(type) {
	case []T:
		return v, nil
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case string:
		for _, s := range strings.Split(v, ItemSeparator) {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
	default:
		items = []any{raw}
	}
	out := make([]T, 0, len(items))
	for i, item := range items {
		e, err := elem(item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}
