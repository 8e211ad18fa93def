// Package schema defines the vocabulary shared by the host and guest modules:
// value kinds, property descriptors, file references, and the parser for the
// schema string a guest reports during discovery.
package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSchema is wrapped by every error that makes a reported schema unusable.
var ErrSchema = errors.New("schema error")

// Kind is the closed set of value types a task property may have.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindFileRef
	KindFileRefArray
	KindStringArray
	KindBoolArray
)

var kindNames = [...]string{
	KindString:       "String",
	KindBool:         "Bool",
	KindFileRef:      "FileRef",
	KindFileRefArray: "FileRefArray",
	KindStringArray:  "StringArray",
	KindBoolArray:    "BoolArray",
}

// Tags accepted in schema reports, lower-cased. ITaskItem and ITaskItemArray
// are the names used by guests written against the build engine's item model.
var kindTags = map[string]Kind{
	"string":         KindString,
	"bool":           KindBool,
	"fileref":        KindFileRef,
	"itaskitem":      KindFileRef,
	"filerefarray":   KindFileRefArray,
	"itaskitemarray": KindFileRefArray,
	"stringarray":    KindStringArray,
	"boolarray":      KindBoolArray,
}

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= KindString && k <= KindBoolArray
}

// IsArray reports whether values of k are slices.
func (k Kind) IsArray() bool {
	return k == KindFileRefArray || k == KindStringArray || k == KindBoolArray
}

// IsFile reports whether values of k carry file references.
func (k Kind) IsFile() bool {
	return k == KindFileRef || k == KindFileRefArray
}

// ParseKind maps a schema tag to a Kind, ignoring case.
func ParseKind(tag string) (Kind, error) {
	k, ok := kindTags[strings.ToLower(tag)]
	if !ok {
		return 0, fmt.Errorf("%w: unsupported property type %q", ErrSchema, tag)
	}
	return k, nil
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
