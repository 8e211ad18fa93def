package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrDestinationNotAllowed = errors.New("destination not in any output root")

// OutputRoots is the set of host directories a guest may name as output
// destinations. The zero value allows nothing.
type OutputRoots struct {
	roots []string
}

// NewOutputRoots normalizes each root to an absolute, clean path. Roots that
// cannot be made absolute are dropped.
func NewOutputRoots(roots ...string) OutputRoots {
	normalized := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			continue
		}
		normalized = append(normalized, abs)
	}
	return OutputRoots{roots: normalized}
}

// Empty reports whether no root was configured.
func (o OutputRoots) Empty() bool {
	return len(o.roots) == 0
}

// Roots returns the normalized roots.
func (o OutputRoots) Roots() []string {
	return append([]string(nil), o.roots...)
}

// Resolve returns the absolute form of dest if it lies inside a root.
// A root itself is not a valid destination.
func (o OutputRoots) Resolve(dest string) (string, error) {
	abs, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("invalid destination %q: %w", dest, err)
	}
	for _, root := range o.roots {
		if strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDestinationNotAllowed, dest)
}
