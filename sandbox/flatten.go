package sandbox

import "strings"

// FlattenChar replaces path separators and volume delimiters.
const FlattenChar = '_'

var flattener = strings.NewReplacer(
	"/", string(FlattenChar),
	`\`, string(FlattenChar),
	":", string(FlattenChar),
)

// Flatten collapses a host path into a single guest path segment that sits
// directly under the shared directory. It is deterministic but not
// injective: "a/b" and `a\b` flatten to the same name.
func Flatten(hostPath string) string {
	return flattener.Replace(hostPath)
}
