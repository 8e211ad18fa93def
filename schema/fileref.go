package schema

import "maps"

// Reserved metadata keys on the wire. HostPathKey holds the authoritative
// host location, GuestPathKey the sandbox-relative name the guest opens.
const (
	HostPathKey  = "ItemSpec"
	GuestPathKey = "WasmPath"
)

// FileRef references a file or directory. HostPath is authoritative;
// GuestPath is only set while the value is inside a sandbox.
type FileRef struct {
	HostPath  string
	GuestPath string
	Metadata  map[string]string
}

// NewFileRef returns a reference to hostPath with no metadata.
func NewFileRef(hostPath string) FileRef {
	return FileRef{HostPath: hostPath}
}

// Clone returns a copy that shares no metadata map with f.
func (f FileRef) Clone() FileRef {
	f.Metadata = maps.Clone(f.Metadata)
	return f
}

// WithMetadata returns a copy of f with key set to value.
func (f FileRef) WithMetadata(key, value string) FileRef {
	f = f.Clone()
	if f.Metadata == nil {
		f.Metadata = make(map[string]string)
	}
	f.Metadata[key] = value
	return f
}
