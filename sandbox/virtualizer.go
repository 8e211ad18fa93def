package sandbox

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caffeineduck/wasmtask/schema"
	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/zeebo/blake3"
)

var ErrPathEscape = errors.New("path escapes the shared directory")

// Virtualizer maps host files into a session's shared directory and guest
// results back out. Guest names are flattened host paths; when two host
// paths flatten to the same name the later one gets a BLAKE3 discriminator.
type Virtualizer struct {
	dir string
	log tasklog.Logger

	mu    sync.Mutex
	names map[string]string // guest name -> host path
}

// NewVirtualizer binds a Virtualizer to the shared directory dir.
func NewVirtualizer(dir string, log tasklog.Logger) *Virtualizer {
	if log == nil {
		log = tasklog.Nop()
	}
	return &Virtualizer{dir: dir, log: log, names: make(map[string]string)}
}

// Dir returns the shared directory.
func (v *Virtualizer) Dir() string {
	return v.dir
}

// GuestName returns the guest-visible name for hostPath, reserving it.
func (v *Virtualizer) GuestName(hostPath string) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	name := Flatten(hostPath)
	owner, taken := v.names[name]
	if !taken || owner == hostPath {
		v.names[name] = hostPath
		return name
	}

	sum := blake3.Sum256([]byte(hostPath))
	ext := filepath.Ext(name)
	name = strings.TrimSuffix(name, ext) + "-" + hex.EncodeToString(sum[:4]) + ext
	v.names[name] = hostPath
	return name
}

// CopyIn copies the file or directory ref points at into the shared
// directory and returns ref with its guest path assigned and mirrored into
// metadata. A missing source is reported at low importance and not copied.
func (v *Virtualizer) CopyIn(ref schema.FileRef) (schema.FileRef, error) {
	hostPath, err := filepath.Abs(ref.HostPath)
	if err != nil {
		return ref, fmt.Errorf("resolve %s: %w", ref.HostPath, err)
	}

	name := v.GuestName(hostPath)
	ref = ref.WithMetadata(schema.GuestPathKey, name)
	ref.GuestPath = name

	_, err = os.Stat(hostPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		v.log.LogMessage(tasklog.Low, fmt.Sprintf("File %s not found, not copied into sandbox", ref.HostPath))
		return ref, nil
	case err != nil:
		return ref, fmt.Errorf("stat %s: %w", ref.HostPath, err)
	}

	if err := copyPath(hostPath, filepath.Join(v.dir, name)); err != nil {
		return ref, fmt.Errorf("copy %s into sandbox: %w", ref.HostPath, err)
	}
	v.log.LogMessage(tasklog.Low, fmt.Sprintf("Copied %s to %s", ref.HostPath, name))
	return ref, nil
}

// CopyOut copies the guest's result at guestPath to dest and reports
// whether anything was copied. A leading "/" is accepted since the shared
// directory is the guest's root. Missing results log at normal importance;
// paths that leave the shared directory or cross a symlink log a warning.
// Neither is an error.
func (v *Virtualizer) CopyOut(guestPath, dest string) (bool, error) {
	src, err := v.resolve(guestPath)
	if err != nil {
		v.log.LogWarning(fmt.Sprintf("Task output %q refused: %v", guestPath, err))
		return false, nil
	}

	_, err = os.Lstat(src)
	switch {
	case errors.Is(err, os.ErrNotExist):
		v.log.LogMessage(tasklog.Normal, fmt.Sprintf("Task output not found: %s", guestPath))
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat %s: %w", guestPath, err)
	}

	if err := copyPath(src, dest); err != nil {
		return false, fmt.Errorf("copy %s out of sandbox: %w", guestPath, err)
	}
	return true, nil
}

// resolve maps a guest path to a host path inside the shared directory.
// Every existing component is checked so a symlink planted by the guest
// cannot redirect the copy.
func (v *Virtualizer) resolve(guestPath string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(strings.TrimLeft(guestPath, "/")))
	if rel == "." || !filepath.IsLocal(rel) {
		return "", ErrPathEscape
	}

	cur := v.dir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%s is a symlink", part)
		}
	}
	return filepath.Join(v.dir, rel), nil
}
