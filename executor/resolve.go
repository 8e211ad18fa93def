package executor

import (
	"fmt"

	"github.com/caffeineduck/wasmtask/envelope"
	"github.com/caffeineduck/wasmtask/sandbox"
	"github.com/caffeineduck/wasmtask/schema"
	"github.com/caffeineduck/wasmtask/tasklog"
)

// outputResolver copies file outputs out of the sandbox. A destination set
// by the caller wins; otherwise the guest's own ItemSpec is used if it lies
// inside an output root. Anything else is refused and left unset.
type outputResolver struct {
	virt         *sandbox.Virtualizer
	roots        sandbox.OutputRoots
	destinations map[string][]string
	log          tasklog.Logger
}

func (r *outputResolver) ResolveFile(c envelope.FileClaim) (schema.FileRef, bool, error) {
	dest, ok := r.destination(c)
	if !ok {
		return schema.FileRef{}, false, nil
	}

	copied, err := r.virt.CopyOut(c.GuestPath, dest)
	if err != nil || !copied {
		return schema.FileRef{}, false, err
	}
	r.log.LogMessage(tasklog.Low, fmt.Sprintf("Copied output %s to %s", c.GuestPath, dest))
	return schema.FileRef{HostPath: dest, Metadata: c.Metadata}, true, nil
}

func (r *outputResolver) destination(c envelope.FileClaim) (string, bool) {
	if paths, ok := r.destinations[c.Property]; ok {
		if c.Index < len(paths) {
			return paths[c.Index], true
		}
		r.log.LogWarning(fmt.Sprintf("No destination for output %s[%d], ignoring %s", c.Property, c.Index, c.GuestPath))
		return "", false
	}

	if c.HostPath == "" {
		r.log.LogWarning(fmt.Sprintf("No destination for output %s, ignoring %s", c.Property, c.GuestPath))
		return "", false
	}
	dest, err := r.roots.Resolve(c.HostPath)
	if err != nil {
		r.log.LogWarning(fmt.Sprintf("Output %s: %v", c.Property, err))
		return "", false
	}
	return dest, true
}
