package executor

import (
	"slices"

	"github.com/caffeineduck/wasmtask/schema"
)

// Task is a loaded module and its discovered schema. It is immutable and
// safe for concurrent use; every Instance it creates runs independently.
type Task struct {
	exec   *Executor
	name   string
	wasm   []byte
	schema *schema.Schema
}

// Name is the task name from the schema report, or the load name when the
// module did not report one.
func (t *Task) Name() string { return t.schema.Name }

// Schema returns a copy of the discovered schema.
func (t *Task) Schema() *schema.Schema {
	return &schema.Schema{
		Name:       t.schema.Name,
		Properties: slices.Clone(t.schema.Properties),
	}
}

// Parameters returns the property descriptors in report order.
func (t *Task) Parameters() []schema.PropertyDescriptor {
	return slices.Clone(t.schema.Properties)
}

// NewInstance returns a fresh instance with no values set.
func (t *Task) NewInstance() *Instance {
	return &Instance{
		task:         t,
		props:        schema.NewPropertySet(t.schema),
		destinations: make(map[string][]string),
	}
}
