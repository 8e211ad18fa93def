package hostfunc

import (
	"context"
	"fmt"
	"sync"

	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/tetratelabs/wazero/api"
)

// Import names of the callback surface guests link against.
const (
	LogModule      = "msbuild-log"
	TaskInfoModule = "msbuild-taskinfo"

	LogMessageFunc = "LogMessage"
	LogErrorFunc   = "LogError"
	LogWarningFunc = "LogWarning"
	TaskInfoFunc   = "TaskInfo"

	// MemoryExport is the guest memory strings are read from.
	MemoryExport = "memory"
)

// Phase selects how the schema callback behaves.
type Phase int

const (
	// Discovery captures the reported schema.
	Discovery Phase = iota
	// Execution ignores schema reports.
	Execution
)

// Bridge is the callback surface for one discovery or one execution.
// Log callbacks forward to the task logger; TaskInfo captures the schema
// report during discovery.
type Bridge struct {
	log   tasklog.Logger
	phase Phase

	mu       sync.Mutex
	report   string
	reported bool
}

// NewBridge returns a Bridge logging to log.
func NewBridge(log tasklog.Logger, phase Phase) *Bridge {
	if log == nil {
		log = tasklog.Nop()
	}
	return &Bridge{log: log, phase: phase}
}

// Register adds the log and schema callbacks to r.
func (b *Bridge) Register(r *Registry) {
	r.Register(LogModule, LogMessageFunc, b.logMessage)
	r.Register(LogModule, LogErrorFunc, b.logError)
	r.Register(LogModule, LogWarningFunc, b.logWarning)
	r.Register(TaskInfoModule, TaskInfoFunc, b.taskInfo)
}

// Report returns the last schema string reported during discovery.
func (b *Bridge) Report() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.report, b.reported
}

func (b *Bridge) logMessage(_ context.Context, m api.Module, importance, ptr, length uint32) {
	b.log.LogMessage(ImportanceFromInt(int32(importance)), ReadString(m, ptr, length))
}

func (b *Bridge) logError(_ context.Context, m api.Module, ptr, length uint32) {
	b.log.LogError(ReadString(m, ptr, length))
}

func (b *Bridge) logWarning(_ context.Context, m api.Module, ptr, length uint32) {
	b.log.LogWarning(ReadString(m, ptr, length))
}

func (b *Bridge) taskInfo(_ context.Context, m api.Module, ptr, length uint32) {
	if b.phase != Discovery {
		b.log.LogMessage(tasklog.Low, "Ignoring task info reported during execution")
		return
	}
	report := ReadString(m, ptr, length)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reported {
		b.log.LogMessage(tasklog.Low, "Task info reported more than once, using the latest report")
	}
	b.report = report
	b.reported = true
}

// ImportanceFromInt maps the guest's importance argument:
// 0 is High, 1 is Normal, 2 is Low, anything else is Normal.
func ImportanceFromInt(v int32) tasklog.Importance {
	switch v {
	case 0:
		return tasklog.High
	case 2:
		return tasklog.Low
	default:
		return tasklog.Normal
	}
}

// ReadString copies length bytes at ptr out of the caller's exported
// memory. It panics when the memory is not exported or the range is out of
// bounds; wazero turns the panic into an error for the guest call.
func ReadString(m api.Module, ptr, length uint32) string {
	mem := m.ExportedMemory(MemoryExport)
	if mem == nil {
		panic(fmt.Errorf("guest module does not export %q", MemoryExport))
	}
	buf, ok := mem.Read(ptr, length)
	if !ok {
		panic(fmt.Errorf("guest string [%d, %d) out of range of memory size %d", ptr, uint64(ptr)+uint64(length), mem.Size()))
	}
	return string(buf)
}
