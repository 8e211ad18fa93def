// Package wasmtask hosts build tasks compiled to WebAssembly.
//
// # Overview
//
// A task module describes its own parameters and runs inside a per-invocation
// sandbox with no access beyond a scratch directory. The host copies file
// inputs in, passes scalar inputs as a JSON envelope on stdin, and reads
// outputs back from stdout.
//
// # Basic Usage
//
//	exec, _ := executor.New(executor.WithTimeout(time.Minute))
//	defer exec.Close()
//
//	task, _ := exec.LoadFile(ctx, "concat.wasm")
//	for _, p := range task.Parameters() {
//	    fmt.Println(p.Name, p.Kind, p.Output)
//	}
//
//	inst := task.NewInstance()
//	inst.Set("InputFiles", []schema.FileRef{schema.NewFileRef("a.txt")})
//	inst.SetDestination("OutputFile", "out.txt")
//	res := inst.Execute(ctx)
//
// # Guest ABI
//
// Guests import msbuild-log (LogMessage, LogWarning, LogError) and
// msbuild-taskinfo (TaskInfo), and export GetTaskInfo, execute and memory.
// See the hostfunc package for the callback signatures.
//
// # Packages
//
//   - [github.com/caffeineduck/wasmtask/executor]: loading and running tasks
//   - [github.com/caffeineduck/wasmtask/schema]: property kinds and schema reports
//   - [github.com/caffeineduck/wasmtask/envelope]: the JSON stdin/stdout envelopes
//   - [github.com/caffeineduck/wasmtask/sandbox]: session directories and path mapping
//   - [github.com/caffeineduck/wasmtask/hostfunc]: host callbacks
//   - [github.com/caffeineduck/wasmtask/tasklog]: the logging surface
package wasmtask
