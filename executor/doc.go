// Package executor loads WebAssembly task modules and runs them in a
// per-invocation sandbox.
//
// # Overview
//
// A module is loaded once. Loading calls the module's schema export, which
// reports the task's parameters through the msbuild-taskinfo host callback.
// The resulting [Task] is immutable and hands out [Instance] values, each
// of which runs the guest's execute export exactly once.
//
// # Basic Usage
//
//	exec, err := executor.New(executor.WithTimeout(time.Minute))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	task, err := exec.LoadFile(ctx, "concat.wasm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst := task.NewInstance()
//	inst.Set("InputFiles", []schema.FileRef{schema.NewFileRef("a.txt"), schema.NewFileRef("b.txt")})
//	inst.SetDestination("OutputFile", "out.txt")
//
//	res := inst.Execute(ctx)
//	if !res.Success {
//	    log.Fatal(res.Err)
//	}
//
// # Files
//
// File inputs are copied into a fresh shared directory which the guest sees
// as its root. File outputs are copied back to the destinations given with
// [Instance.SetDestination]. A host path chosen by the guest itself is only
// honored inside a root registered with [WithOutputRoot].
package executor
