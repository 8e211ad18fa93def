// Package hostfunc provides the host callbacks guest task modules import.
//
// # Overview
//
// A guest links against two import modules:
//
//	msbuild-log.LogMessage(importance, ptr, len i32)
//	msbuild-log.LogWarning(ptr, len i32)
//	msbuild-log.LogError(ptr, len i32)
//	msbuild-taskinfo.TaskInfo(ptr, len i32)
//
// Strings are UTF-8 byte ranges in the guest's exported "memory". [Bridge]
// implements all four and forwards log calls to a [tasklog.Logger]. During
// discovery TaskInfo captures the guest's schema report; during execution
// it is ignored.
//
// # Registry
//
// The [Registry] maps (module, name) pairs to Go functions and turns them
// into wazero host modules. Embedders can add their own callbacks next to
// the bridge:
//
//	registry := hostfunc.NewRegistry()
//	hostfunc.NewBridge(log, hostfunc.Execution).Register(registry)
//	registry.Register("env", "now_ms", func(ctx context.Context) uint64 {
//	    return uint64(time.Now().UnixMilli())
//	})
//	err := registry.Instantiate(ctx, runtime)
package hostfunc
