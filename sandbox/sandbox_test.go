package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/wasmtask/hostfunc"
	"github.com/caffeineduck/wasmtask/internal/wasmtest"
	"github.com/caffeineduck/wasmtask/schema"
	"github.com/caffeineduck/wasmtask/tasklog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

func newRuntime(t *testing.T, log tasklog.Logger) wazero.Runtime {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	t.Cleanup(func() { rt.Close(ctx) })

	_, err := wasi_snapshot_preview1.Instantiate(ctx, rt)
	require.NoError(t, err)

	r := hostfunc.NewRegistry()
	hostfunc.NewBridge(log, hostfunc.Execution).Register(r)
	require.NoError(t, r.Instantiate(ctx, rt))
	return rt
}

func compile(t *testing.T, rt wazero.Runtime, g wasmtest.Guest) wazero.CompiledModule {
	t.Helper()
	compiled, err := rt.CompileModule(context.Background(), g.Build())
	require.NoError(t, err)
	return compiled
}

func newSession(t *testing.T, log tasklog.Logger) *Session {
	t.Helper()
	s, err := New(log, WithBaseDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	return s
}

func TestNewCreatesDirectories(t *testing.T) {
	base := t.TempDir()
	s, err := New(nil, WithBaseDir(base))
	require.NoError(t, err)

	assert.Equal(t, StateCreated, s.State())
	assert.DirExists(t, s.SharedDir())
	assert.DirExists(t, s.ControlDir())
	assert.NotEqual(t, s.SharedDir(), s.ControlDir())
	assert.Equal(t, base, filepath.Dir(s.SharedDir()))
	assert.Contains(t, filepath.Base(s.SharedDir()), s.ID())
	assert.Equal(t, s.SharedDir(), s.Virtualizer().Dir())

	other, err := New(nil, WithBaseDir(base))
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), other.ID())

	s.Dispose()
	other.Dispose()
	assert.NoDirExists(t, s.SharedDir())
	assert.NoDirExists(t, s.ControlDir())
	assert.Equal(t, StateDisposed, s.State())
}

func TestNewWithID(t *testing.T) {
	s, err := New(nil, WithBaseDir(t.TempDir()), WithID("fixed-id"))
	require.NoError(t, err)
	defer s.Dispose()

	assert.Equal(t, "fixed-id", s.ID())
	assert.True(t, strings.HasPrefix(filepath.Base(s.SharedDir()), "wasmtask-fixed-id-shared-"))
}

func TestDisposeIdempotent(t *testing.T) {
	rec := tasklog.NewRecorder()
	s := newSession(t, rec)
	s.Dispose()
	n := len(rec.Entries())
	s.Dispose()
	assert.Len(t, rec.Entries(), n)
}

func TestDisposeLogsRemovalFailure(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("needs a directory the current user cannot modify")
	}
	rec := tasklog.NewRecorder()
	s := newSession(t, rec)

	parent := t.TempDir()
	stuck := filepath.Join(parent, "shared")
	writeFile(t, filepath.Join(stuck, "left.txt"), "x")
	require.NoError(t, os.Chmod(parent, 0o500))
	t.Cleanup(func() { os.Chmod(parent, 0o700) })
	s.shared = stuck

	assert.NotPanics(t, s.Dispose)
	assert.Equal(t, StateDisposed, s.State())
	assert.DirExists(t, stuck)
	assert.NoDirExists(t, s.ControlDir())

	var logged bool
	for _, e := range rec.Entries() {
		if e.Level == tasklog.LevelMessage && e.Importance == tasklog.High &&
			strings.Contains(e.Text, "Failed to remove sandbox directory "+stuck) {
			logged = true
		}
	}
	assert.True(t, logged, "removal failure must be logged at high importance")
	assert.Empty(t, rec.Errors())
}

func TestRunLifecycle(t *testing.T) {
	tests := []struct {
		name      string
		guest     wasmtest.Guest
		wantCode  int32
		wantState State
	}{
		{"success", wasmtest.Guest{}, 0, StateCompleted},
		{"guest failure", wasmtest.Guest{Exit: 1}, 1, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newRuntime(t, nil)
			s := newSession(t, nil)
			require.NoError(t, s.WriteInput([]byte(`{"properties":{}}`)))
			require.NoError(t, s.Configure(Config{}))
			assert.Equal(t, StateConfigured, s.State())

			code, err := s.Run(context.Background(), rt, compile(t, rt, tt.guest), "execute")
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantState, s.State())

			s.Dispose()
			assert.NoDirExists(t, s.SharedDir())
			assert.NoDirExists(t, s.ControlDir())
		})
	}
}

func TestRunExitDuringInitialize(t *testing.T) {
	for _, code := range []int32{0, 2} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			rt := newRuntime(t, nil)
			s := newSession(t, nil)
			require.NoError(t, s.Configure(Config{}))

			guest := wasmtest.Guest{Stdout: `{"properties":{}}`, InitExit: &code}
			_, err := s.Run(context.Background(), rt, compile(t, rt, guest), "execute")
			require.ErrorIs(t, err, ErrExitedEarly)
			assert.Contains(t, err.Error(), fmt.Sprintf("code %d", code))
			assert.Equal(t, StateFailed, s.State())

			_, err = s.ReadOutput()
			assert.ErrorIs(t, err, ErrNoOutput, "execute must not have run")
		})
	}
}

func TestRunMissingExport(t *testing.T) {
	rt := newRuntime(t, nil)
	tests := []struct {
		name  string
		guest wasmtest.Guest
	}{
		{"absent", wasmtest.Guest{NoExecute: true}},
		{"renamed", wasmtest.Guest{ExecuteExport: "run"}},
		{"no result", wasmtest.Guest{ExecuteResults: []byte{}}},
		{"wrong result", wasmtest.Guest{ExecuteResults: []byte{wasmtest.I64}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, nil)
			require.NoError(t, s.Configure(Config{}))

			_, err := s.Run(context.Background(), rt, compile(t, rt, tt.guest), "execute")
			assert.ErrorIs(t, err, ErrMissingExport)
			assert.Equal(t, StateFailed, s.State())
		})
	}
}

func TestRunCustomExport(t *testing.T) {
	rt := newRuntime(t, nil)
	s := newSession(t, nil)
	require.NoError(t, s.Configure(Config{}))

	code, err := s.Run(context.Background(), rt, compile(t, rt, wasmtest.Guest{ExecuteExport: "run", Exit: 3}), "run")
	require.NoError(t, err)
	assert.Equal(t, int32(3), code)
}

func TestRunTrap(t *testing.T) {
	rt := newRuntime(t, nil)
	s := newSession(t, nil)
	require.NoError(t, s.Configure(Config{}))

	_, err := s.Run(context.Background(), rt, compile(t, rt, wasmtest.Guest{Trap: true}), "execute")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
	assert.Equal(t, StateFailed, s.State())
}

func TestRunDeadline(t *testing.T) {
	rt := newRuntime(t, nil)
	s := newSession(t, nil)
	require.NoError(t, s.Configure(Config{}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Run(ctx, rt, compile(t, rt, wasmtest.Guest{Spin: true}), "execute")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateFailed, s.State())
}

func TestRunWrongState(t *testing.T) {
	rt := newRuntime(t, nil)
	s := newSession(t, nil)

	_, err := s.Run(context.Background(), rt, compile(t, rt, wasmtest.Guest{}), "execute")
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Configure(Config{}))
	assert.ErrorIs(t, s.Configure(Config{}), ErrInvalidState)
	assert.ErrorIs(t, s.WriteInput(nil), ErrInvalidState)
}

func TestReadOutput(t *testing.T) {
	rt := newRuntime(t, nil)

	t.Run("written", func(t *testing.T) {
		s := newSession(t, nil)
		require.NoError(t, s.Configure(Config{}))
		envelope := `{"properties":{"Name":"x"}}`
		_, err := s.Run(context.Background(), rt, compile(t, rt, wasmtest.Guest{Stdout: envelope}), "execute")
		require.NoError(t, err)

		data, err := s.ReadOutput()
		require.NoError(t, err)
		assert.Equal(t, envelope, string(data))

		entries, err := os.ReadDir(s.SharedDir())
		require.NoError(t, err)
		assert.Empty(t, entries, "output envelope must not be visible to the guest")
	})

	t.Run("never written", func(t *testing.T) {
		s := newSession(t, nil)
		require.NoError(t, s.Configure(Config{}))
		_, err := s.Run(context.Background(), rt, compile(t, rt, wasmtest.Guest{}), "execute")
		require.NoError(t, err)

		_, err = s.ReadOutput()
		assert.ErrorIs(t, err, ErrNoOutput)
	})
}

func TestRunGuestFileAccess(t *testing.T) {
	rt := newRuntime(t, nil)
	s := newSession(t, nil)

	a := writeFile(t, filepath.Join(t.TempDir(), "a.txt"), "foo")
	b := writeFile(t, filepath.Join(t.TempDir(), "b.txt"), "bar")
	var inputs []string
	for _, p := range []string{a, b} {
		ref, err := s.Virtualizer().CopyIn(schema.NewFileRef(p))
		require.NoError(t, err)
		inputs = append(inputs, ref.GuestPath)
	}

	passThrough := t.TempDir()
	require.NoError(t, s.Configure(Config{Directories: []string{passThrough}}))

	guest := wasmtest.Guest{Concat: &wasmtest.Concat{Inputs: inputs, Output: "out.txt"}}
	code, err := s.Run(context.Background(), rt, compile(t, rt, guest), "execute")
	require.NoError(t, err)
	require.Equal(t, int32(0), code)

	data, err := os.ReadFile(filepath.Join(s.SharedDir(), "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "foobar", string(data))
}

func TestStderrForwardedToLog(t *testing.T) {
	rec := tasklog.NewRecorder()
	s := newSession(t, rec)
	require.NoError(t, s.Configure(Config{}))

	_, err := s.stderr.Write([]byte("panic: something\n"))
	require.NoError(t, err)
	assert.True(t, rec.Contains(tasklog.LevelMessage, "panic: something"))
}

func TestStateString(t *testing.T) {
	names := []string{"created", "configured", "running", "completed", "failed", "disposed"}
	for i, want := range names {
		assert.Equal(t, want, State(i).String())
	}
	assert.True(t, strings.HasPrefix(State(42).String(), "State("))
}
