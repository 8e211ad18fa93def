package wasmtest

import "bytes"

// Host import names a task guest links against.
const (
	LogModule      = "msbuild-log"
	TaskInfoModule = "msbuild-taskinfo"
	wasiModule     = "wasi_snapshot_preview1"
)

// Message kinds for Guest.Messages.
const (
	KindMessage = iota
	KindWarning
	KindError
)

// Message is one log callback issued by a guest.
type Message struct {
	Kind       int
	Importance int32
	Text       string
}

// RootFD is the preopen of the shared directory. Pass-through directories
// follow it in the order they were mounted.
const RootFD int32 = 3

// Concat makes the guest read every input, concatenate them, and write the
// result to Output inside the root preopen. Inputs are relative to the
// preopen named by the matching FDs entry, or to the root when FDs is
// shorter.
type Concat struct {
	Inputs []string
	FDs    []int32
	Output string
}

// Guest describes a task module to assemble. The zero value exports an
// execute function returning 0 and nothing else of interest.
type Guest struct {
	// Report is passed to TaskInfo by GetTaskInfo. Empty means GetTaskInfo
	// exists but reports nothing.
	Report string
	// NoSchemaExport omits GetTaskInfo.
	NoSchemaExport bool
	// TrapInSchema makes GetTaskInfo hit unreachable after reporting.
	TrapInSchema bool

	// ExecuteExport names the execute function; "" means "execute".
	ExecuteExport string
	// NoExecute omits the execute function.
	NoExecute bool
	// ExecuteResults overrides the execute signature's result types.
	ExecuteResults []byte

	Messages        []Message
	ReportOnExecute bool
	Concat          *Concat
	Stdout          string
	Exit            int32
	Trap            bool
	Spin            bool
	// EchoStdin copies the input envelope to stderr before anything else
	// runs in execute.
	EchoStdin bool
	// InitExit adds an _initialize export that calls proc_exit with the
	// given code.
	InitExit *int32

	// HideMemory declares memory without exporting it, so host callbacks
	// cannot read guest strings.
	HideMemory bool
}

const (
	scratchNread = 0
	scratchFD    = 4
	scratchIOV   = 32
	stringBase   = 1024
	bufferBase   = 16384
	bufferChunk  = 4096
)

// Build assembles the guest.
func (g Guest) Build() []byte {
	m := NewModule()

	logMessage := m.Import(LogModule, "LogMessage", []byte{I32, I32, I32}, nil)
	logWarning := m.Import(LogModule, "LogWarning", []byte{I32, I32}, nil)
	logError := m.Import(LogModule, "LogError", []byte{I32, I32}, nil)
	taskInfo := m.Import(TaskInfoModule, "TaskInfo", []byte{I32, I32}, nil)

	var pathOpen, fdRead, fdWrite, procExit uint32
	wasi := g.Concat != nil || g.Stdout != "" || g.EchoStdin || g.InitExit != nil
	if wasi {
		pathOpen = m.Import(wasiModule, "path_open",
			[]byte{I32, I32, I32, I32, I32, I64, I64, I32, I32}, []byte{I32})
		fdRead = m.Import(wasiModule, "fd_read", []byte{I32, I32, I32, I32}, []byte{I32})
		fdWrite = m.Import(wasiModule, "fd_write", []byte{I32, I32, I32, I32}, []byte{I32})
		procExit = m.Import(wasiModule, "proc_exit", []byte{I32}, nil)
	}

	var texts []string
	texts = append(texts, g.Report, g.Stdout)
	for _, msg := range g.Messages {
		texts = append(texts, msg.Text)
	}
	if g.Concat != nil {
		texts = append(texts, g.Concat.Output)
		texts = append(texts, g.Concat.Inputs...)
	}
	strs := m.Strings(stringBase, texts...)
	report, stdout, rest := strs[0], strs[1], strs[2:]
	msgs, rest := rest[:len(g.Messages)], rest[len(g.Messages):]

	if g.HideMemory {
		m.Memory(1, "")
	} else {
		m.Memory(1, "memory")
	}

	if g.InitExit != nil {
		m.ExportFunc("_initialize", m.Func(nil, nil, nil, I32Const(*g.InitExit), Call(procExit)))
	}

	if !g.NoSchemaExport {
		var body [][]byte
		if g.Report != "" {
			body = append(body, report.Args(), Call(taskInfo))
		}
		if g.TrapInSchema {
			body = append(body, Unreachable)
		}
		m.ExportFunc("GetTaskInfo", m.Func(nil, nil, nil, body...))
	}

	if g.NoExecute {
		return m.Bytes()
	}

	var body [][]byte
	if g.EchoStdin {
		body = append(body, echoStdinBody(fdRead, fdWrite)...)
	}
	if g.ReportOnExecute && g.Report != "" {
		body = append(body, report.Args(), Call(taskInfo))
	}
	for i, msg := range g.Messages {
		switch msg.Kind {
		case KindWarning:
			body = append(body, msgs[i].Args(), Call(logWarning))
		case KindError:
			body = append(body, msgs[i].Args(), Call(logError))
		default:
			body = append(body, I32Const(msg.Importance), msgs[i].Args(), Call(logMessage))
		}
	}
	if g.Concat != nil {
		output, inputs := rest[0], rest[1:]
		body = append(body, concatBody(pathOpen, fdRead, fdWrite, inputs, g.Concat.FDs, output)...)
	}
	if g.Stdout != "" {
		body = append(body,
			Store(scratchIOV, stdout.Ptr),
			Store(scratchIOV+4, stdout.Len),
			I32Const(1), I32Const(scratchIOV), I32Const(1), I32Const(scratchNread),
			Call(fdWrite), ReturnIfNonZero(100),
		)
	}
	if g.Trap {
		body = append(body, Unreachable)
	}
	if g.Spin {
		body = append(body, InfiniteLoop)
	}

	results := []byte{I32}
	if g.ExecuteResults != nil {
		results = g.ExecuteResults
	}
	switch {
	case len(results) == 0:
	case len(results) == 1 && results[0] == I32:
		body = append(body, I32Const(g.Exit))
	default:
		body = append(body, Unreachable)
	}

	name := g.ExecuteExport
	if name == "" {
		name = "execute"
	}
	m.ExportFunc(name, m.Func(nil, results, []byte{I32}, body...))
	return m.Bytes()
}

// echoStdinBody reads one chunk of stdin into the buffer and writes it to
// stderr. Failing WASI calls return 90 or 91 from execute.
func echoStdinBody(fdRead, fdWrite uint32) [][]byte {
	return [][]byte{
		Store(scratchIOV, bufferBase),
		Store(scratchIOV+4, bufferChunk),
		I32Const(0), I32Const(scratchIOV), I32Const(1), I32Const(scratchNread),
		Call(fdRead), ReturnIfNonZero(90),
		I32Const(scratchIOV + 4), Load(scratchNread), I32Store,
		I32Const(2), I32Const(scratchIOV), I32Const(1), I32Const(scratchNread),
		Call(fdWrite), ReturnIfNonZero(91),
	}
}

// concatBody uses local 0 as the running byte count. Failing WASI calls
// return 10+n from execute.
func concatBody(pathOpen, fdRead, fdWrite uint32, inputs []String, fds []int32, output String) [][]byte {
	var body [][]byte
	code := int32(10)
	open := func(dirFD int32, path String, oflags int32, rights int64) {
		body = append(body,
			I32Const(dirFD), I32Const(1), path.Args(), I32Const(oflags),
			I64Const(rights), I64Const(0), I32Const(0), I32Const(scratchFD),
			Call(pathOpen), ReturnIfNonZero(code),
		)
		code++
	}

	body = append(body, I32Const(0), LocalSet(0))
	for i, in := range inputs {
		dirFD := RootFD
		if i < len(fds) {
			dirFD = fds[i]
		}
		open(dirFD, in, 0, 2)
		body = append(body,
			// iov.buf = buffer + count
			I32Const(scratchIOV), I32Const(bufferBase), LocalGet(0), I32Add, I32Store,
			Store(scratchIOV+4, bufferChunk),
			Load(scratchFD), I32Const(scratchIOV), I32Const(1), I32Const(scratchNread),
			Call(fdRead), ReturnIfNonZero(code),
			LocalGet(0), Load(scratchNread), I32Add, LocalSet(0),
		)
		code++
	}

	// O_CREAT|O_TRUNC with FD_WRITE.
	open(RootFD, output, 9, 64)
	body = append(body,
		Store(scratchIOV, bufferBase),
		I32Const(scratchIOV+4), LocalGet(0), I32Store,
		Load(scratchFD), I32Const(scratchIOV), I32Const(1), I32Const(scratchNread),
		Call(fdWrite), ReturnIfNonZero(code),
	)
	return [][]byte{bytes.Join(body, nil)}
}
