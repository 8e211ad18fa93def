package sandbox

import (
	"bytes"
	"strings"
	"sync"

	"github.com/caffeineduck/wasmtask/tasklog"
)

// lineWriter forwards guest stderr to the task log one line at a time.
// Partial lines are buffered until a newline arrives or Flush is called.
type lineWriter struct {
	log tasklog.Logger
	buf bytes.Buffer
	mu  sync.Mutex
}

func newLineWriter(log tasklog.Logger) *lineWriter {
	return &lineWriter{log: log}
}

func (w *lineWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(data)
	for {
		idx := bytes.IndexByte(w.buf.Bytes(), '\n')
		if idx == -1 {
			break
		}
		line := string(w.buf.Next(idx + 1))
		w.emit(line)
	}
	return len(data), nil
}

// Flush emits any buffered partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	w.log.LogMessage(tasklog.Low, line)
}
