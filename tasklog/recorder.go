package tasklog

import (
	"strings"
	"sync"
)

// Level distinguishes the three logging calls.
type Level int

const (
	LevelMessage Level = iota
	LevelWarning
	LevelError
)

// Entry is one recorded log call. Importance is only meaningful for
// LevelMessage.
type Entry struct {
	Level      Level
	Importance Importance
	Text       string
}

// Recorder keeps every entry in memory. Used by tests and by embedders that
// want to replay a task's log into their own sink.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) LogMessage(importance Importance, msg string) {
	r.add(Entry{Level: LevelMessage, Importance: importance, Text: msg})
}

func (r *Recorder) LogWarning(msg string) {
	r.add(Entry{Level: LevelWarning, Text: msg})
}

func (r *Recorder) LogError(msg string) {
	r.add(Entry{Level: LevelError, Text: msg})
}

func (r *Recorder) add(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Errors returns the text of every LevelError entry.
func (r *Recorder) Errors() []string {
	var out []string
	for _, e := range r.Entries() {
		if e.Level == LevelError {
			out = append(out, e.Text)
		}
	}
	return out
}

// Contains reports whether any entry at level contains substr.
func (r *Recorder) Contains(level Level, substr string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Text, substr) {
			return true
		}
	}
	return false
}
