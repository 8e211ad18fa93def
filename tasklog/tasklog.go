// Package tasklog is the logging surface shared by the host and sandboxed
// guests. Guests log through host callbacks with an importance level; the host
// logs sandbox lifecycle events through the same interface.
package tasklog

import (
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Importance ranks informational messages, mirroring the host build engine's
// message importance.
type Importance int

const (
	High Importance = iota
	Normal
	Low
)

func (i Importance) String() string {
	switch i {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return "unknown"
	}
}

// Logger receives messages, warnings and errors from a task invocation.
// Implementations must be safe for concurrent use.
type Logger interface {
	LogMessage(importance Importance, msg string)
	LogWarning(msg string)
	LogError(msg string)
}

// Zerolog adapts a zerolog.Logger. Importance maps onto levels so that the
// usual zerolog level filter doubles as a verbosity setting:
// High = Info, Normal = Debug, Low = Trace.
type Zerolog struct {
	log zerolog.Logger
}

// NewZerolog wraps l.
func NewZerolog(l zerolog.Logger) *Zerolog {
	return &Zerolog{log: l}
}

func (z *Zerolog) LogMessage(importance Importance, msg string) {
	var ev *zerolog.Event
	switch importance {
	case High:
		ev = z.log.Info()
	case Low:
		ev = z.log.Trace()
	default:
		ev = z.log.Debug()
	}
	ev.Str("importance", importance.String()).Msg(msg)
}

func (z *Zerolog) LogWarning(msg string) {
	z.log.Warn().Msg(msg)
}

func (z *Zerolog) LogError(msg string) {
	z.log.Error().Msg(msg)
}

// With returns a Zerolog whose entries carry an extra string field.
func (z *Zerolog) With(key, value string) *Zerolog {
	return &Zerolog{log: z.log.With().Str(key, value).Logger()}
}

// With attaches a field to l when it supports structured fields and
// returns l unchanged otherwise.
func With(l Logger, key, value string) Logger {
	if z, ok := l.(*Zerolog); ok {
		return z.With(key, value)
	}
	return l
}

type nop struct{}

func (nop) LogMessage(Importance, string) {}
func (nop) LogWarning(string)             {}
func (nop) LogError(string)               {}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nop{}
}

// Tracker forwards to another Logger and remembers whether any error was
// logged. A task invocation fails if anything logged an error during it.
type Tracker struct {
	next   Logger
	errors atomic.Int64
}

// NewTracker wraps next. A nil next discards.
func NewTracker(next Logger) *Tracker {
	if next == nil {
		next = Nop()
	}
	return &Tracker{next: next}
}

func (t *Tracker) LogMessage(importance Importance, msg string) {
	t.next.LogMessage(importance, msg)
}

func (t *Tracker) LogWarning(msg string) {
	t.next.LogWarning(msg)
}

func (t *Tracker) LogError(msg string) {
	t.errors.Add(1)
	t.next.LogError(msg)
}

// HasLoggedErrors reports whether LogError was called at least once.
func (t *Tracker) HasLoggedErrors() bool {
	return t.errors.Load() > 0
}
