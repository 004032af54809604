// Package kfmt provides the kernel's diagnostic log. A Logger is passed
// explicitly to every component that reports progress; output produced before
// a sink is attached is retained in a ring buffer and replayed once a sink is
// set.
package kfmt

import (
	"fmt"
	"io"
	"sync"

	"kernel64/kernel/cpu"
)

// output is shared by a root Logger and all module loggers derived from it.
type output struct {
	mu     sync.Mutex
	sink   io.Writer
	early  earlyBuffer
	haltFn func()
}

func (o *output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sink == nil {
		return o.early.Write(p)
	}
	return o.sink.Write(p)
}

// Logger writes formatted diagnostics. The zero value is not usable; create
// loggers with New.
type Logger struct {
	out    *output
	w      io.Writer
	module string
}

// New returns a Logger writing to sink. A nil sink buffers output until
// SetOutputSink is called.
func New(sink io.Writer) *Logger {
	out := &output{sink: sink, haltFn: cpu.Halt}
	return &Logger{out: out, w: out}
}

// Discard returns a Logger that drops everything it is given.
func Discard() *Logger {
	return New(io.Discard)
}

// Module returns a logger that shares l's sink and prefixes every line with
// "[name] ".
func (l *Logger) Module(name string) *Logger {
	return &Logger{
		out:    l.out,
		w:      &PrefixWriter{Sink: l.out, Prefix: []byte("[" + name + "] ")},
		module: name,
	}
}

// Name returns the module name the logger was created for, if any.
func (l *Logger) Name() string {
	return l.module
}

// SetOutputSink redirects output to w and flushes anything buffered so far.
func (l *Logger) SetOutputSink(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	l.out.sink = w
	if w != nil {
		io.Copy(w, &l.out.early)
	}
}

// SetHaltHook replaces the function invoked by Panic after the report is
// written. It returns the previous hook.
func (l *Logger) SetHaltHook(fn func()) func() {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	prev := l.out.haltFn
	l.out.haltFn = fn
	return prev
}

// Printf formats according to format and writes the result to the log.
func (l *Logger) Printf(format string, args ...interface{}) {
	fmt.Fprintf(l.w, format, args...)
}

// Write sends p to the log unmodified apart from the module prefix.
func (l *Logger) Write(p []byte) (int, error) {
	return l.w.Write(p)
}
