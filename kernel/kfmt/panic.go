package kfmt

import (
	"errors"
	"fmt"

	"kernel64/kernel"
)

// Panic writes a report for e and invokes the halt hook, which by default
// terminates the process. e may be a *kernel.Error, any other error or a
// string.
func (l *Logger) Panic(e interface{}) {
	var kerr *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		kerr = t
	case error:
		if !errors.As(t, &kerr) {
			kerr = &kernel.Error{Module: l.moduleOr("rt"), Message: t.Error()}
		}
	case string:
		kerr = &kernel.Error{Module: l.moduleOr("rt"), Message: t}
	}

	w := l.out
	fmt.Fprintf(w, "\n-----------------------------------\n")
	if kerr != nil {
		fmt.Fprintf(w, "[%s] unrecoverable error: %s\n", kerr.Module, kerr.Message)
	}
	fmt.Fprintf(w, "*** kernel panic: system halted ***")
	fmt.Fprintf(w, "\n-----------------------------------\n")

	w.mu.Lock()
	halt := w.haltFn
	w.mu.Unlock()
	halt()
}

func (l *Logger) moduleOr(def string) string {
	if l.module != "" {
		return l.module
	}
	return def
}
