package kfmt

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"kernel64/kernel"
)

func TestLoggerEarlyOutput(t *testing.T) {
	l := New(nil)
	l.Printf("booting with %d entries\n", 3)

	var buf bytes.Buffer
	l.SetOutputSink(&buf)
	l.Printf("ready\n")

	if exp, got := "booting with 3 entries\nready\n", buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}

func TestLoggerModulePrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	vmm := l.Module("vmm")
	pmm := l.Module("pmm")

	vmm.Printf("mapped 0x%x\n", 0x1000)
	pmm.Printf("reserved\n")
	l.Printf("plain\n")

	exp := "[vmm] mapped 0x1000\n[pmm] reserved\nplain\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}

	if vmm.Name() != "vmm" || l.Name() != "" {
		t.Fatal("unexpected module names")
	}
}

func TestLoggerPanic(t *testing.T) {
	specs := []struct {
		input  interface{}
		expMsg string
	}{
		{
			&kernel.Error{Module: "test", Message: "panic test"},
			"[test] unrecoverable error: panic test",
		},
		{
			errors.New("go error"),
			"[pmm] unrecoverable error: go error",
		},
		{
			"string error",
			"[pmm] unrecoverable error: string error",
		},
		{
			nil,
			"",
		},
	}

	for specIndex, spec := range specs {
		var (
			buf    bytes.Buffer
			halted bool
			l      = New(&buf)
		)
		l.SetHaltHook(func() { halted = true })

		l.Module("pmm").Panic(spec.input)

		if !halted {
			t.Errorf("[spec %d] expected halt hook to be invoked", specIndex)
		}

		got := buf.String()
		if !strings.Contains(got, "*** kernel panic: system halted ***") {
			t.Errorf("[spec %d] missing panic banner in %q", specIndex, got)
		}
		if spec.expMsg != "" && !strings.Contains(got, spec.expMsg) {
			t.Errorf("[spec %d] expected output to contain %q; got %q", specIndex, spec.expMsg, got)
		}
	}
}
