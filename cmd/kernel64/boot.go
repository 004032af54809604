package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"kernel64/kernel/kfmt"
	"kernel64/kernel/kmain"
	"kernel64/kernel/mem/physmem"
	"kernel64/kernel/trace"
)

// machine is a booted system together with what backs it.
type machine struct {
	sys    *kmain.System
	events *trace.MemoryRecorder
	db     *trace.SQLiteRecorder
	memory physmem.Memory
}

// Close flushes the trace database and releases the physical memory.
func (m *machine) Close() error {
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			return err
		}
	}
	if mapped, ok := m.memory.(*physmem.Mapped); ok {
		return mapped.Close()
	}
	return nil
}

func newMemory(s settings) (physmem.Memory, error) {
	if s.Backing == backingMmap {
		return physmem.NewMapped(s.MemorySize)
	}
	return physmem.NewSparse(s.MemorySize), nil
}

// bootMachine boots a system from s. Boot failures halt the process through
// log.
func bootMachine(s settings, log *kfmt.Logger) (*machine, error) {
	info, kerr := kmain.LoadBootInfo(s.MemoryMap, s.Format)
	if kerr != nil {
		return nil, kerr
	}

	memory, err := newMemory(s)
	if err != nil {
		return nil, err
	}

	m := &machine{events: new(trace.MemoryRecorder), memory: memory}
	recorder := trace.Recorder(m.events)
	if s.TraceDB != "" {
		if m.db, err = trace.NewSQLiteRecorder(s.TraceDB); err != nil {
			m.Close()
			return nil, err
		}
		recorder = trace.Multi(m.events, m.db)
		log.Printf("Recording events to %s\n", m.db.Path())
	}

	m.sys = kmain.Boot(kmain.Config{
		Info:           info,
		Memory:         memory,
		LedgerCapacity: s.LedgerCapacity,
		HeapSize:       s.HeapSize,
		IdentityMaps:   s.IdentityMaps,
		Log:            log,
		Recorder:       recorder,
	})
	if m.sys == nil {
		m.Close()
		return nil, errors.New("boot halted")
	}

	return m, nil
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot the memory subsystem and report what it built.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := commandSettings(cmd)
		if err != nil {
			return err
		}

		log := kfmt.New(cmd.OutOrStdout())
		m, err := bootMachine(s, log)
		if err != nil {
			return err
		}
		defer m.Close()

		return reportMachine(cmd, m)
	},
}

func reportMachine(cmd *cobra.Command, m *machine) error {
	out := cmd.OutOrStdout()

	if dump, _ := cmd.Flags().GetBool("heap"); dump {
		m.sys.Heap.DebugDump()
	}

	if dump, _ := cmd.Flags().GetBool("tables"); dump {
		tables, err := m.sys.Manager.Tables()
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Fprintf(out, "%s @ 0x%x covers 0x%x, %d present\n", t.Name, t.Physical, t.Base, t.Present)
		}
	}

	if dump, _ := cmd.Flags().GetBool("console"); dump && m.sys.Terminal != nil {
		for _, line := range m.sys.Terminal.Console.Lines() {
			fmt.Fprintln(out, line)
		}
	}

	flushes, switches := m.sys.CPU.Stats()
	fmt.Fprintf(out, "%d events, %d TLB flushes, %d PDT switches\n", len(m.events.Events()), flushes, switches)
	return nil
}

var walkCmd = &cobra.Command{
	Use:   "walk ADDRESS...",
	Short: "Boot quietly and show how each virtual address resolves.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := commandSettings(cmd)
		if err != nil {
			return err
		}

		m, err := bootMachine(s, kfmt.Discard())
		if err != nil {
			return err
		}
		defer m.Close()

		out := cmd.OutOrStdout()
		for _, arg := range args {
			virt, err := strconv.ParseUint(arg, 0, 64)
			if err != nil {
				return err
			}

			slots, kerr := m.sys.Manager.Walk(virt)
			if kerr != nil {
				fmt.Fprintf(out, "0x%x: %s\n", virt, kerr)
				continue
			}

			for _, slot := range slots {
				fmt.Fprintf(out, "0x%x: %-4s @ 0x%x [%3d] = 0x%016x\n", virt, slot.Name, slot.Table, slot.Index, slot.Entry)
			}
			if phys, kerr := m.sys.Manager.Translate(virt); kerr == nil {
				fmt.Fprintf(out, "0x%x -> 0x%x\n", virt, phys)
			} else {
				fmt.Fprintf(out, "0x%x: %s\n", virt, kerr)
			}
		}
		return nil
	},
}

func init() {
	addBootFlags(bootCmd)
	bootCmd.Flags().Bool("heap", false, "Dump the bootstrap heap translations")
	bootCmd.Flags().Bool("tables", false, "List the leaf page tables")
	bootCmd.Flags().Bool("console", false, "Print the EGA console contents")
	rootCmd.AddCommand(bootCmd)

	addBootFlags(walkCmd)
	rootCmd.AddCommand(walkCmd)
}
