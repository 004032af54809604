package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kernel64",
	Short: "kernel64 boots the x86-64 memory subsystem against a simulated machine.",
	Long: `kernel64 builds the initial page tables, physical ledger and bootstrap ` +
		`heap from a firmware memory map, the way the kernel does at boot, and ` +
		`lets you inspect the result.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("env", ".env", "File with KERNEL64_* defaults")
}

// addBootFlags registers the flags every command that boots a system takes.
func addBootFlags(cmd *cobra.Command) {
	cmd.Flags().String("map", "", "Memory map or multiboot info file")
	cmd.Flags().String("format", "", "Memory map format: e820, json, yaml or multiboot")
	cmd.Flags().Int("ledger-capacity", 0, "Number of physical reservations")
	cmd.Flags().String("heap-size", "", "Bootstrap heap size in bytes")
	cmd.Flags().String("backing", backingSparse, "Physical memory backing: sparse or mmap")
	cmd.Flags().String("memory-size", "", "Simulated physical memory size in bytes")
	cmd.Flags().String("trace-db", "", "Record events to this SQLite database")
	cmd.Flags().StringSlice("identity", nil, "Extra identity maps as name:base:length[:data|code|device]")
}

// commandSettings resolves the settings for cmd from the env file and flags.
func commandSettings(cmd *cobra.Command) (settings, error) {
	envFile, _ := cmd.Flags().GetString("env")
	s, err := loadSettings(envFile, cmd.Flags().Changed("env"))
	if err != nil {
		return settings{}, err
	}

	if err := s.applyFlags(cmd); err != nil {
		return settings{}, err
	}
	return s, nil
}
