package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kernel64/kernel/kfmt"
	"kernel64/kernel/kmain"
	"kernel64/kernel/mem/memmap"
)

var memmapCmd = &cobra.Command{
	Use:   "memmap",
	Short: "Inspect and convert firmware memory maps.",
}

func loadMap(cmd *cobra.Command, path string) (*memmap.Map, error) {
	format := kmain.FormatFromPath(path)
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		format = memmap.Format(v)
	}

	info, err := kmain.LoadBootInfo(path, format)
	if err != nil {
		return nil, err
	}
	return info.MemoryMap, nil
}

var memmapShowCmd = &cobra.Command{
	Use:   "show FILE",
	Short: "Print a memory map and check that it is consistent.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadMap(cmd, args[0])
		if err != nil {
			return err
		}

		m.Dump(kfmt.New(cmd.OutOrStdout()).Module("memmap"))
		if err := m.Validate(); err != nil {
			return err
		}

		var usable uint64
		m.VisitRegions(func(_ int, e memmap.Entry) bool {
			if e.Kind() == memmap.Usable {
				usable += e.Length
			}
			return true
		})
		fmt.Fprintf(cmd.OutOrStdout(), "0x%x bytes usable\n", usable)
		return nil
	},
}

var memmapConvertCmd = &cobra.Command{
	Use:   "convert FILE",
	Short: "Convert a memory map between e820, json and yaml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadMap(cmd, args[0])
		if err != nil {
			return err
		}

		to, _ := cmd.Flags().GetString("to")
		data, kerr := memmap.Marshal(m, memmap.Format(to))
		if kerr != nil {
			return kerr
		}

		if out, _ := cmd.Flags().GetString("output"); out != "" {
			return os.WriteFile(out, data, 0o644)
		}

		_, werr := cmd.OutOrStdout().Write(data)
		return werr
	},
}

func init() {
	memmapCmd.PersistentFlags().String("format", "", "Input format: e820, json, yaml or multiboot")
	memmapConvertCmd.Flags().String("to", string(memmap.FormatJSON), "Output format: e820, json or yaml")
	memmapConvertCmd.Flags().StringP("output", "o", "", "Write to this file instead of stdout")

	memmapCmd.AddCommand(memmapShowCmd)
	memmapCmd.AddCommand(memmapConvertCmd)
	rootCmd.AddCommand(memmapCmd)
}
