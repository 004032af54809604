package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"kernel64/kernel/kmain"
	"kernel64/kernel/mem/memmap"
	"kernel64/kernel/mem/vmm"
)

// Environment keys. Values from the environment win over the .env file;
// flags win over both.
const (
	envMemoryMap      = "KERNEL64_MEMORY_MAP"
	envFormat         = "KERNEL64_MEMORY_MAP_FORMAT"
	envLedgerCapacity = "KERNEL64_LEDGER_CAPACITY"
	envHeapSize       = "KERNEL64_HEAP_SIZE"
	envBacking        = "KERNEL64_BACKING"
	envMemorySize     = "KERNEL64_MEMORY_SIZE"
	envTraceDB        = "KERNEL64_TRACE_DB"
	envPort           = "KERNEL64_PORT"
	envIdentityMaps   = "KERNEL64_IDENTITY_MAPS"
)

const (
	backingSparse = "sparse"
	backingMmap   = "mmap"
)

type settings struct {
	MemoryMap      string
	Format         memmap.Format
	LedgerCapacity int
	HeapSize       uint64
	Backing        string
	MemorySize     uint64
	TraceDB        string
	Port           int
	IdentityMaps   []kmain.Region
}

func defaultSettings() settings {
	return settings{
		HeapSize:   kmain.DefaultHeapSize,
		Backing:    backingSparse,
		MemorySize: 64 << 20,
	}
}

// loadSettings reads envFile, if present, into the environment and builds the
// settings from it. A missing file is only an error when explicit is set.
func loadSettings(envFile string, explicit bool) (settings, error) {
	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
			return settings{}, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	s := defaultSettings()
	var err error

	s.MemoryMap = os.Getenv(envMemoryMap)
	s.Format = memmap.Format(os.Getenv(envFormat))
	s.TraceDB = os.Getenv(envTraceDB)
	if v := os.Getenv(envBacking); v != "" {
		s.Backing = v
	}

	if v := os.Getenv(envLedgerCapacity); v != "" {
		if s.LedgerCapacity, err = strconv.Atoi(v); err != nil {
			return settings{}, fmt.Errorf("%s: %w", envLedgerCapacity, err)
		}
	}
	if v := os.Getenv(envHeapSize); v != "" {
		if s.HeapSize, err = strconv.ParseUint(v, 0, 64); err != nil {
			return settings{}, fmt.Errorf("%s: %w", envHeapSize, err)
		}
	}
	if v := os.Getenv(envMemorySize); v != "" {
		if s.MemorySize, err = strconv.ParseUint(v, 0, 64); err != nil {
			return settings{}, fmt.Errorf("%s: %w", envMemorySize, err)
		}
	}
	if v := os.Getenv(envPort); v != "" {
		if s.Port, err = strconv.Atoi(v); err != nil {
			return settings{}, fmt.Errorf("%s: %w", envPort, err)
		}
	}
	if v := os.Getenv(envIdentityMaps); v != "" {
		if s.IdentityMaps, err = parseRegions(v); err != nil {
			return settings{}, fmt.Errorf("%s: %w", envIdentityMaps, err)
		}
	}

	return s, nil
}

// applyFlags overrides s with every flag set on the command line.
func (s *settings) applyFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	var err error

	if flags.Changed("map") {
		s.MemoryMap, _ = flags.GetString("map")
	}
	if flags.Changed("format") {
		format, _ := flags.GetString("format")
		s.Format = memmap.Format(format)
	}
	if flags.Changed("ledger-capacity") {
		s.LedgerCapacity, _ = flags.GetInt("ledger-capacity")
	}
	if flags.Changed("heap-size") {
		v, _ := flags.GetString("heap-size")
		if s.HeapSize, err = strconv.ParseUint(v, 0, 64); err != nil {
			return fmt.Errorf("--heap-size: %w", err)
		}
	}
	if flags.Changed("backing") {
		s.Backing, _ = flags.GetString("backing")
	}
	if flags.Changed("memory-size") {
		v, _ := flags.GetString("memory-size")
		if s.MemorySize, err = strconv.ParseUint(v, 0, 64); err != nil {
			return fmt.Errorf("--memory-size: %w", err)
		}
	}
	if flags.Changed("trace-db") {
		s.TraceDB, _ = flags.GetString("trace-db")
	}
	if flags.Changed("port") {
		s.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("identity") {
		items, _ := flags.GetStringSlice("identity")
		if s.IdentityMaps, err = parseRegions(strings.Join(items, ",")); err != nil {
			return fmt.Errorf("--identity: %w", err)
		}
	}

	if s.MemoryMap == "" {
		return errors.New("no memory map given; use --map or " + envMemoryMap)
	}
	if s.Format == "" {
		s.Format = kmain.FormatFromPath(s.MemoryMap)
	}
	if s.Backing != backingSparse && s.Backing != backingMmap {
		return fmt.Errorf("unknown backing %q", s.Backing)
	}

	return nil
}

var regionAttrs = map[string]vmm.Attributes{
	"data":   vmm.KernelData,
	"code":   vmm.KernelCode,
	"device": vmm.DeviceMemory,
}

// parseRegions decodes a comma separated list of name:base:length[:attrs]
// identity-map requests. attrs is one of data, code or device and defaults
// to data.
func parseRegions(list string) ([]kmain.Region, error) {
	var regions []kmain.Region

	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		parts := strings.Split(item, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("region %q is not name:base:length[:attrs]", item)
		}

		base, err := strconv.ParseUint(parts[1], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("region %q: base: %w", item, err)
		}
		length, err := strconv.ParseUint(parts[2], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("region %q: length: %w", item, err)
		}

		attrs := vmm.KernelData
		if len(parts) == 4 {
			var ok bool
			if attrs, ok = regionAttrs[parts[3]]; !ok {
				return nil, fmt.Errorf("region %q: unknown attributes %q", item, parts[3])
			}
		}

		regions = append(regions, kmain.Region{Name: parts[0], Base: base, Length: length, Attrs: attrs})
	}

	return regions, nil
}
