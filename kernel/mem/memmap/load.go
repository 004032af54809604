package memmap

import (
	"encoding/json"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"kernel64/kernel"
)

// Format selects the on-disk encoding of a memory map.
type Format string

const (
	FormatE820 Format = "e820"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// fileEntry is the human-editable form of Entry. Kind, when set, overrides
// Type.
type fileEntry struct {
	Base       uint64 `json:"base" yaml:"base"`
	Length     uint64 `json:"length" yaml:"length"`
	Type       uint32 `json:"type,omitempty" yaml:"type,omitempty"`
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Attributes uint32 `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// FormatFromPath guesses the encoding from a file extension, defaulting to
// the raw E820 layout.
func FormatFromPath(path string) Format {
	switch {
	case strings.HasSuffix(path, ".json"):
		return FormatJSON
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return FormatYAML
	default:
		return FormatE820
	}
}

// Load reads a memory map from path.
func Load(path string, format Format) (*Map, *kernel.Error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kernel.Errorf("memmap", kernel.InvalidArgument, "read %s: %v", path, err)
	}

	return Parse(data, format)
}

// Parse decodes a memory map from data.
func Parse(data []byte, format Format) (*Map, *kernel.Error) {
	var (
		raw []fileEntry
		err error
	)

	switch format {
	case FormatE820:
		return Decode(data)
	case FormatJSON:
		err = json.Unmarshal(data, &raw)
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	default:
		return nil, kernel.Errorf("memmap", kernel.InvalidArgument, "unknown memory map format %q", format)
	}

	if err != nil {
		return nil, kernel.Errorf("memmap", kernel.MemoryMapInconsistency, "decode %s memory map: %v", format, err)
	}

	entries := make([]Entry, len(raw))
	for i, fe := range raw {
		entries[i] = Entry{BaseAddress: fe.Base, Length: fe.Length, Type: fe.Type, Attributes: fe.Attributes}
		if fe.Kind == "" {
			continue
		}

		kind, ok := ParseKind(fe.Kind)
		if !ok {
			return nil, kernel.Errorf("memmap", kernel.MemoryMapInconsistency, "entry %d: unknown kind %q", i, fe.Kind)
		}
		entries[i].Type = kind.RawType()
	}

	return New(entries)
}

// Marshal encodes m in the requested format.
func Marshal(m *Map, format Format) ([]byte, *kernel.Error) {
	if format == FormatE820 {
		return Encode(m), nil
	}

	raw := make([]fileEntry, len(m.entries))
	for i, e := range m.entries {
		raw[i] = fileEntry{Base: e.BaseAddress, Length: e.Length, Type: e.Type, Attributes: e.Attributes}
		if k := e.Kind(); k.RawType() == e.Type {
			raw[i].Kind = k.String()
		}
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(raw, "", "  ")
	case FormatYAML:
		data, err = yaml.Marshal(raw)
	default:
		return nil, kernel.Errorf("memmap", kernel.InvalidArgument, "unknown memory map format %q", format)
	}

	if err != nil {
		return nil, kernel.Errorf("memmap", kernel.InvalidArgument, "encode memory map: %v", err)
	}
	return data, nil
}
