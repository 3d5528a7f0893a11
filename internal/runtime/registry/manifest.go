package registry

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/drblury/unitkernel/internal/runtime/jsoncodec"
	"gopkg.in/yaml.v3"
)

// Manifest encodings understood by Parse.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// ReadManifest decodes the manifest at path, picking the decoder from the
// file extension.
func ReadManifest(path string) (Manifest, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Manifest{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data, format)
	if err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}

// FormatFor maps a file extension onto a manifest format.
func FormatFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
	}
}

// Parse decodes data in the given format.
func Parse(data []byte, format string) (Manifest, error) {
	var m Manifest
	switch format {
	case FormatJSON:
		if err := jsoncodec.Unmarshal(data, &m); err != nil {
			return Manifest{}, err
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return Manifest{}, err
		}
	case FormatTOML:
		meta, err := toml.Decode(string(data), &m)
		if err != nil {
			return Manifest{}, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Manifest{}, fmt.Errorf("unknown manifest keys: %v", undecoded)
		}
	default:
		return Manifest{}, fmt.Errorf("unsupported manifest format %q", format)
	}
	return m, nil
}
