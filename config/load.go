package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/sagernet/sing/common/json"

	"github.com/getlantern/boxclient/common/atomicfile"
)

// Format is the serialization format of a config document.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

func (f Format) String() string {
	if f == FormatYAML {
		return "yaml"
	}
	return "json"
}

// FormatFromPath returns the format implied by the file extension. Anything other than .yaml or
// .yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ErrParse is wrapped by errors caused by malformed documents.
var ErrParse = errors.New("malformed config document")

// ParseError is returned when a document cannot be decoded.
type ParseError struct {
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s config: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParse, e.Err}
}

// Parse decodes a document. It does not validate the result.
func Parse(data []byte, format Format) (*Config, error) {
	if format == FormatYAML {
		converted, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, &ParseError{Format: format, Err: err}
		}
		data = converted
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &ParseError{Format: format, Err: errors.New("empty document")}
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Format: format, Err: err}
	}
	return &cfg, nil
}

// Marshal encodes cfg in the given format.
func Marshal(cfg *Config, format Format) ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	buf := b.Bytes()
	if format == FormatYAML {
		var err error
		if buf, err = yaml.JSONToYAML(buf); err != nil {
			return nil, fmt.Errorf("marshal config: %w", err)
		}
	}
	return buf, nil
}

// LoadFile reads and decodes the document at path. Read failures are returned as *fs.PathError,
// decoding failures as *ParseError.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, FormatFromPath(path))
}

// WriteFile atomically writes cfg to path in the format implied by its extension.
func WriteFile(path string, cfg *Config) error {
	buf, err := Marshal(cfg, FormatFromPath(path))
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
