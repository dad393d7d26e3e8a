// Package codec holds the canonical YAML encoding settings used whenever a
// machine mapping is written back into a document. Callers pass a Config
// explicitly so engines with different conventions can coexist.
package codec

import (
	"bytes"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config controls how machine mappings are serialized.
type Config struct {
	Indent int `yaml:"indent"`
}

// Default returns the canonical configuration: two-space indentation.
func Default() Config {
	return Config{Indent: 2}
}

// Validate validates the codec configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Indent, validation.Required, validation.Min(2), validation.Max(8)),
	)
}

// Encode serializes v (a value or a *yaml.Node) and returns the lines
// without the trailing newline.
func (c Config) Encode(v any) (lines []string, err error) {
	defer recoverEncode(&err)
	indent := c.Indent
	if indent <= 0 {
		indent = 2
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(indent)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("codec: close encoder: %w", err)
	}
	out := strings.TrimRight(buf.String(), "\n")
	if out == "" || out == "{}" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Fenced wraps encoded lines in the block data fence.
func (c Config) Fenced(v any, open, closing string) ([]string, error) {
	body, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(body)+2)
	out = append(out, open)
	out = append(out, body...)
	out = append(out, closing)
	return out, nil
}

// Node converts v into a YAML node tree.
func (c Config) Node(v any) (n *yaml.Node, err error) {
	defer recoverEncode(&err)
	n = new(yaml.Node)
	if err := n.Encode(v); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return n, nil
}

// recoverEncode turns yaml.v3's panic on unsupported types (funcs, channels)
// into an error.
func recoverEncode(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("codec: encode: %v", r)
	}
}
