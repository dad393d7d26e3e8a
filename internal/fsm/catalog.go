package fsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/recordbook/internal/apperr"
	"github.com/starford/recordbook/internal/parser"
)

// Catalog loads definitions by name from <dir>/<name>.yaml. The file is read
// on every call so edits take effect without a restart.
type Catalog struct {
	dir string
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir}
}

// Load reads and validates the named definition.
func (c *Catalog) Load(name string) (Definition, error) {
	if !parser.ValidAnchor(name) {
		return Definition{}, fmt.Errorf("fsm: machine %q: %w", name, apperr.ErrInvalid)
	}
	data, err := os.ReadFile(filepath.Join(c.dir, name+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return Definition{}, fmt.Errorf("fsm: machine %q: %w", name, apperr.ErrNotFound)
		}
		return Definition{}, fmt.Errorf("fsm: read %q: %w", name, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("fsm: decode %q: %w", name, err)
	}
	if def.Name == "" {
		def.Name = name
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("fsm: machine %q: %w", name, err)
	}
	return def, nil
}

// Names lists the definitions available in the catalog directory.
func (c *Catalog) Names() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("fsm: list %s: %w", c.dir, err)
	}
	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}
