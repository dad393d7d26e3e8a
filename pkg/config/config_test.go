package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	valid bool
}

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errors.New("port must be positive")
	}
	s.valid = true
	return nil
}

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ExpandsEnvAndKeepsDefaults(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "records")
	cfg := sample{Port: 8080}

	require.NoError(t, Load(write(t, "name: ${SAMPLE_NAME}\n"), &cfg))
	assert.Equal(t, "records", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.valid)
}

func TestLoad_Errors(t *testing.T) {
	var cfg sample
	err := Load(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	assert.ErrorIs(t, err, ErrNotFound)

	err = Load(write(t, "port: [\n"), &cfg)
	assert.ErrorContains(t, err, "failed to parse")

	err = Load(write(t, "port: 0\n"), &cfg)
	assert.ErrorContains(t, err, "port must be positive")
}

func TestLoadIfExists(t *testing.T) {
	cfg := sample{Port: 9000}
	require.NoError(t, LoadIfExists(filepath.Join(t.TempDir(), "missing.yaml"), &cfg))
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.valid)

	bad := sample{}
	assert.Error(t, LoadIfExists(filepath.Join(t.TempDir(), "missing.yaml"), &bad))
}

func TestMustLoad_Panics(t *testing.T) {
	assert.Panics(t, func() {
		var cfg sample
		MustLoad(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	})
}
