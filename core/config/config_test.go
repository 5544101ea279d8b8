package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "interaction", cfg.Scan.Kind)
	assert.Equal(t, 1_000_000, cfg.Davies.Lim)
	assert.InDelta(t, 1e-9, cfg.Davies.Acc, 1e-18)
	assert.Empty(t, cfg.Store.Path)
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
scan:
  kind: association-fast
  workers: 8
davies:
  acc: 1e-6
store:
  path: /tmp/results.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "association-fast", cfg.Scan.Kind)
	assert.Equal(t, 8, cfg.Scan.Workers)
	assert.InDelta(t, 1e-6, cfg.Davies.Acc, 1e-15)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1_000_000, cfg.Davies.Lim)
	assert.Equal(t, "/tmp/results.db", cfg.Store.Path)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan: ["), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
