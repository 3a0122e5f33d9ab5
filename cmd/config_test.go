package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/foreman/internal/config"
)

func TestWriteDefaultConfig_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "foreman.hcl")
	require.NoError(t, writeDefaultConfig(path, false, nil))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.Listen, cfg.Server.Listen)
	assert.Equal(t, config.Default().Queue.Workers, cfg.Queue.Workers)

	// Refuses to clobber without force.
	assert.Error(t, writeDefaultConfig(path, false, nil))
	assert.NoError(t, writeDefaultConfig(path, true, nil))
}

func TestWriteDefaultConfig_Stdout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDefaultConfig("", false, &buf))
	assert.Contains(t, buf.String(), "server {")
}

func TestRenderConfig_Formats(t *testing.T) {
	cfg := config.Default()

	var js bytes.Buffer
	require.NoError(t, renderConfig(cfg, "json", &js))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Contains(t, decoded, "server")

	var ym bytes.Buffer
	require.NoError(t, renderConfig(cfg, "yaml", &ym))
	assert.Contains(t, ym.String(), "listen:")
	assert.Contains(t, ym.String(), "7420")

	assert.Error(t, renderConfig(cfg, "toml", &bytes.Buffer{}))
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.hcl"))
	assert.Error(t, err)
}

func TestLoadConfig_DefaultPathFallsBack(t *testing.T) {
	t.Setenv("FOREMAN_CONFIG_DIR", t.TempDir())
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.Listen, cfg.Server.Listen)

	_, statErr := os.Stat(filepath.Join(os.Getenv("FOREMAN_CONFIG_DIR"), "foreman.hcl"))
	assert.True(t, os.IsNotExist(statErr))
}
