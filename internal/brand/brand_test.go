package brand

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityLoaded(t *testing.T) {
	assert.Equal(t, "Foreman", Name)
	assert.Equal(t, "foreman", LowerName)
	assert.Equal(t, "foreman.hcl", ConfigFileName)
	assert.NotEmpty(t, Version)
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "foreman-agent/1.0.0", UserAgent("1.0.0"))
	assert.Equal(t, "foreman-agent/dev", UserAgent(""))
}

func TestDirectories(t *testing.T) {
	t.Setenv("FOREMAN_PREFIX", "")
	t.Setenv("FOREMAN_CONFIG_DIR", "")
	t.Setenv("FOREMAN_STATE_DIR", "")

	assert.Equal(t, "/etc/foreman", ConfigDir())
	assert.Equal(t, "/var/lib/foreman", StateDir())
	assert.Equal(t, "/etc/foreman/foreman.hcl", DefaultConfigPath())

	t.Setenv("FOREMAN_PREFIX", "/opt/foreman")
	assert.Equal(t, "/opt/foreman/state", StateDir())
	assert.Equal(t, filepath.Join("/opt/foreman/state", "foreman.db"), DefaultDatabasePath())
	assert.Equal(t, "/opt/foreman/config", ConfigDir())

	t.Setenv("FOREMAN_CONFIG_DIR", "/tmp/cfg")
	assert.Equal(t, "/tmp/cfg/foreman.hcl", DefaultConfigPath())
}
