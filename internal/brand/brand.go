// Package brand holds the product identity shared by the server, the agent
// host and the CLI.
//
// The identity lives in brand.json, embedded at compile time so packaging
// scripts read the same values.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

type identity struct {
	Name           string `json:"name"`
	LowerName      string `json:"lowerName"`
	Description    string `json:"description"`
	EnvPrefix      string `json:"envPrefix"`
	ConfigDir      string `json:"configDir"`
	StateDir       string `json:"stateDir"`
	BinaryName     string `json:"binaryName"`
	ConfigFileName string `json:"configFileName"`
	UserAgent      string `json:"userAgent"`
}

var id identity

var (
	Name           string
	LowerName      string
	Description    string
	BinaryName     string
	ConfigFileName string

	// Set at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func init() {
	if err := json.Unmarshal(brandJSON, &id); err != nil {
		panic("brand.json: " + err.Error())
	}
	Name = id.Name
	LowerName = id.LowerName
	Description = id.Description
	BinaryName = id.BinaryName
	ConfigFileName = id.ConfigFileName
}

// UserAgent is the header agent hosts send when dialing the server.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return id.UserAgent + "/" + version
}

// ConfigDir resolves FOREMAN_CONFIG_DIR, then FOREMAN_PREFIX/config, then /etc/foreman.
func ConfigDir() string {
	return envDir("_CONFIG_DIR", "config", id.ConfigDir)
}

// StateDir resolves FOREMAN_STATE_DIR, then FOREMAN_PREFIX/state, then /var/lib/foreman.
func StateDir() string {
	return envDir("_STATE_DIR", "state", id.StateDir)
}

// DefaultConfigPath is where serve and agent look when -config is not given.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), ConfigFileName)
}

// DefaultDatabasePath is the SQLite file used when store.path is unset.
func DefaultDatabasePath() string {
	return filepath.Join(StateDir(), LowerName+".db")
}

func envDir(suffix, sub, def string) string {
	if dir := os.Getenv(id.EnvPrefix + suffix); dir != "" {
		return dir
	}
	if prefix := os.Getenv(id.EnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}
