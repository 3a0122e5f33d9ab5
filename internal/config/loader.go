package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"gopkg.in/yaml.v2"
)

// SupportedVersions lists the schema versions this build can read.
var SupportedVersions = []string{CurrentSchemaVersion}

// LoadResult contains the loaded config and metadata about the load
type LoadResult struct {
	Config   *Config
	Format   string
	Path     string
	Warnings []string
}

// LoadFile loads a config file (HCL, JSON or YAML), applies defaults and validates it.
func LoadFile(path string) (*Config, error) {
	result, err := LoadFileWithResult(path)
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadFileWithResult loads a config file and reports how it was interpreted.
func LoadFileWithResult(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var (
		cfg    *Config
		format string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		cfg, err = LoadHCL(data, path)
		format = "hcl"
	case ".json":
		cfg, err = LoadJSON(data)
		format = "json"
	case ".yaml", ".yml":
		cfg, err = LoadYAML(data)
		format = "yaml"
	default:
		// Try HCL first, fall back to JSON
		format = "hcl"
		cfg, err = LoadHCL(data, path)
		if err != nil {
			format = "json"
			cfg, err = LoadJSON(data)
		}
	}
	if err != nil {
		return nil, err
	}

	result := &LoadResult{Config: cfg, Format: format, Path: path}
	if cfg.Agent != nil && cfg.Agent.Command == "" {
		result.Warnings = append(result.Warnings, "agent.command is empty; this file can only be used with serve")
	}
	return result, nil
}

// LoadHCL loads config from HCL bytes
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return finish(&cfg)
}

// LoadJSON loads config from JSON bytes
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return finish(&cfg)
}

// LoadYAML loads config from YAML bytes
func LoadYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	if cfg.SchemaVersion != "" && !isSupportedVersion(cfg.SchemaVersion) {
		return nil, fmt.Errorf("unsupported config schema version %s (supported: %v)",
			cfg.SchemaVersion, SupportedVersions)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isSupportedVersion(v string) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// evalContext exposes env(name[, default]) to HCL expressions.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "default", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if v, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(v), nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return cty.StringVal(""), nil
	},
})
