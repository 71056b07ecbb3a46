package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the in-memory configuration tree. The core consumes only
// the "modules" section; every other top-level section is owned by a
// module and passed through untouched.
type Config struct {
	path string
	dir  string
	raw  map[string]any
}

// ConfigError indicates the configuration file is missing or malformed.
// It is fatal at boot.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ModuleConfig is the configuration slice of a single module, the
// subtree under modules.<name>. A missing slice is an empty map.
type ModuleConfig map[string]any

// Load reads and parses the configuration file at path. JSON is the
// default format; files ending in .yaml or .yml are parsed as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse yaml: %w", err)}
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse json: %w", err)}
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &Config{
		path: abs,
		dir:  filepath.Dir(abs),
		raw:  raw,
	}, nil
}

// FromMap wraps an already-built tree, primarily for tests and
// embedding programs that assemble configuration programmatically.
func FromMap(raw map[string]any) *Config {
	if raw == nil {
		raw = make(map[string]any)
	}
	cwd, _ := os.Getwd()
	return &Config{dir: cwd, raw: raw}
}

// Path returns the absolute path of the loaded file, "" for FromMap.
func (c *Config) Path() string { return c.path }

// Dir returns the directory containing the configuration file.
func (c *Config) Dir() string { return c.dir }

// Section returns a top-level section as a map, nil when absent or
// not a mapping. The returned map is shared, not copied; the tree is
// read-only after load.
func (c *Config) Section(name string) map[string]any {
	if c == nil {
		return nil
	}
	section, _ := c.raw[name].(map[string]any)
	return section
}

// Module returns the configuration slice for the named module, an
// empty map when absent.
func (c *Config) Module(name string) ModuleConfig {
	modules := c.Section("modules")
	if modules == nil {
		return ModuleConfig{}
	}
	slice, _ := modules[name].(map[string]any)
	if slice == nil {
		return ModuleConfig{}
	}
	return ModuleConfig(slice)
}

// ModuleEnabled resolves modules.<name>.enabled with default true.
func (c *Config) ModuleEnabled(name string) bool {
	return c.Module(name).Enabled()
}

// Enabled resolves the enabled flag with default true.
func (m ModuleConfig) Enabled() bool {
	v, ok := m["enabled"]
	if !ok {
		return true
	}
	enabled, ok := v.(bool)
	return !ok || enabled
}

// GetString returns the string value at key, or fallback.
func (m ModuleConfig) GetString(key, fallback string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return fallback
}

// GetBool returns the bool value at key, or fallback.
func (m ModuleConfig) GetBool(key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

// GetFloat returns the numeric value at key, or fallback. JSON decodes
// numbers as float64, YAML as int or float64; both are accepted.
func (m ModuleConfig) GetFloat(key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

// GetMap returns the nested map at key, nil when absent.
func (m ModuleConfig) GetMap(key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
