package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks the environment variables read by Load.
const EnvPrefix = "CKPT2NPY_"

// Export modes.
const (
	ModeTensors = "tensors"
	ModeBundle  = "bundle"
	ModeBoth    = "both"
)

// Per-tensor file formats.
const (
	FormatNPY   = "npy"
	FormatArrow = "arrow"
)

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MetricsConfig struct {
	// File receives a metrics dump in the text exposition format after
	// every run. Empty disables the dump.
	File string `koanf:"file"`
}

type Config struct {
	Dest       string `koanf:"dest"`
	Mode       string `koanf:"mode"`
	Format     string `koanf:"format"`
	Compress   bool   `koanf:"compress"`
	UpcastHalf bool   `koanf:"upcast_half"`
	Verify     bool   `koanf:"verify"`
	Strict     bool   `koanf:"strict"`

	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
}

func Default() *Config {
	return &Config{
		Dest:   "./output",
		Mode:   ModeTensors,
		Format: FormatNPY,
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Dest) == "" {
		return fmt.Errorf("invalid dest: %q (must not be empty)", c.Dest)
	}
	switch c.Mode {
	case ModeTensors, ModeBundle, ModeBoth:
	default:
		return fmt.Errorf("invalid mode: %q (must be %s, %s or %s)", c.Mode, ModeTensors, ModeBundle, ModeBoth)
	}
	switch c.Format {
	case FormatNPY, FormatArrow:
	default:
		return fmt.Errorf("invalid format: %q (must be %s or %s)", c.Format, FormatNPY, FormatArrow)
	}
	if c.Mode == ModeBundle && c.Format != FormatNPY {
		return fmt.Errorf("invalid format: %q (bundle mode writes %s only)", c.Format, FormatNPY)
	}
	if c.Mode == ModeBundle && c.Verify {
		return errors.New("invalid verify: bundle mode writes no manifest to verify")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %q (must be console or json)", c.Log.Format)
	}
	return nil
}

// Overrides holds values set on the command line. Keys use "." between
// sections, as in "log.level".
type Overrides map[string]any

// Set stores v under a dotted key as a nested map.
func (o Overrides) Set(key string, v any) {
	parts := strings.Split(key, ".")
	m := map[string]any(o)
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

// mapProvider feeds an in-memory map to koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

// envKey maps CKPT2NPY_LOG_LEVEL to log.level and CKPT2NPY_UPCAST_HALF to
// upcast_half. Only the section prefixes turn into a level of nesting.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range []string{"log_", "metrics_"} {
		if strings.HasPrefix(s, section) {
			return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(s, section)
		}
	}
	return s
}

// Load builds the configuration from, in increasing priority: defaults,
// the YAML file at path (skipped when empty), CKPT2NPY_* environment
// variables and overrides. The result is validated.
func Load(path string, overrides Overrides) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(mapProvider(overrides), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
