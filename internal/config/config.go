// Package config loads the bridge's configuration through a priority
// cascade: defaults < global config file < project config file < env
// vars < flags (spec §6 lists the env vars; the cascade shape itself is
// ambient, not spec'd).
//
// Grounded on cmd/gasoline-cmd/config/loader.go's cascade (Defaults,
// loadGlobalConfig/loadProjectConfig/loadEnvVars/applyFlags, Validate),
// adapted from a CLI's server-port/format/timeout fields to the bridge's
// three listen ports and log ring size.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all resolved bridge configuration.
type Config struct {
	NativePort int `json:"native_port"`
	CDPPort    int `json:"cdp_port"`
	ExtPort    int `json:"ext_port"`
	LogLimit   int `json:"log_limit"`
}

// FlagOverrides holds values explicitly set via command-line flags. A nil
// pointer means the flag was not set, so lower-priority values are kept.
type FlagOverrides struct {
	NativePort *int
	CDPPort    *int
	ExtPort    *int
	LogLimit   *int
}

// Defaults returns the bridge's base configuration (spec §6 port defaults).
func Defaults() Config {
	return Config{
		NativePort: 9225,
		CDPPort:    9222,
		ExtPort:    9224,
		LogLimit:   1000,
	}
}

// Load builds the final configuration by applying the priority cascade:
// defaults < global (~/.brop/config.json) < project (.brop.json) < env
// vars < flags.
func Load(projectDir string, flags *FlagOverrides) (Config, error) {
	cfg := Defaults()

	if home, err := os.UserHomeDir(); err == nil {
		_ = loadJSONFile(&cfg, filepath.Join(home, ".brop", "config.json"))
	}

	if err := loadJSONFile(&cfg, filepath.Join(projectDir, ".brop.json")); err != nil {
		return cfg, fmt.Errorf("project config: %w", err)
	}

	loadEnvVars(&cfg)

	if flags != nil {
		applyFlags(&cfg, flags)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// fileConfig uses pointers to distinguish "not set" from zero values.
type fileConfig struct {
	NativePort *int `json:"native_port"`
	CDPPort    *int `json:"cdp_port"`
	ExtPort    *int `json:"ext_port"`
	LogLimit   *int `json:"log_limit"`
}

func loadJSONFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var fileCfg fileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fileCfg.NativePort != nil {
		cfg.NativePort = *fileCfg.NativePort
	}
	if fileCfg.CDPPort != nil {
		cfg.CDPPort = *fileCfg.CDPPort
	}
	if fileCfg.ExtPort != nil {
		cfg.ExtPort = *fileCfg.ExtPort
	}
	if fileCfg.LogLimit != nil {
		cfg.LogLimit = *fileCfg.LogLimit
	}
	return nil
}

// loadEnvVars applies the environment variable overrides named in spec §6.
func loadEnvVars(cfg *Config) {
	if v := os.Getenv("BROP_NATIVE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NativePort = port
		}
	}
	if v := os.Getenv("BROP_CDP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.CDPPort = port
		}
	}
	if v := os.Getenv("BROP_EXT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.ExtPort = port
		}
	}
	if v := os.Getenv("BROP_LOG_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			cfg.LogLimit = limit
		}
	}
}

func applyFlags(cfg *Config, flags *FlagOverrides) {
	if flags.NativePort != nil {
		cfg.NativePort = *flags.NativePort
	}
	if flags.CDPPort != nil {
		cfg.CDPPort = *flags.CDPPort
	}
	if flags.ExtPort != nil {
		cfg.ExtPort = *flags.ExtPort
	}
	if flags.LogLimit != nil {
		cfg.LogLimit = *flags.LogLimit
	}
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	for name, port := range map[string]int{"native_port": c.NativePort, "cdp_port": c.CDPPort, "ext_port": c.ExtPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be 1-65535, got %d", name, port)
		}
	}
	if c.NativePort == c.CDPPort || c.NativePort == c.ExtPort || c.CDPPort == c.ExtPort {
		return fmt.Errorf("native_port, cdp_port, and ext_port must all be distinct")
	}
	if c.LogLimit < 1 {
		return fmt.Errorf("log_limit must be positive, got %d", c.LogLimit)
	}
	return nil
}
