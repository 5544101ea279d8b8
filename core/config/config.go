package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the file-level CLI configuration.
type Config struct {
	Scan   ScanConfig   `yaml:"scan"`
	Davies DaviesConfig `yaml:"davies"`
	Store  StoreConfig  `yaml:"store"`
}

// ScanConfig controls scan inputs and dispatch.
type ScanConfig struct {
	Kind    string `yaml:"kind"`
	Workers int    `yaml:"workers"`
}

// DaviesConfig mirrors the characteristic-function inversion settings.
type DaviesConfig struct {
	Lim int     `yaml:"lim"`
	Acc float64 `yaml:"acc"`
}

// StoreConfig controls the optional sqlite result store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

func Default() Config {
	return Config{
		Scan: ScanConfig{
			Kind:    "interaction",
			Workers: 0, // 0 means one worker per CPU
		},
		Davies: DaviesConfig{
			Lim: 1_000_000,
			Acc: 1e-9,
		},
		Store: StoreConfig{},
	}
}

// Load reads a yaml config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
