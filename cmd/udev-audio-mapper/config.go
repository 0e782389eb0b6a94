package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig holds the optional YAML config file. Flags override anything
// set here.
type fileConfig struct {
	RulesDir    string `yaml:"rules_dir"`
	ModprobeDir string `yaml:"modprobe_dir"`
	LogLevel    string `yaml:"log_level"`
	SkipReload  bool   `yaml:"skip_reload"`
}

// defaultConfigPath is consulted when --config is not given; a missing file
// there is not an error.
const defaultConfigPath = "/etc/udev-audio-mapper.yaml"

func loadFileConfig(path string, explicit bool) (fileConfig, error) {
	var cfg fileConfig

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}
