// Package config loads the CLI configuration file and provides the defaults
// for a provisioning run. The provider token is deliberately not part of the
// file; it is read from the environment by the command layer and passed
// explicitly into the client constructor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML decoding ("5m", "30s").
type Duration time.Duration

// UnmarshalYAML decodes a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// StageTimeouts holds the per-stage poll interval and wall-clock ceiling.
type StageTimeouts struct {
	Interval Duration `yaml:"interval"`
	Ceiling  Duration `yaml:"ceiling"`
}

// Config is the CLI configuration. Every field has a usable default; a
// config file only overrides.
type Config struct {
	// Region is the default provider region.
	Region string `yaml:"region" validate:"required"`

	// Size is the default resource size/class.
	Size string `yaml:"size" validate:"required"`

	// Image is the default base image.
	Image string `yaml:"image" validate:"required"`

	// Port is the VPN listen port substituted into the boot payload.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// Output is the default local path for the retrieved artifact.
	Output string `yaml:"output" validate:"required"`

	// User is the SSH user on the provisioned resource.
	User string `yaml:"user" validate:"required"`

	// HistoryPath is the SQLite database recording run history.
	HistoryPath string `yaml:"history_path" validate:"required"`

	// Active, Reachable and Configured tune the three wait stages; each
	// layer becomes ready on its own schedule.
	Active     StageTimeouts `yaml:"active"`
	Reachable  StageTimeouts `yaml:"reachable"`
	Configured StageTimeouts `yaml:"configured"`
}

var validate = validator.New()

// Default returns the stock configuration, mirroring the defaults the
// original tooling shipped with.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Region:      "fra1",
		Size:        "s-1vcpu-512mb-10gb",
		Image:       "debian-11-x64",
		Port:        42069,
		Output:      "dropguard.conf",
		User:        "root",
		HistoryPath: filepath.Join(home, ".dropguard", "history.db"),
		Active:      StageTimeouts{Interval: Duration(5 * time.Second), Ceiling: Duration(5 * time.Minute)},
		Reachable:   StageTimeouts{Interval: Duration(10 * time.Second), Ceiling: Duration(5 * time.Minute)},
		Configured:  StageTimeouts{Interval: Duration(10 * time.Second), Ceiling: Duration(15 * time.Minute)},
	}
}

// Load reads the config file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
