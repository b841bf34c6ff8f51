// Package config loads YAML configuration files, expanding environment
// variable references so secrets (bot tokens, API keys) stay out of the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validator is implemented by configuration types that can check themselves
// after decoding.
type Validator interface {
	Validate() error
}

// Load reads a YAML file into target. References like ${TELEGRAM_TOKEN} are
// replaced from the environment first; ${VAR:-fallback} substitutes the
// fallback when VAR is unset or empty. If target implements Validator, it is
// validated after decoding.
func Load[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	expanded := os.Expand(string(data), expandVar)

	if err := yaml.Unmarshal([]byte(expanded), target); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if v, ok := any(target).(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	return nil
}

// LoadWithDefaults loads filename, falling back to defaultFile when filename
// does not exist.
func LoadWithDefaults[T any](filename, defaultFile string, target *T) error {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		if defaultFile == "" {
			return fmt.Errorf("config file not found: %s", filename)
		}
		return Load(defaultFile, target)
	}
	return Load(filename, target)
}

// MustLoad is Load for program initialization paths where a bad config
// cannot be recovered from; it panics on failure.
func MustLoad[T any](filename string, target *T) {
	if err := Load(filename, target); err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
}

// expandVar resolves one ${...} reference, honoring the shell-style
// ${VAR:-fallback} form.
func expandVar(name string) string {
	key, fallback, hasFallback := strings.Cut(name, ":-")
	if val := os.Getenv(key); val != "" {
		return val
	}
	if hasFallback {
		return fallback
	}
	return ""
}
