// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads saplpdp's runtime configuration from layered sources:
// built-in defaults, an optional YAML file, and command-line flags, in that
// order of increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/saplpdp/saplpdp/internal/xdg"
)

// Config is every option the PDP binary accepts, whether set by default,
// loaded from a YAML file, or overridden on the command line.
type Config struct {
	CombiningAlgorithm string        `koanf:"combining_algorithm"`
	PolicyDirectory    string        `koanf:"policy_directory"`
	TraceLevel         string        `koanf:"trace_level"`
	InitialTimeout     time.Duration `koanf:"initial_timeout"`
	PollInterval       time.Duration `koanf:"poll_interval"`
	Backoff            time.Duration `koanf:"backoff"`
	Retries            int           `koanf:"retries"`
	LogFormat          string        `koanf:"log_format"`
	AuditMode          string        `koanf:"audit_mode"`
}

// Defaults returns the built-in configuration values, the lowest-precedence
// layer.
func Defaults() Config {
	return Config{
		CombiningAlgorithm: "deny-unless-permit",
		PolicyDirectory:    defaultPolicyDirectory(),
		TraceLevel:         "off",
		InitialTimeout:     1 * time.Second,
		PollInterval:       5 * time.Second,
		Backoff:            100 * time.Millisecond,
		Retries:            3,
		LogFormat:          "json",
		AuditMode:          "minimal",
	}
}

// defaultPolicyDirectory resolves the XDG data directory's "policies"
// subdirectory, falling back to the current directory if it can't be
// determined.
func defaultPolicyDirectory() string {
	dataDir, err := xdg.DataDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dataDir, "policies")
}

// defaultFilePath resolves the default config file location under the XDG
// config directory. Returned even when the file does not exist; callers
// decide whether its absence is significant.
func defaultFilePath() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load builds a Config by layering, in increasing precedence: built-in
// defaults, the YAML file at path, and any flags set on flags. When path is
// empty, Load looks for a file at the default XDG config location and uses
// it if present, otherwise skips the file layer entirely; an explicitly
// given path that doesn't exist is an error. flags may be nil to skip that
// layer, letting callers outside the CLI (tests, other entry points) load a
// Config from just defaults and a file.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(confmap.Provider(map[string]any{
		"combining_algorithm": defaults.CombiningAlgorithm,
		"policy_directory":    defaults.PolicyDirectory,
		"trace_level":         defaults.TraceLevel,
		"initial_timeout":     defaults.InitialTimeout,
		"poll_interval":       defaults.PollInterval,
		"backoff":             defaults.Backoff,
		"retries":             defaults.Retries,
		"log_format":          defaults.LogFormat,
		"audit_mode":          defaults.AuditMode,
	}, "."), nil); err != nil {
		return Config{}, oops.Wrapf(err, "loading default configuration")
	}

	resolvedPath := path
	if resolvedPath == "" {
		if candidate, err := defaultFilePath(); err == nil {
			if _, statErr := os.Stat(candidate); statErr == nil {
				resolvedPath = candidate
			}
		}
	}

	if resolvedPath != "" {
		if err := k.Load(file.Provider(resolvedPath), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_FILE_ERROR").With("path", resolvedPath).Wrapf(err, "loading config file")
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Wrapf(err, "loading flag overrides")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Wrapf(err, "unmarshaling configuration")
	}
	return cfg, nil
}
