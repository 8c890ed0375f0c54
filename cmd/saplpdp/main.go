// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Command saplpdp is a standalone policy decision point: it loads SAPL
// documents from a directory and either evaluates a single subscription
// against them or validates a document on its own.
package main

import (
	"fmt"
	"os"

	"github.com/saplpdp/saplpdp/internal/logging"
)

// Build information, wired into every log line; see version.go for the
// user-facing "version" subcommand that prints the same values.
func main() {
	logging.SetDefault("saplpdp", version, os.Getenv("SAPLPDP_LOG_FORMAT"))

	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
