// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Build information, set via -ldflags at release build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the saplpdp build version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("saplpdp %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
