// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the saplpdp CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saplpdp",
		Short: "saplpdp - a streaming attribute-based policy decision point",
		Long: `saplpdp evaluates SAPL policy documents against authorization
subscriptions, combining per-document verdicts and enforcing obligations
and advice before returning a decision.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewDecideCmd())
	cmd.AddCommand(NewCompileCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}
