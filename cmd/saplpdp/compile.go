// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/saplpdp/saplpdp/internal/compile"
	"github.com/saplpdp/saplpdp/internal/lang"
)

type compileFlags struct {
	ast bool
}

// NewCompileCmd creates the compile subcommand.
func NewCompileCmd() *cobra.Command {
	flags := &compileFlags{}

	cmd := &cobra.Command{
		Use:   "compile <file.sapl>",
		Short: "Parse and compile a SAPL document, reporting diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(cmd, flags, args[0])
		},
	}

	cmd.Flags().BoolVar(&flags.ast, "ast", false, "print the parsed AST as JSON instead of a compile summary")

	return cmd
}

func runCompile(cmd *cobra.Command, flags *compileFlags, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return oops.Code("COMPILE_FILE_UNREADABLE").With("path", path).Wrap(err)
	}

	id := strings.TrimSuffix(path, ".sapl")
	doc, err := lang.Parse(id, string(data))
	if err != nil {
		return oops.Code("COMPILE_PARSE_FAILED").With("path", path).Wrap(err)
	}

	if flags.ast {
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return oops.Wrapf(err, "marshaling AST")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	compiled, err := compile.Document(id, doc)
	if err != nil {
		return oops.Code("COMPILE_FAILED").With("path", path).Wrap(err)
	}

	if compiled.PolicySet != nil {
		cmd.Printf("%s: policy set %q (%s), %d polic(ies)\n", path, compiled.PolicySet.Name, compiled.PolicySet.Algorithm, len(compiled.PolicySet.Policies))
	} else {
		cmd.Printf("%s: policy %q (%s)\n", path, compiled.Policy.Name, compiled.Policy.Entitlement)
	}
	return nil
}
