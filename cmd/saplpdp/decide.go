// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/saplpdp/saplpdp/internal/broker"
	"github.com/saplpdp/saplpdp/internal/config"
	"github.com/saplpdp/saplpdp/internal/funcbroker"
	"github.com/saplpdp/saplpdp/internal/pdp"
	"github.com/saplpdp/saplpdp/internal/value"
)

type decideFlags struct {
	policyDir string
	file      string
}

// NewDecideCmd creates the decide subcommand.
func NewDecideCmd() *cobra.Command {
	flags := &decideFlags{}

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Evaluate an authorization subscription against a policy directory",
		Long: `Reads a JSON AuthorizationSubscription from stdin (or --file),
loads every .sapl document in --policy-dir, and prints the resulting
AuthorizationDecision as JSON to stdout.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDecide(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.policyDir, "policy-dir", ".", "directory of .sapl policy documents")
	cmd.Flags().StringVar(&flags.file, "file", "", "read the subscription from this file instead of stdin")

	return cmd
}

func runDecide(cmd *cobra.Command, flags *decideFlags) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return oops.Wrapf(err, "loading configuration")
	}
	if flags.policyDir != "." {
		cfg.PolicyDirectory = flags.policyDir
	}

	var input io.Reader = cmd.InOrStdin()
	if flags.file != "" {
		f, err := os.Open(flags.file)
		if err != nil {
			return oops.Code("DECIDE_FILE_UNREADABLE").With("path", flags.file).Wrap(err)
		}
		defer f.Close()
		input = f
	}

	data, err := io.ReadAll(input)
	if err != nil {
		return oops.Wrapf(err, "reading subscription")
	}

	sub, err := parseSubscription(data)
	if err != nil {
		return oops.Code("DECIDE_INVALID_SUBSCRIPTION").Wrap(err)
	}

	engine, err := buildPDP(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	decision, err := engine.DecideOnce(cmd.Context(), sub)
	if err != nil {
		return oops.Wrapf(err, "evaluating decision")
	}

	out, err := value.MarshalJSON(decisionToValue(decision))
	if err != nil {
		return oops.Wrapf(err, "marshaling decision")
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func buildPDP(ctx context.Context, cfg config.Config) (*pdp.PDP, error) {
	fb := funcbroker.New()
	ab := broker.New(ctx)

	engine := pdp.New(
		pdp.WithFunctions(fb),
		pdp.WithAttributes(ab),
		pdp.WithTopLevelAlgorithm(cfg.CombiningAlgorithm),
	)

	entries, err := os.ReadDir(cfg.PolicyDirectory)
	if err != nil {
		return nil, oops.Code("DECIDE_POLICY_DIR_UNREADABLE").With("dir", cfg.PolicyDirectory).Wrap(err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sapl") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(cfg.PolicyDirectory, entry.Name()))
		if err != nil {
			return nil, oops.With("file", entry.Name()).Wrap(err)
		}
		id := strings.TrimSuffix(entry.Name(), ".sapl")
		if err := engine.Put(id, string(data)); err != nil {
			return nil, oops.Code("DECIDE_POLICY_COMPILE_FAILED").With("document_id", id).Wrap(err)
		}
	}
	return engine, nil
}

func parseSubscription(data []byte) (pdp.AuthorizationSubscription, error) {
	v, err := value.UnmarshalJSON(data)
	if err != nil {
		return pdp.AuthorizationSubscription{}, err
	}
	if !v.IsObject() {
		return pdp.AuthorizationSubscription{}, oops.Errorf("subscription must be a JSON object")
	}
	sub := pdp.AuthorizationSubscription{
		Subject:     value.Null(),
		Action:      value.Null(),
		Resource:    value.Null(),
		Environment: value.Null(),
	}
	if f, ok := v.Get("subject"); ok {
		sub.Subject = f
	}
	if f, ok := v.Get("action"); ok {
		sub.Action = f
	}
	if f, ok := v.Get("resource"); ok {
		sub.Resource = f
	}
	if f, ok := v.Get("environment"); ok {
		sub.Environment = f
	}
	return sub, nil
}

func decisionToValue(d pdp.Decision) value.Value {
	fields := map[string]value.Value{
		"decision": value.Text(d.Verdict.String()),
	}
	keys := []string{"decision"}
	if len(d.Obligations) > 0 {
		fields["obligations"] = value.Array(d.Obligations...)
		keys = append(keys, "obligations")
	}
	if len(d.Advice) > 0 {
		fields["advice"] = value.Array(d.Advice...)
		keys = append(keys, "advice")
	}
	if d.Resource != nil {
		fields["resource"] = *d.Resource
		keys = append(keys, "resource")
	}
	return value.Object(keys, fields)
}
