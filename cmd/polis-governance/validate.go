package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-governance/pkg/config"
	"github.com/polisai/polis-governance/pkg/policy"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules-file>",
		Short: "Decode and validate every rule in a governance rules file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read rules file: %w", err)
			}
			rules, err := config.ParseRules(data)
			if err != nil {
				return err
			}
			if invalid := validateRules(cmd.OutOrStdout(), rules); invalid > 0 {
				return fmt.Errorf("%d invalid rule(s)", invalid)
			}
			return nil
		},
	}
}

// validateRules writes one line per key and returns the number of invalid
// rules. Keys that are neither policies nor QPS settings are reported as
// ignored.
func validateRules(out io.Writer, rules map[string]string) int {
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	invalid := 0
	for _, key := range keys {
		known, err := validateRule(key, rules[key])
		switch {
		case !known:
			fmt.Fprintf(out, "ignored  %s\n", key)
		case err != nil:
			invalid++
			fmt.Fprintf(out, "invalid  %s: %v\n", key, err)
		default:
			fmt.Fprintf(out, "ok       %s\n", key)
		}
	}
	return invalid
}

func validateRule(key, raw string) (known bool, err error) {
	if kind, name, ok := policy.ParseKey(key); ok {
		p, _ := policy.New(kind)
		_, err := policy.DecodeValid(kind, name, raw, func() policy.Policy { return p })
		return true, err
	}

	switch {
	case key == "servicecomb.flowcontrol.strategy":
		return true, nil
	case strings.HasPrefix(key, "servicecomb.flowcontrol.") && strings.HasSuffix(key, ".enabled"):
		_, err := strconv.ParseBool(strings.TrimSpace(raw))
		return true, err
	case strings.HasPrefix(key, "servicecomb.flowcontrol.") && strings.Contains(key, ".qps."):
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err == nil && v < 0 {
			err = fmt.Errorf("limit must not be negative, got %d", v)
		}
		return true, err
	}
	return false, nil
}
