package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/printhive/edge-agent/internal/filter"
)

// newStatusCommand builds the debug-only `agent status` command: it reads
// the printer snapshot a running `agent run --snapshot-file` wrote and
// jq-filters it for operator inspection, the way the teacher's `--jq` flag
// filters an API response (internal/filter).
func newStatusCommand() *cobra.Command {
	var file string
	var query string

	cmd := &cobra.Command{
		Use:    "status",
		Short:  "Inspect the last published printer snapshot (debug)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading snapshot: %w", err)
			}

			result, err := filter.ApplyFromJSON(data, query)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the snapshot JSON written by `agent run --snapshot-file`")
	cmd.Flags().StringVar(&query, "query", ".", "jq expression to filter the snapshot with")
	cmd.Flags().StringVar(&query, "jq", ".", "alias for --query")
	_ = cmd.Flags().MarkHidden("jq")
	return cmd
}
