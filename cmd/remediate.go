package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newRemediateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remediate <incident-id>",
		Short: "Apply an incident's stored patch and open a merge request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.remediator.Remediate(ctx, args[0])
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode result: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
