package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"restaurant-rag/internal/usecase"
)

func newUsageCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show today's token usage per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			view, err := a.Chat.Usage(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			return printUsage(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw usage document")
	return cmd
}

func printUsage(out io.Writer, view usecase.UsageView) error {
	fmt.Fprintf(out, "Date: %s\nActive: %s (%s)\n", view.Date, view.ActiveModel, view.ActiveTier)
	if view.LastCompletedRow >= 0 {
		fmt.Fprintf(out, "Ingest cursor: row %d\n", view.LastCompletedRow)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tTIER\tUSED\tBUDGET\tREMAINING")
	for _, m := range view.Models {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", m.Model, m.Tier, m.Used, m.Budget, m.Remaining)
	}
	return w.Flush()
}
