package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Run a similarity search against the vector store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			docs, err := a.Chat.SearchDocuments(cmd.Context(), strings.Join(args, " "), k)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(docs) == 0 {
				fmt.Fprintln(out, "No results")
				return nil
			}
			for i, d := range docs {
				score := "-"
				if d.Score != nil {
					score = fmt.Sprintf("%.3f", *d.Score)
				}
				fmt.Fprintf(out, "%d. [%s] %s\n", i+1, score, d.Text)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "k", "k", 5, "number of results")
	return cmd
}
