package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"restaurant-rag/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var (
		file       string
		batchSize  int
		reset      bool
		initSchema bool
		dims       int
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load JSON-lines documents into the vector store",
		Long: "Each line holds {\"content\": ..., \"metadata\": {...}}. Progress is saved after every batch,\n" +
			"so rerunning the command resumes after the last committed row.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			a, err := wire(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if initSchema {
				if err := a.Vectors.EnsureSchema(ctx, dims); err != nil {
					return err
				}
				fmt.Fprintf(out, "Schema ready (%d dimensions)\n", dims)
			}

			ix, err := ingest.NewIndexer(a.Vectors, a.Tracker, batchSize, a.Logger)
			if err != nil {
				return err
			}
			if reset {
				if err := ix.Reset(ctx); err != nil {
					return fmt.Errorf("reset cursor: %w", err)
				}
				fmt.Fprintln(out, "Cursor reset")
			}

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open %s: %w", file, err)
			}
			defer f.Close()

			res, err := ix.Run(ctx, f)
			fmt.Fprintf(out, "Indexed %d documents, skipped %d, last row %d\n", res.Indexed, res.Skipped, res.LastRow)
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "path to the JSON-lines document file")
	cmd.Flags().IntVar(&batchSize, "batch", 50, "documents per batch")
	cmd.Flags().BoolVar(&reset, "reset", false, "start from the first row")
	cmd.Flags().BoolVar(&initSchema, "init-schema", false, "create the vector extension and table first")
	cmd.Flags().IntVar(&dims, "dims", 1536, "embedding dimensions used by --init-schema")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
