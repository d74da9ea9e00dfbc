package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type documentDeleter interface {
	DeleteByMetadata(ctx context.Context, key, value string) (int64, error)
}

func newDeleteCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "delete VALUE",
		Short: "Remove documents whose metadata field matches VALUE",
		Long:  "delete removes every stored document whose metadata --key equals VALUE, e.g. before re-ingesting a single restaurant.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return deleteDocuments(cmd.Context(), a.Vectors, cmd.OutOrStdout(), key, args[0])
		},
	}

	cmd.Flags().StringVar(&key, "key", "name", "metadata field to match")
	return cmd
}

func deleteDocuments(ctx context.Context, d documentDeleter, out io.Writer, key, value string) error {
	if key == "" {
		return errors.New("--key must not be empty")
	}
	n, err := d.DeleteByMetadata(ctx, key, value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "Deleted %d documents where %s=%q\n", n, key, value)
	return err
}
