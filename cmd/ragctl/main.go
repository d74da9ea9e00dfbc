package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"restaurant-rag/internal/app"
	"restaurant-rag/internal/config"
)

// Version info set via ldflags at build time.
var Version = "dev"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ragctl",
		Short:         "Operate the restaurant RAG service",
		Long:          "ragctl inspects token usage, loads or removes restaurant documents in the vector store and runs ad-hoc searches.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newUsageCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newDeleteCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ragctl %s\n", Version)
		},
	}
}

// wire loads configuration from the environment and builds the service.
// Logs go to stderr so command output stays machine readable.
func wire(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.NewLogger(os.Stderr, cfg.LogLevel, "text"))
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
