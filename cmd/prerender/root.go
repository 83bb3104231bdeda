package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/prerender/internal/config"
	"github.com/JakeFAU/prerender/internal/server"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// runner is what serve needs from the application. Tests swap newApp for a fake.
type runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config) (runner, error) {
	return server.Build(ctx, cfg, version)
}

// newRootCmd creates the root command. Without a subcommand it serves.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "prerender",
		Short: "Render JavaScript pages with a shared headless browser.",
		Long: `prerender loads each requested URL in a headless browser, waits for the
page to settle and answers with the rendered HTML, a screenshot, a PDF or a
HAR capture.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgFile)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); PRERENDER_* variables override it")
	cmd.AddCommand(newServeCmd(&cfgFile), newVersionCmd())
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
