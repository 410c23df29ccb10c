package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Aibou/common/version"
	"github.com/bdobrica/Aibou/internal/aibou/app"
	"github.com/bdobrica/Aibou/internal/aibou/observability"
	"github.com/bdobrica/Aibou/internal/aibou/persona"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aibou",
		Short:         "Conversational partner sessions backed by a language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newPersonasCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the durable writer and the cleanup scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logs := loadLogSettings()
			logger := observability.Setup(logs.Level, logs.Format)
			logger.Info("starting aibou",
				"version", version.Version,
				"commit", version.GitCommit,
				"build_time", version.BuildTime)

			config, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			aibou, err := app.New(ctx, config, logger)
			if err != nil {
				return fmt.Errorf("initialize aibou: %w", err)
			}
			defer aibou.Close()

			return aibou.Run(ctx)
		},
	}
}

func newPersonasCmd() *cobra.Command {
	personas := &cobra.Command{
		Use:   "personas",
		Short: "Work with personality template directories",
	}
	personas.AddCommand(&cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate every template and the rules document under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := persona.LoadDir(os.DirFS(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range bundle.IDs() {
				fmt.Fprintf(out, "ok  %s\n", id)
			}
			if bundle.Rules != nil {
				fmt.Fprintln(out, "ok  rules")
			}
			fmt.Fprintf(out, "%d template(s) valid\n", len(bundle.Templates))
			return nil
		},
	})
	return personas
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "aibou "+version.Info())
		},
	}
}
