package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"lendcore/observability/logging"
)

type rootOptions struct {
	debug bool
	env   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "lendctl",
		Short: "Operator tooling for the lendcore lending engine",
		Long: `lendctl drives the lending engine outside of lendingd: it replays the
reference scenarios in memory, evaluates rate curves, inspects a stopped
node's store and mints API tokens and account keys.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log engine activity to stderr")
	root.PersistentFlags().StringVar(&opts.env, "env", "local", "environment label attached to log lines")

	root.AddCommand(
		newSimulateCmd(opts),
		newRateCmd(),
		newInspectCmd(),
		newTokenCmd(),
		newKeygenCmd(),
	)
	return root
}

// logger discards everything unless --debug is set.
func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	if !o.debug {
		return logging.SetupWithWriter(io.Discard, "lendctl", o.env, slog.LevelError)
	}
	return logging.SetupWithWriter(cmd.ErrOrStderr(), "lendctl", o.env, slog.LevelDebug)
}
