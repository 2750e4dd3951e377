package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/nloptd/internal/logging"
)

// cli carries the state shared by every subcommand.
type cli struct {
	logLevel  string
	logFormat string

	logger *logging.Logger
	zap    *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "nloptsolve",
		Short: "Solve nonlinear optimization problems with NLopt",
		Long: `nloptsolve reads a problem definition (YAML or JSON) with an objective,
bounds and constraints written as expressions, and solves it with any
NLopt algorithm, optionally from several starting points at once.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(&logging.Config{
				Level:  c.logLevel,
				Format: c.logFormat,
				Output: "stderr",
			})
			if err != nil {
				return err
			}
			c.logger = logger
			c.zap = logging.NewZapLogger(logger.WithField("cmd", cmd.Name()))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "error", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "console", "Log format (json, console)")

	root.AddCommand(
		newSolveCmd(c),
		newAlgorithmsCmd(),
		newVersionCmd(),
	)
	return root
}
