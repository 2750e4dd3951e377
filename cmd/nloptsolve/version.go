package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/nloptd/internal/native"
)

var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nloptsolve version %s (NLopt %s)\n", version, native.Version())
		},
	}
}
