package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/nloptd/internal/native"
)

func newAlgorithmsCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "algorithms",
		Short: "List the available NLopt algorithms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tGRADIENT\tLOCAL\tNAME")
			for _, a := range native.Algorithms() {
				if filter != "" && !strings.HasPrefix(a.String(), strings.ToUpper(filter)) {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a, yesNo(a.NeedsGradient()), yesNo(a.NeedsLocalOptimizer()), a.Name())
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter, "prefix", "", "Only list tags starting with this prefix (e.g. LD, GN)")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
