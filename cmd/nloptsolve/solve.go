package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/nloptd/internal/problem"
)

type solveOptions struct {
	file      string
	algorithm string
	maxEval   int
	starts    int
	workers   int
	seed      uint64
	output    string
	all       bool
}

func newSolveCmd(c *cli) *cobra.Command {
	o := &solveOptions{}
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve a problem definition",
		Long: `Solves the problem in --file and prints the result. With --starts > 1 the
problem is solved from that many starting points concurrently and the best
result is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(cmd, c, o)
		},
	}
	cmd.Flags().StringVarP(&o.file, "file", "f", "", "Problem definition, .yaml or .json (required)")
	cmd.Flags().StringVar(&o.algorithm, "algorithm", "", "Override the definition's algorithm tag")
	cmd.Flags().IntVar(&o.maxEval, "maxeval", 0, "Override the evaluation limit")
	cmd.Flags().IntVar(&o.starts, "starts", 1, "Number of starting points")
	cmd.Flags().IntVar(&o.workers, "workers", 4, "Concurrent solves for --starts")
	cmd.Flags().Uint64Var(&o.seed, "seed", 1, "Seed for sampled starting points")
	cmd.Flags().StringVarP(&o.output, "output", "o", "yaml", "Output format: yaml, json")
	cmd.Flags().BoolVar(&o.all, "all", false, "Print every start's result, not just the best")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runSolve(cmd *cobra.Command, c *cli, o *solveOptions) error {
	if o.output != "yaml" && o.output != "json" {
		return fmt.Errorf("unknown output format %q", o.output)
	}
	if o.starts < 1 {
		return fmt.Errorf("--starts must be at least 1, got %d", o.starts)
	}

	d, err := problem.LoadFile(o.file)
	if err != nil {
		return err
	}
	if o.algorithm != "" {
		d.Algorithm = o.algorithm
	}
	if o.maxEval > 0 {
		opts := make(map[string]any, len(d.Options)+1)
		for k, v := range d.Options {
			opts[k] = v
		}
		opts["maxeval"] = o.maxEval
		d.Options = opts
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c.logger.Info("solving", map[string]interface{}{
		"file":      o.file,
		"algorithm": d.Algorithm,
		"starts":    o.starts,
	})

	var out interface{}
	if o.starts > 1 {
		best, all, err := problem.Multistart(ctx, d, problem.MultistartConfig{
			Starts:  o.starts,
			Workers: o.workers,
			Seed:    o.seed,
		}, c.zap)
		if err != nil {
			return err
		}
		out = best
		if o.all {
			out = all
		}
	} else {
		res, err := problem.Solve(ctx, d, c.zap)
		if err != nil {
			return err
		}
		out = res
	}
	return encode(cmd.OutOrStdout(), o.output, out)
}

func encode(w io.Writer, format string, v interface{}) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
