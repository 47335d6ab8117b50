package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/chenyanchen/difftree"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func watchCmd(flags *globalFlags) *cobra.Command {
	var (
		metricsAddr string
		trace       bool
	)
	cmd := &cobra.Command{
		Use:   "watch [LEFT RIGHT]",
		Short: "Print the diff tree, then every change until interrupted",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var traceOut io.Writer
			if trace {
				traceOut = cmd.ErrOrStderr()
			}
			tel, err := newTelemetry(traceOut)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.WithoutCancel(ctx))

			out := newPrinter(cmd.OutOrStdout())
			opts := append(slices.Clone(tel.opts), difftree.WithPresenter(out))
			s, err := openSession(ctx, cmd, flags, args, opts...)
			if err != nil {
				return err
			}
			defer s.Close()

			g, gctx := errgroup.WithContext(ctx)
			if metricsAddr != "" {
				g.Go(func() error {
					s.logger.Info("serving metrics", "addr", metricsAddr)
					if err := tel.serve(gctx, metricsAddr); err != nil {
						return fmt.Errorf("serve metrics: %w", err)
					}
					return nil
				})
			}
			g.Go(func() error {
				return s.set.Watch(gctx)
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			for _, w := range s.sync.DrainWarnings() {
				s.logger.Warn("dropped addition", "key", w.Key, "parent", w.Parent)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address, e.g. :9464")
	cmd.Flags().BoolVar(&trace, "trace", false, "print synchronizer spans to stderr")
	return cmd
}
