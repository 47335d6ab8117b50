package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chenyanchen/difftree"
	"github.com/chenyanchen/difftree/exp/fsset"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	config     string
	ignore     []string
	nameFormat string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "difftree",
		Short: "Compare two directory trees as a live diff tree",
		Long: `difftree compares a left and a right directory and shows the differing
paths as a tree. Roots come from two arguments or from a YAML config:

  left: ./old
  right: ./new
  debounce: 250ms
  ignore: [".git", "*.tmp"]
  name_format: brackets`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringSliceVar(&flags.ignore, "ignore", nil, "glob patterns to skip, added to the config's")
	root.PersistentFlags().StringVar(&flags.nameFormat, "name-format", "", "decoration of changed names: brackets, star or plain")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(
		showCmd(flags),
		watchCmd(flags),
		exportCmd(flags),
	)
	return root
}

// resolveConfig merges the config file, positional roots and flags.
func resolveConfig(flags *globalFlags, args []string) (fsset.Config, error) {
	var cfg fsset.Config
	if flags.config != "" {
		loaded, err := fsset.LoadConfig(flags.config)
		if err != nil {
			return fsset.Config{}, err
		}
		cfg = loaded
	}
	switch len(args) {
	case 0:
	case 2:
		cfg.Left, cfg.Right = args[0], args[1]
	default:
		return fsset.Config{}, fmt.Errorf("expected LEFT and RIGHT, got %d arguments", len(args))
	}
	cfg.Ignore = append(cfg.Ignore, flags.ignore...)
	if flags.nameFormat != "" {
		cfg.NameFormat = flags.nameFormat
	}
	if err := cfg.Validate(); err != nil {
		return fsset.Config{}, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: l})), nil
}

// session is one comparison mirrored by a synchronizer.
type session struct {
	set    *fsset.Set
	sync   *difftree.Synchronizer
	logger *slog.Logger
}

func openSession(ctx context.Context, cmd *cobra.Command, flags *globalFlags, args []string, opts ...difftree.Option) (*session, error) {
	cfg, err := resolveConfig(flags, args)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, flags.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := cfg.Format()
	if err != nil {
		return nil, err
	}

	set, err := fsset.New(cfg, fsset.WithLogger(logger.With("component", "fsset")))
	if err != nil {
		return nil, err
	}
	opts = append([]difftree.Option{
		difftree.WithLock(set.Lock()),
		difftree.WithLogger(logger.With("component", "synchronizer")),
		difftree.WithNameFormat(format),
	}, opts...)
	sync, err := difftree.New(set, opts...)
	if err != nil {
		return nil, err
	}
	if err := sync.PrepareInput(ctx); err != nil {
		_ = sync.Close()
		return nil, err
	}
	return &session{set: set, sync: sync, logger: logger}, nil
}

func (s *session) Close() error {
	return s.sync.Close()
}

func showCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show [LEFT RIGHT]",
		Short: "Compare once and print the diff tree",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), cmd, flags, args)
			if err != nil {
				return err
			}
			defer s.Close()

			tree := s.sync.Snapshot()
			if len(tree.Nodes) <= 1 {
				fmt.Fprintln(cmd.OutOrStdout(), "no differences")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), tree.Text())
			return nil
		},
	}
}

func exportCmd(flags *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export [LEFT RIGHT]",
		Short: "Export the diff tree as DOT, Mermaid or JSON",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), cmd, flags, args)
			if err != nil {
				return err
			}
			defer s.Close()
			return writeTree(cmd.OutOrStdout(), s.sync.Snapshot(), format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "dot", "output format: dot, mermaid or json")
	return cmd
}
