package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/vlist/internal/logging"
	"github.com/fruitsalade/vlist/internal/source/local"
	"github.com/fruitsalade/vlist/pkg/engine"
)

func browseCmd(g *globalFlags) *cobra.Command {
	view := &viewFlags{}
	var (
		scope  string
		expand []string
		watch  bool
		hidden bool
	)
	cmd := &cobra.Command{
		Use:   "browse <dir>",
		Short: "Browse a local directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("watch") {
				cfg.Watch = watch
			}
			if cmd.Flags().Changed("hidden") {
				cfg.ShowHidden = hidden
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			defer logging.Sync()

			src, err := local.New(args[0],
				local.WithHidden(cfg.ShowHidden),
				local.WithExpanded(expand...),
				local.WithLogger(logging.Named("local")),
			)
			if err != nil {
				return err
			}
			logging.Info("browsing directory", zap.String("root", src.Root()), logging.Scope(scope))

			s := &session{
				cfg:    cfg,
				view:   view,
				source: src,
				scope:  scope,
				out:    cmd.OutOrStdout(),
			}
			if cfg.Watch {
				s.start = func(ctx context.Context, g *errgroup.Group, eng *engine.Engine) error {
					stop, err := src.Watch(cfg.WatchDebounce, eng.Refresh)
					if err != nil {
						return fmt.Errorf("watch %s: %w", src.Root(), err)
					}
					g.Go(func() error {
						<-ctx.Done()
						stop()
						return nil
					})
					return nil
				}
			}
			return s.run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&scope, "scope", "/", "Directory under <dir> to list")
	f.StringSliceVar(&expand, "expand", nil, "Directories to show expanded, relative to <dir>")
	f.BoolVarP(&watch, "watch", "w", false, "Refresh the listing when files change")
	f.BoolVar(&hidden, "hidden", false, "Include dotfiles")
	view.register(cmd)
	return cmd
}
