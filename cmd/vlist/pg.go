package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/vlist/internal/logging"
	"github.com/fruitsalade/vlist/internal/source/pgsource"
	"github.com/fruitsalade/vlist/pkg/connectivity"
	"github.com/fruitsalade/vlist/pkg/engine"
)

func pgCmd(g *globalFlags) *cobra.Command {
	view := &viewFlags{}
	var (
		scope   string
		noCount bool
	)
	cmd := &cobra.Command{
		Use:   "pg [database-url]",
		Short: "Browse the files table of a PostgreSQL database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.DatabaseURL = args[0]
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database url is required (argument or database_url)")
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			defer logging.Sync()

			logging.Info("connecting to PostgreSQL...")
			src, err := pgsource.Open(cmd.Context(), cfg.DatabaseURL, logging.Named("pg"))
			if err != nil {
				return err
			}
			defer src.Close()

			monitor := connectivity.NewHealthMonitor(src, cfg.HealthInterval, logging.Named("health"))
			s := &session{
				cfg:     cfg,
				view:    view,
				source:  src,
				monitor: monitor,
				scope:   scope,
				out:     cmd.OutOrStdout(),
				start: func(ctx context.Context, g *errgroup.Group, _ *engine.Engine) error {
					monitor.Start(ctx)
					g.Go(func() error {
						<-ctx.Done()
						monitor.Stop()
						return nil
					})
					return nil
				},
			}
			if !noCount {
				// A known total sizes the scrollbar before the last page arrives.
				s.opened = func(ctx context.Context, eng *engine.Engine) {
					n, err := src.Count(ctx, scope)
					if err != nil {
						logging.Warn("count failed, total stays unknown", zap.Error(err))
						return
					}
					eng.SetTotal(n)
				}
			}
			return s.run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&scope, "scope", "/", "Parent path to list")
	f.BoolVar(&noCount, "no-count", false, "Skip COUNT(*) and discover the total while scrolling")
	view.register(cmd)
	return cmd
}
