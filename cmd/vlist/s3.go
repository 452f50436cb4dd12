package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/internal/logging"
	"github.com/fruitsalade/vlist/internal/source/s3source"
)

func s3Cmd(g *globalFlags) *cobra.Command {
	view := &viewFlags{}
	var scope string
	cmd := &cobra.Command{
		Use:   "s3 [bucket]",
		Short: "Browse an S3 bucket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.S3Bucket = args[0]
			}
			if cfg.S3Bucket == "" {
				return errors.New("bucket is required (argument or s3_bucket)")
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			defer logging.Sync()

			src, err := s3source.New(cmd.Context(), s3source.Config{
				Endpoint:     cfg.S3Endpoint,
				Bucket:       cfg.S3Bucket,
				Region:       cfg.S3Region,
				AccessKey:    cfg.S3AccessKey,
				SecretKey:    cfg.S3SecretKey,
				UsePathStyle: cfg.S3UsePathStyle,
				PageSize:     cfg.PageSize,
			}, logging.Named("s3"))
			if err != nil {
				return err
			}
			logging.Info("browsing bucket",
				zap.String("bucket", cfg.S3Bucket),
				zap.String("endpoint", cfg.S3Endpoint),
				logging.Scope(scope))

			s := &session{
				cfg:    cfg,
				view:   view,
				source: src,
				scope:  scope,
				out:    cmd.OutOrStdout(),
			}
			return s.run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "/", "Key prefix to list, split on /")
	view.register(cmd)
	return cmd
}
