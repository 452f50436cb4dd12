package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/vlist/internal/logging"
	"github.com/fruitsalade/vlist/internal/source/remote"
	"github.com/fruitsalade/vlist/pkg/client"
	"github.com/fruitsalade/vlist/pkg/connectivity"
	"github.com/fruitsalade/vlist/pkg/engine"
)

func remoteCmd(g *globalFlags) *cobra.Command {
	view := &viewFlags{}
	var (
		scope    string
		username string
	)
	cmd := &cobra.Command{
		Use:   "remote [server-url]",
		Short: "Browse a listing served over HTTP",
		Long: `Browse a listing served over HTTP.

The bearer token is read from the token file (token_path, or the user
config directory by default). With --user, the password is taken from
VLIST_PASSWORD and a new token is saved first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.ServerURL = args[0]
			}
			if cfg.ServerURL == "" {
				return errors.New("server url is required (argument or server_url)")
			}
			if err := initLogging(cfg); err != nil {
				return err
			}
			defer logging.Sync()

			c := client.New(client.Config{
				BaseURL: cfg.ServerURL,
				Timeout: cfg.RequestTimeout,
				Logger:  logging.Named("client"),
			})

			tokenPath := cfg.TokenPath
			if tokenPath == "" {
				tokenPath = client.TokenFilePath()
			}
			tf, err := authenticate(cmd.Context(), c, tokenPath, username)
			if err != nil {
				return err
			}

			monitor := connectivity.NewHealthMonitor(c, cfg.HealthInterval, logging.Named("health"))
			s := &session{
				cfg:     cfg,
				view:    view,
				source:  remote.New(c, logging.Named("remote")),
				monitor: monitor,
				scope:   scope,
				out:     cmd.OutOrStdout(),
				start: func(ctx context.Context, g *errgroup.Group, _ *engine.Engine) error {
					if tf != nil {
						c.StartTokenRefreshLoop(ctx, tf, tokenPath, refreshEvery(tf.Token))
					}
					monitor.Start(ctx)
					g.Go(func() error {
						<-ctx.Done()
						monitor.Stop()
						return nil
					})
					return nil
				},
			}
			return s.run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&scope, "scope", "/", "Directory to list")
	f.StringVarP(&username, "user", "u", "", "Log in as this user before browsing")
	view.register(cmd)
	return cmd
}

// authenticate loads or creates the token for c. A missing token file
// means anonymous access.
func authenticate(ctx context.Context, c *client.Client, path, username string) (*client.TokenFile, error) {
	if username != "" {
		password := os.Getenv("VLIST_PASSWORD")
		if password == "" {
			return nil, errors.New("VLIST_PASSWORD must be set with --user")
		}
		host, _ := os.Hostname()
		resp, err := c.Login(ctx, username, password, host)
		if err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}
		tf := client.NewTokenFile(c.BaseURL(), resp.Token)
		if !resp.ExpiresAt.IsZero() {
			tf.ExpiresAt = resp.ExpiresAt
		}
		if resp.User.Username != "" {
			tf.Username = resp.User.Username
		}
		if err := client.SaveToken(path, tf); err != nil {
			return nil, fmt.Errorf("save token: %w", err)
		}
		logging.Info("logged in", zap.String("user", tf.Username), zap.Time("expires_at", tf.ExpiresAt))
		return tf, nil
	}

	tf, err := client.LoadToken(path)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Debug("no token file, continuing without auth", zap.String("path", path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if tf.Server != "" && tf.Server != c.BaseURL() {
		logging.Warn("token was issued for another server",
			zap.String("token_server", tf.Server),
			zap.String("server", c.BaseURL()))
	}
	if tf.IsExpired(0) {
		logging.Warn("saved token has expired", zap.Time("expires_at", tf.ExpiresAt))
	}
	c.SetAuthToken(tf.Token)
	return tf, nil
}

// refreshEvery picks a refresh interval of a quarter of the token's
// remaining lifetime, at least a minute. Opaque tokens get the default.
func refreshEvery(token string) time.Duration {
	exp, err := client.TokenExpiry(token)
	if err != nil {
		return 0
	}
	return max(time.Until(exp)/4, time.Minute)
}
