package main

import (
	"github.com/spf13/cobra"

	"github.com/fruitsalade/vlist/internal/config"
)

// globalFlags are shared by every subcommand. Only flags set on the
// command line override the loaded configuration.
type globalFlags struct {
	configPath  string
	logLevel    string
	metricsAddr string
	itemHeight  string
	container   float64
	pageSize    int
	overscan    int
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "vlist",
		Short: "Virtualized, progressively loaded listings",
		Long: `vlist - browse large listings through a virtualized window.

Sources:
  browse   a local directory tree
  remote   a list server over HTTP
  pg       the files table of a PostgreSQL database
  s3       an S3 bucket`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.StringVar(&g.itemHeight, "item-height", "", `Row height in pixels or "dynamic"`)
	pf.Float64Var(&g.container, "container", 0, "Viewport height in pixels")
	pf.IntVar(&g.pageSize, "page-size", 0, "Rows per load request")
	pf.IntVar(&g.overscan, "overscan", 0, "Rows rendered beyond each viewport edge")

	root.AddCommand(
		browseCmd(g),
		remoteCmd(g),
		pgCmd(g),
		s3Cmd(g),
	)
	return root
}

// load reads the configuration and applies explicitly set flags on top.
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = g.metricsAddr
	}
	if flags.Changed("item-height") {
		cfg.ItemHeight = g.itemHeight
	}
	if flags.Changed("container") {
		cfg.ContainerSize = g.container
	}
	if flags.Changed("page-size") {
		cfg.PageSize = g.pageSize
	}
	if flags.Changed("overscan") {
		cfg.Overscan = g.overscan
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
