package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/vlist/internal/config"
	"github.com/fruitsalade/vlist/internal/logging"
	"github.com/fruitsalade/vlist/internal/metrics"
	"github.com/fruitsalade/vlist/pkg/connectivity"
	"github.com/fruitsalade/vlist/pkg/engine"
	"github.com/fruitsalade/vlist/pkg/events"
	"github.com/fruitsalade/vlist/pkg/models"
)

// viewFlags drive the viewport of one session.
type viewFlags struct {
	scroll []float64
	settle time.Duration
	follow bool
	events bool
	json   bool
}

func (v *viewFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64SliceVar(&v.scroll, "scroll", nil, "Scroll offsets to visit in order, e.g. --scroll 0,4000,800")
	f.DurationVar(&v.settle, "settle", 5*time.Second, "Longest wait for loads after each scroll")
	f.BoolVarP(&v.follow, "follow", "f", false, "Keep running and reprint on changes until interrupted")
	f.BoolVar(&v.events, "events", false, "Print engine events")
	f.BoolVar(&v.json, "json", false, "Print events as JSON lines (implies --events)")
}

// session is one engine over one source.
type session struct {
	cfg     *config.Config
	view    *viewFlags
	source  engine.Source
	monitor connectivity.Monitor
	scope   string
	out     io.Writer

	// start runs after the engine is built and before the first Open.
	// Long-running work it needs belongs in g.
	start func(ctx context.Context, g *errgroup.Group, eng *engine.Engine) error

	// opened runs right after the scope is opened, before the first
	// scroll.
	opened func(ctx context.Context, eng *engine.Engine)
}

// initLogging configures the global logger from cfg.
func initLogging(cfg *config.Config) error {
	if err := logging.Init(cfg.Logging()); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	return nil
}

func (s *session) run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := s.cfg.EngineOptions()
	opts.Logger = logging.Named("engine")
	opts.Recorder = metrics.NewRecorder()
	opts.Monitor = s.monitor
	opts.Render = renderItem

	eng, err := engine.New(s.source, opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              s.cfg.MetricsAddr,
			Handler:           logging.Middleware(metrics.Middleware(metrics.Handler())),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if s.start != nil {
		if err := s.start(gctx, g, eng); err != nil {
			stop()
			g.Wait()
			return err
		}
	}

	sub := eng.Subscribe()
	changed := make(chan struct{}, 1)
	g.Go(func() error {
		defer eng.Unsubscribe(sub)
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-sub:
				if !ok {
					return nil
				}
				switch {
				case s.view.json:
					printEventJSON(s.out, ev)
				case s.view.events:
					printEvent(s.out, ev)
				}
				select {
				case changed <- struct{}{}:
				default:
				}
			}
		}
	})

	g.Go(func() error {
		// The loop ends the group once the script is done unless following.
		defer stop()
		if err := eng.Open(s.scope); err != nil {
			return err
		}
		if s.opened != nil {
			s.opened(gctx, eng)
		}
		offsets := s.view.scroll
		if len(offsets) == 0 {
			offsets = []float64{0}
		}
		for _, off := range offsets {
			eng.Scroll(off)
			if !waitSettled(gctx, eng, s.view.settle) {
				return nil
			}
			printView(s.out, eng)
		}
		if !s.view.follow {
			return nil
		}
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-changed:
				if waitSettled(gctx, eng, s.view.settle) {
					printView(s.out, eng)
				}
			}
		}
	})

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// waitSettled polls until no load is in flight or limit passes. It
// reports false when ctx ended first.
func waitSettled(ctx context.Context, eng *engine.Engine, limit time.Duration) bool {
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !eng.State().IsLoading {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return true
		case <-ticker.C:
		}
	}
}

func printView(w io.Writer, eng *engine.Engine) {
	st := eng.State()
	rng := eng.Window()
	if rng.Empty {
		fmt.Fprintf(w, "── %s (empty)\n", eng.Scope())
	} else {
		fmt.Fprintf(w, "── %s rows %d-%d of %d  %.0f%% loaded\n",
			eng.Scope(), rng.Start, rng.End, eng.Len(), st.LoadingProgress)
	}
	if st.ShowOfflineBanner {
		fmt.Fprintln(w, "   [offline] showing cached rows")
	}
	for _, row := range eng.Visible() {
		switch {
		case !row.Loaded:
			fmt.Fprintf(w, "%6d  ░░░░░░░░\n", row.Index)
		case row.Stale:
			fmt.Fprintf(w, "%6d  %s (stale)\n", row.Index, row.Rendered)
		default:
			fmt.Fprintf(w, "%6d  %s\n", row.Index, row.Rendered)
		}
	}
	for _, f := range st.Failures {
		fmt.Fprintf(w, "   ! rows %d-%d failed after %d retries: %s\n", f.Start, f.End, f.Retries, f.Message)
	}
	if n := eng.DroppedEvents(); n > 0 {
		fmt.Fprintf(w, "   %d events dropped by slow subscribers\n", n)
	}
}

func printEvent(w io.Writer, ev events.Event) {
	switch ev.Type {
	case events.EventScroll:
		fmt.Fprintf(w, "event %s offset=%.0f direction=%s\n", ev.Type, ev.Offset, ev.Direction)
	case events.EventVisibleRangeChange:
		fmt.Fprintf(w, "event %s %d-%d\n", ev.Type, ev.Start, ev.End)
	case events.EventOfflineStateChange:
		fmt.Fprintf(w, "event %s offline=%v\n", ev.Type, ev.IsOffline)
	default:
		fmt.Fprintf(w, "event %s loading=%v\n", ev.Type, ev.IsLoading)
	}
}

func printEventJSON(w io.Writer, ev events.Event) {
	data, err := events.MarshalEvent(ev)
	if err != nil {
		logging.Warn("encode event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}

// renderItem formats one row: indented by depth, directories marked.
func renderItem(it models.Item) string {
	indent := strings.Repeat("  ", it.Depth)
	if it.IsDir {
		marker := "▸"
		if it.Expanded {
			marker = "▾"
		}
		return fmt.Sprintf("%s%s %s/", indent, marker, it.Name)
	}
	return fmt.Sprintf("%s  %-40s %10s  %s", indent, it.Name, formatSize(it.Size), formatTime(it.ModTime))
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}
