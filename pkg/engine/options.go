package engine

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/pkg/connectivity"
	"github.com/fruitsalade/vlist/pkg/heights"
	"github.com/fruitsalade/vlist/pkg/loader"
	"github.com/fruitsalade/vlist/pkg/models"
	"github.com/fruitsalade/vlist/pkg/window"
)

// Options configures an Engine. Start from DefaultOptions.
type Options struct {
	ItemHeight          string  // pixels, e.g. "32", or "dynamic"
	EstimatedItemHeight float64 // used for unmeasured rows in dynamic mode
	Overscan            int
	PageSize            int
	PreloadDistance     float64 // pixels
	ContainerSize       float64 // initial viewport size

	CacheEnabled     bool
	CacheSize        int
	OfflineCacheSize int

	MaxConcurrentRequests int
	MaxRetries            int
	BackoffBase           time.Duration
	BackoffMax            time.Duration
	BackoffJitter         float64 // 0-1

	EventBuffer int

	// Render turns an item into its rendered row. Results are cached.
	Render func(models.Item) string

	Logger   *zap.Logger
	Clock    loader.Clock
	Monitor  connectivity.Monitor
	Recorder Recorder
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		ItemHeight:            "32",
		EstimatedItemHeight:   32,
		Overscan:              window.DefaultOverscan,
		PageSize:              loader.DefaultPageSize,
		PreloadDistance:       320,
		ContainerSize:         0,
		CacheEnabled:          true,
		CacheSize:             2000,
		OfflineCacheSize:      loader.DefaultOfflineCacheSize,
		MaxConcurrentRequests: 2,
		MaxRetries:            3,
		BackoffBase:           3 * time.Second,
		BackoffMax:            12 * time.Second,
	}
}

// Validate reports every malformed option.
func (o Options) Validate() error {
	var errs []error
	if _, err := heights.Parse(o.ItemHeight, o.EstimatedItemHeight); err != nil {
		errs = append(errs, err)
	}
	if o.Overscan < 0 {
		errs = append(errs, fmt.Errorf("overscan must be >= 0, got %d", o.Overscan))
	}
	if o.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("page size must be positive, got %d", o.PageSize))
	}
	if o.PreloadDistance < 0 {
		errs = append(errs, fmt.Errorf("preload distance must be >= 0, got %v", o.PreloadDistance))
	}
	if o.ContainerSize < 0 {
		errs = append(errs, fmt.Errorf("container size must be >= 0, got %v", o.ContainerSize))
	}
	if o.CacheEnabled && o.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("cache size must be positive when the cache is enabled, got %d", o.CacheSize))
	}
	if o.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Errorf("max concurrent requests must be >= 1, got %d", o.MaxConcurrentRequests))
	}
	if o.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", o.MaxRetries))
	}
	if o.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("backoff base must be positive, got %v", o.BackoffBase))
	}
	if o.BackoffMax < o.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff max %v is below backoff base %v", o.BackoffMax, o.BackoffBase))
	}
	if o.BackoffJitter < 0 || o.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("backoff jitter must be within [0, 1], got %v", o.BackoffJitter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid engine options: %w", errors.Join(errs...))
	}
	return nil
}
