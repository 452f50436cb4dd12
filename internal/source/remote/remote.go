// Package remote serves listings from a list server over HTTP.
package remote

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/vlist/internal/metrics"
	"github.com/fruitsalade/vlist/pkg/client"
	"github.com/fruitsalade/vlist/pkg/models"
)

// Source loads pages through a client. Identical page loads that overlap
// in time share one HTTP request.
type Source struct {
	client *client.Client
	log    *zap.Logger
	group  singleflight.Group
}

// New creates a source over c.
func New(c *client.Client, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{client: c, log: log}
}

// Load fetches rows [start, end] of scope. The caller's ctx bounds only
// its own wait; a shared request runs to the client timeout.
func (s *Source) Load(ctx context.Context, scope string, start, end int) ([]models.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := end - start + 1
	if limit <= 0 {
		return nil, nil
	}
	key := fmt.Sprintf("%s|%d|%d", scope, start, limit)

	ch := s.group.DoChan(key, func() (interface{}, error) {
		began := time.Now()
		resp, err := s.client.ListRange(context.Background(), scope, start, limit)
		metrics.RecordSourceOperation("remote", "list", time.Since(began), err == nil)
		if err != nil {
			return nil, err
		}
		return resp, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.log.Debug("Shared in-flight page load", zap.String("key", key))
		}
		resp := res.Val.(*client.ListResponse)
		items := resp.Items
		if len(items) > limit {
			items = items[:limit]
		}
		return append([]models.Item(nil), items...), nil
	}
}

// Client returns the underlying client.
func (s *Source) Client() *client.Client {
	return s.client
}
