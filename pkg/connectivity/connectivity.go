// Package connectivity reports whether the data source is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor is a connectivity signal with explicit subscription lifecycle.
// Subscribers are called on every transition, possibly from another
// goroutine, and must not block.
type Monitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// subscribers is the bookkeeping shared by the monitor implementations.
type subscribers struct {
	mu     sync.Mutex
	online bool
	nextID int
	fns    map[int]func(bool)

	// deliverMu orders notifications. Subscribers must not call set.
	deliverMu sync.Mutex
}

func (s *subscribers) init(online bool) {
	s.online = online
	s.fns = make(map[int]func(bool))
}

func (s *subscribers) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *subscribers) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// set records the state and, when it changed, notifies subscribers
// outside mu. Deliveries are serialized and carry the state current at
// delivery time, so the last one a subscriber sees matches Online even
// when set races with itself.
func (s *subscribers) set(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	s.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	current := s.online
	fns := make([]func(bool), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(current)
	}
	return true
}

// Manual is a monitor driven by the host, for example from OS network events.
type Manual struct {
	subscribers
}

// NewManual creates a manual monitor in the given state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.init(online)
	return m
}

// Set changes the state and reports whether it was a transition.
func (m *Manual) Set(online bool) bool {
	return m.set(online)
}

// Pinger checks reachability of a server.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor polls a Pinger on an interval. It starts online.
type HealthMonitor struct {
	subscribers

	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a monitor polling pinger every interval.
func NewHealthMonitor(pinger Pinger, interval time.Duration, log *zap.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &HealthMonitor{
		pinger:   pinger,
		interval: interval,
		timeout:  interval,
		log:      log,
	}
	p.init(true)
	return p
}

// Check pings once and updates the state.
func (p *HealthMonitor) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.pinger.Ping(ctx)
	if p.set(err == nil) {
		if err == nil {
			p.log.Info("Server is back online")
		} else {
			p.log.Warn("Server is offline", zap.Error(err))
		}
	}
	return err
}

// Start begins polling until ctx is done or Stop is called.
func (p *HealthMonitor) Start(ctx context.Context) {
	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = p.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(p.done)

	p.log.Info("Health check enabled", zap.Duration("interval", p.interval))
}

// Stop ends polling and waits for the loop to exit.
func (p *HealthMonitor) Stop() {
	p.loopMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
