package local

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/internal/metrics"
)

// DefaultDebounce is the quiet period before a burst of changes is applied.
const DefaultDebounce = 200 * time.Millisecond

// Watch invalidates listings when a directory that was read changes on
// disk, then calls onChange once per burst. Directories read later are
// added as they are listed. Returns a stop function.
func (s *Source) Watch(debounce time.Duration, onChange func()) (stop func(), err error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return func() {}, err
	}
	if err := watcher.Add(s.root); err != nil {
		watcher.Close()
		return func() {}, err
	}

	s.mu.Lock()
	s.fsw = watcher
	s.watched[s.root] = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer watcher.Close()
		pending := 0
		timer := time.NewTimer(24 * time.Hour)
		timer.Stop()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !s.showHidden && strings.HasPrefix(filepath.Base(event.Name), ".") {
					continue
				}
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					s.unwatch(event.Name)
				}
				pending++
				timer.Reset(debounce)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn("Watcher error", zap.Error(err))

			case <-timer.C:
				s.log.Debug("Directory changed, invalidating listings", zap.Int("events", pending))
				pending = 0
				s.Invalidate()
				metrics.RecordInvalidation("local")
				if onChange != nil {
					onChange()
				}

			case <-done:
				return
			}
		}
	}()

	var once bool
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if once {
			return
		}
		once = true
		s.fsw = nil
		s.watched = make(map[string]bool)
		close(done)
	}, nil
}

// watchDirs adds directories read by a listing. Called with s.mu held.
func (s *Source) watchDirs(dirs []string) {
	if s.fsw == nil {
		return
	}
	for _, dir := range dirs {
		if s.watched[dir] {
			continue
		}
		if err := s.fsw.Add(dir); err != nil {
			s.log.Debug("Cannot watch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		s.watched[dir] = true
	}
}

func (s *Source) unwatch(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, dir)
}
