// Package local serves listings of a directory on disk. Directories are
// expanded in place, so a listing is the flattened tree below its scope.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fruitsalade/vlist/internal/metrics"
	"github.com/fruitsalade/vlist/pkg/models"
	"github.com/fruitsalade/vlist/pkg/retry"
	"github.com/fruitsalade/vlist/pkg/tree"
)

// Option configures a Source.
type Option func(*Source)

// WithHidden includes dot files.
func WithHidden(show bool) Option {
	return func(s *Source) { s.showHidden = show }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Source) { s.log = log }
}

// WithExpanded opens the given directories initially.
func WithExpanded(paths ...string) Option {
	return func(s *Source) {
		for _, p := range paths {
			s.exp.Set(cleanScope(p), true)
		}
	}
}

// Source lists a directory tree rooted at root. Scopes and item keys are
// slash separated paths relative to root, starting with "/".
type Source struct {
	root       string
	showHidden bool
	log        *zap.Logger

	mu       sync.Mutex
	exp      *tree.Expansion
	listings map[string][]models.Item

	fsw     *fsnotify.Watcher
	watched map[string]bool
}

// New creates a source over the directory root.
func New(root string, opts ...Option) (*Source, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}
	s := &Source{
		root:     abs,
		log:      zap.NewNop(),
		exp:      tree.NewExpansion(),
		listings: make(map[string][]models.Item),
		watched:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute root directory.
func (s *Source) Root() string {
	return s.root
}

// Load returns rows [start, end] of the flattened listing of scope. The
// listing is built once and reused until invalidated.
func (s *Source) Load(ctx context.Context, scope string, start, end int) ([]models.Item, error) {
	began := time.Now()
	items, err := s.listing(ctx, cleanScope(scope))
	metrics.RecordSourceOperation("local", "list", time.Since(began), err == nil)
	if err != nil {
		return nil, err
	}
	return tree.Slice(items, start, end), nil
}

// Toggle flips the expansion of the directory at key.
func (s *Source) Toggle(key string) (bool, error) {
	key = cleanScope(key)
	info, err := os.Stat(s.abs(key))
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	expanded := s.exp.Toggle(key)
	s.listings = make(map[string][]models.Item)
	return expanded, nil
}

// Expanded returns the open directories.
func (s *Source) Expanded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp.Paths()
}

// Invalidate drops every built listing.
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings = make(map[string][]models.Item)
}

func (s *Source) listing(ctx context.Context, scope string) ([]models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if items, ok := s.listings[scope]; ok {
		return items, nil
	}

	root := &models.FileNode{Path: scope, IsDir: true}
	var dirs []string
	if err := s.build(ctx, root, &dirs); err != nil {
		return nil, err
	}
	tree.SortChildren(root)
	items := tree.Flatten(root, s.exp)
	s.listings[scope] = items
	s.watchDirs(dirs)

	s.log.Debug("Built listing",
		zap.String("scope", scope),
		zap.Int("items", len(items)),
		zap.Int("dirs", len(dirs)))
	return items, nil
}

// build reads node's directory and recurses into expanded children.
func (s *Source) build(ctx context.Context, node *models.FileNode, dirs *[]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.abs(node.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return retry.Permanent(fmt.Errorf("read %s: %w", node.Path, err))
		}
		return fmt.Errorf("read %s: %w", node.Path, err)
	}
	*dirs = append(*dirs, dir)

	for _, entry := range entries {
		name := entry.Name()
		if !s.showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		child := &models.FileNode{
			ID:      tree.BuildChildPath(node.Path, name),
			Name:    name,
			Path:    tree.BuildChildPath(node.Path, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   entry.IsDir(),
		}
		if child.IsDir {
			child.Size = 0
			if s.exp.IsExpanded(child.Path) {
				if err := s.build(ctx, child, dirs); err != nil && !retry.IsPermanent(err) {
					return err
				}
			}
		}
		node.Children = append(node.Children, child)
	}
	return nil
}

func (s *Source) abs(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

func cleanScope(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}
