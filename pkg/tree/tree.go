// Package tree provides utilities for working with hierarchical file listings
// and flattening them into the linear sequence the list engine windows over.
package tree

import (
	"sort"
	"strings"

	"github.com/fruitsalade/vlist/pkg/models"
)

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" || parentPath == "" {
		return "/" + name
	}
	return strings.TrimSuffix(parentPath, "/") + "/" + name
}

// SortChildren orders children directories first, then by name, recursively.
func SortChildren(root *models.FileNode) {
	if root == nil {
		return
	}
	sort.SliceStable(root.Children, func(i, j int) bool {
		a, b := root.Children[i], root.Children[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})
	for _, child := range root.Children {
		SortChildren(child)
	}
}

// Expansion is the set of expanded directory paths.
// The zero value is not usable; call NewExpansion.
type Expansion struct {
	open map[string]bool
}

// NewExpansion creates an expansion set with the given paths open.
func NewExpansion(paths ...string) *Expansion {
	e := &Expansion{open: make(map[string]bool)}
	for _, p := range paths {
		e.open[p] = true
	}
	return e
}

// IsExpanded reports whether path is open.
func (e *Expansion) IsExpanded(path string) bool {
	return e != nil && e.open[path]
}

// Set opens or closes path.
func (e *Expansion) Set(path string, expanded bool) {
	if expanded {
		e.open[path] = true
		return
	}
	delete(e.open, path)
}

// Toggle flips path and returns the new state.
func (e *Expansion) Toggle(path string) bool {
	next := !e.open[path]
	e.Set(path, next)
	return next
}

// Paths returns the open paths in sorted order.
func (e *Expansion) Paths() []string {
	paths := make([]string, 0, len(e.open))
	for p := range e.open {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Flatten returns the visible rows below root in display order. Children
// of root are at depth 0; a directory's children follow it only when the
// directory is expanded. The root itself is not emitted.
func Flatten(root *models.FileNode, exp *Expansion) []models.Item {
	if root == nil {
		return nil
	}
	var out []models.Item
	flattenRecursive(root, exp, 0, &out)
	return out
}

func flattenRecursive(node *models.FileNode, exp *Expansion, depth int, out *[]models.Item) {
	for _, child := range node.Children {
		open := child.IsDir && exp.IsExpanded(child.Path)
		*out = append(*out, models.ItemFromNode(child, depth, open))
		if open {
			flattenRecursive(child, exp, depth+1, out)
		}
	}
}

// Slice returns items[start:end+1] clamped to the available range. A start
// past the end yields an empty slice.
func Slice(items []models.Item, start, end int) []models.Item {
	if start < 0 {
		start = 0
	}
	if start >= len(items) || end < start {
		return nil
	}
	if end >= len(items) {
		end = len(items) - 1
	}
	out := make([]models.Item, end-start+1)
	copy(out, items[start:end+1])
	return out
}
