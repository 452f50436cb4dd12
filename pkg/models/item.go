// Package models contains the data types shared by the list engine and its data sources.
package models

import "time"

// FileNode represents a file or directory in a hierarchical listing.
type FileNode struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Size     int64       `json:"size"`
	ModTime  time.Time   `json:"mtime"`
	IsDir    bool        `json:"is_dir"`
	Hash     string      `json:"hash,omitempty"`
	Children []*FileNode `json:"children,omitempty"`
}

// Item is one row of a flattened listing. Its ordinal index is its slot in
// the collection, not a field.
type Item struct {
	Key      string    `json:"key"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Depth    int       `json:"depth"`
	IsDir    bool      `json:"is_dir"`
	Expanded bool      `json:"expanded,omitempty"`
	Size     int64     `json:"size,omitempty"`
	ModTime  time.Time `json:"mtime,omitempty"`
}

// ItemFromNode converts a tree node into a row at the given depth.
func ItemFromNode(n *FileNode, depth int, expanded bool) Item {
	key := n.Path
	if key == "" {
		key = n.ID
	}
	return Item{
		Key:      key,
		Name:     n.Name,
		Path:     n.Path,
		Depth:    depth,
		IsDir:    n.IsDir,
		Expanded: expanded && n.IsDir,
		Size:     n.Size,
		ModTime:  n.ModTime,
	}
}

// CacheEntry is one entry of the content cache.
type CacheEntry struct {
	Key            string    `json:"key"`
	Value          any       `json:"-"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	Pinned         bool      `json:"pinned"`
}
