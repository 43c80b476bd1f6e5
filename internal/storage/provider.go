// Package storage defines the view of the source tree being scanned.
package storage

import "time"

// File describes one regular file under the source root.
type File struct {
	// Path is relative to the root, using OS separators.
	Path    string
	Abs     string
	Size    int64
	ModTime time.Time
}

// Provider is the interface for source tree operations.
type Provider interface {
	// Root returns the absolute root directory.
	Root() string
	// List returns every regular file under dir (relative to root) in lexical order.
	List(dir string) ([]File, error)
	// Stat returns metadata for the file at path (relative to root).
	Stat(path string) (File, error)
	// Write atomically stores content at path (relative to root).
	Write(path string, content []byte) error
}
