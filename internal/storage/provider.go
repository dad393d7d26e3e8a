// Package storage maps logical document paths onto the repository root and
// performs the file I/O the engine needs.
package storage

import "github.com/starford/recordbook/internal/models"

// Provider is the interface for repository document operations. All paths are
// relative to the repository root.
type Provider interface {
	// List returns metadata for every .md document under dir.
	List(dir string) ([]models.DocumentMetadata, error)
	// Read returns the raw bytes of the document at path.
	Read(path string) ([]byte, error)
	// Write atomically writes content to path.
	Write(path string, content []byte) error
	// Delete removes the document at path.
	Delete(path string) error
}

// Resolution is the outcome of mapping a logical path to disk.
type Resolution struct {
	// Exists reports whether a document is present at Path.
	Exists bool
	// Path is the absolute, root-confined location of the document.
	Path string
	// Rel is Path relative to the repository root, with forward slashes.
	Rel string
}

// Registry resolves logical document paths. Callers never build filesystem
// paths themselves.
type Registry interface {
	Resolve(logical string) (Resolution, error)
}

// Files is the raw file I/O used while executing a proposal. Paths are
// absolute and already resolved.
type Files interface {
	ReadFile(path string) ([]byte, error)
	// WriteFile creates or truncates path and syncs it to disk.
	WriteFile(path string, data []byte) error
	// Replace moves src over dst atomically.
	Replace(src, dst string) error
	Remove(path string) error
}
