// Package cloud defines the narrow capability interface through which the
// sync core talks to any remote storage provider. Provider-specific
// protocols (Drive, Dropbox, WebDAV, ...) live behind this interface and
// are never visible to the crawler, the reconciliation engine, or the
// task scheduler's workers.
package cloud

import (
	"context"
	"io"
)

//go:generate mockgen -source=adapter.go -destination=mock_adapter.go -package=cloud

// Node is one child entry returned by a folder listing. The ID is opaque
// to the core; only the provider adapter can interpret it.
type Node struct {
	ID     string
	Name   string
	Folder bool
}

// FileMeta holds the per-file metadata the core cares about. Size is the
// only field the reconciliation engine compares.
type FileMeta struct {
	Size int64
}

// Adapter is the provider capability consumed by the crawler, the
// reconciliation engine, and scheduler workers. Every call takes a
// context so in-flight I/O can observe cancellation.
type Adapter interface {
	// ListFolder returns the immediate children of a folder.
	ListFolder(ctx context.Context, folderID string) ([]Node, error)

	// Metadata fetches per-file metadata. May fail independently per
	// call; callers tolerate individual failures.
	Metadata(ctx context.Context, id string) (FileMeta, error)

	// CreateFolder creates a folder under parentID and returns its id.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// DeleteNode removes a file or folder by id.
	DeleteNode(ctx context.Context, id string) error

	// Upload streams the given reader as a new file under parentID.
	// size is advisory for providers that need a Content-Length.
	Upload(ctx context.Context, name, parentID string, r io.Reader, size int64) (string, error)

	// Download opens a file's content for reading. The caller closes it.
	Download(ctx context.Context, id string) (io.ReadCloser, error)
}
