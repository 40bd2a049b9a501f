package scan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/skysync/internal/cloud"
)

// RemoteEntry is one entry produced by a remote tree crawl. RelPath is
// reconstructed during the crawl and is the only correlation key between
// runs; no durable entry identity is tracked.
type RemoteEntry struct {
	// ID is the provider-opaque node id.
	ID string

	// RelPath is the POSIX-normalized path relative to the crawl root.
	RelPath string

	// Folder reports whether the entry is a folder.
	Folder bool

	// Size is the file size in bytes. Zero for folders, and zero for
	// files whose metadata fetch failed.
	Size int64

	// ParentID is the id of the folder this entry was listed under.
	ParentID string
}

// Crawler walks a remote folder breadth-first through the adapter
// capability, reconstructing relative paths and file sizes.
type Crawler struct {
	logger *slog.Logger
}

// NewCrawler creates a remote tree crawler.
func NewCrawler(logger *slog.Logger) *Crawler {
	return &Crawler{logger: logger}
}

// Crawl enumerates the remote tree rooted at rootID. A failed metadata
// fetch for one file records size 0 and continues; a failed folder
// listing aborts the crawl, since losing a whole subtree would make the
// reconciler treat its entries as missing. Output order is unspecified.
func (c *Crawler) Crawl(ctx context.Context, adapter cloud.Adapter, rootID string) ([]RemoteEntry, error) {
	paths := map[string]string{rootID: ""}
	queue := []string{rootID}

	var entries []RemoteEntry

	for len(queue) > 0 {
		folderID := queue[0]
		queue = queue[1:]

		parentPath := paths[folderID]

		nodes, err := adapter.ListFolder(ctx, folderID)
		if err != nil {
			return nil, fmt.Errorf("listing remote folder %s: %w", folderID, err)
		}

		for _, n := range nodes {
			relPath := n.Name
			if parentPath != "" {
				relPath = parentPath + "/" + n.Name
			}

			relPath = NormalizePath(relPath)

			if n.Folder {
				paths[n.ID] = relPath
				queue = append(queue, n.ID)

				entries = append(entries, RemoteEntry{
					ID:       n.ID,
					RelPath:  relPath,
					Folder:   true,
					ParentID: folderID,
				})

				continue
			}

			var size int64

			meta, err := adapter.Metadata(ctx, n.ID)
			if err != nil {
				// One bad metadata call never aborts the crawl.
				c.logger.Warn("metadata fetch failed, recording size 0",
					slog.String("path", relPath),
					slog.String("id", n.ID),
					slog.String("error", err.Error()),
				)
			} else {
				size = meta.Size
			}

			entries = append(entries, RemoteEntry{
				ID:       n.ID,
				RelPath:  relPath,
				Size:     size,
				ParentID: folderID,
			})
		}
	}

	return entries, nil
}
