package scan

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/alexjbarnes/skysync/internal/skyerr"
	"golang.org/x/sync/errgroup"
)

// LocalEntry is one filesystem entry produced by a local tree scan.
// Entries are produced fresh per scan and never persisted.
type LocalEntry struct {
	// AbsPath is the entry's absolute path on disk.
	AbsPath string

	// RelPath is the POSIX-normalized path relative to the sync root.
	RelPath string

	// Folder reports whether the entry is a directory.
	Folder bool

	// Size is the file size in bytes. Zero for folders.
	Size int64
}

// strategy is one way of enumerating a directory tree. Strategies must
// produce an identical shape of result: the caller never observes which
// backend ran.
type strategy interface {
	name() string
	scan(root string) ([]LocalEntry, error)
}

// Scanner enumerates a local directory into a flat list of entries. It
// tries an ordered list of strategies, falling back to the next when one
// fails. The first strategy is a concurrent per-directory walker; the
// last is a plain recursive walk that serves as the always-available
// baseline.
type Scanner struct {
	strategies []strategy
	logger     *slog.Logger
}

// NewScanner creates a scanner with the default strategy order.
func NewScanner(logger *slog.Logger) *Scanner {
	return &Scanner{
		strategies: []strategy{
			&concurrentScanner{workers: runtime.NumCPU()},
			&walkScanner{},
		},
		logger: logger,
	}
}

// Scan enumerates root recursively. Symbolic links are never followed.
// Returns skyerr.ErrRootNotFound if root does not exist. No side effects
// beyond filesystem reads.
func (s *Scanner) Scan(root string) ([]LocalEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", skyerr.ErrRootNotFound, root)
		}

		return nil, fmt.Errorf("stat sync root %s: %w", root, err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("sync root %s is not a directory", root)
	}

	var lastErr error

	for _, st := range s.strategies {
		entries, err := st.scan(root)
		if err == nil {
			return entries, nil
		}

		lastErr = err
		s.logger.Warn("scan strategy failed, trying next",
			slog.String("strategy", st.name()),
			slog.String("root", root),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all scan strategies failed for %s: %w", root, lastErr)
}

// concurrentScanner lists each directory in its own goroutine, bounded
// by a worker limit. Faster on wide trees and network filesystems.
type concurrentScanner struct {
	workers int
}

func (c *concurrentScanner) name() string { return "concurrent" }

func (c *concurrentScanner) scan(root string) ([]LocalEntry, error) {
	workers := c.workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu      sync.Mutex
		entries []LocalEntry
	)

	var g errgroup.Group
	g.SetLimit(workers)

	var walk func(dir, rel string) error

	walk = func(dir, rel string) error {
		children, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("reading %s: %w", dir, err)
		}

		for _, child := range children {
			// Never follow symlinks: a link to a directory outside the
			// root would otherwise pull foreign files into the tree.
			if child.Type()&os.ModeSymlink != 0 {
				continue
			}

			absPath := filepath.Join(dir, child.Name())

			childRel := child.Name()
			if rel != "" {
				childRel = rel + "/" + child.Name()
			}

			childRel = NormalizePath(childRel)

			if child.IsDir() {
				mu.Lock()
				entries = append(entries, LocalEntry{
					AbsPath: absPath,
					RelPath: childRel,
					Folder:  true,
				})
				mu.Unlock()

				// TryGo avoids the deadlock a blocking Go would cause
				// when every worker is itself waiting to spawn a child
				// walk: at the limit, recurse inline instead.
				sub, subRel := absPath, childRel
				if !g.TryGo(func() error { return walk(sub, subRel) }) {
					if err := walk(sub, subRel); err != nil {
						return err
					}
				}

				continue
			}

			info, err := child.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", absPath, err)
			}

			mu.Lock()
			entries = append(entries, LocalEntry{
				AbsPath: absPath,
				RelPath: childRel,
				Size:    info.Size(),
			})
			mu.Unlock()
		}

		return nil
	}

	if err := walk(root, ""); err != nil {
		return nil, err
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Deterministic output regardless of goroutine interleaving, so both
	// strategies produce an identical shape of result.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})

	return entries, nil
}

// walkScanner is the straightforward recursive directory walk. Always
// available; the shape of its output is the contract the concurrent
// strategy must match.
type walkScanner struct{}

func (w *walkScanner) name() string { return "walk" }

func (w *walkScanner) scan(root string) ([]LocalEntry, error) {
	var entries []LocalEntry

	err := filepath.WalkDir(root, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, absPath)
		if err != nil {
			return err
		}

		// Skip the root directory itself.
		if relPath == "." {
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		relPath = NormalizePath(relPath)

		if d.IsDir() {
			entries = append(entries, LocalEntry{
				AbsPath: absPath,
				RelPath: relPath,
				Folder:  true,
			})

			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entries = append(entries, LocalEntry{
			AbsPath: absPath,
			RelPath: relPath,
			Size:    info.Size(),
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelPath < entries[j].RelPath
	})

	return entries, nil
}
