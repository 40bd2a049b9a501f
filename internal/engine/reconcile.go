// Package engine diffs a source tree against a destination tree and
// turns the differences into transfer tasks. Folder structure is
// materialized directly; file transfers go through the scheduler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/skysync/internal/cloud"
	"github.com/alexjbarnes/skysync/internal/scan"
	"github.com/alexjbarnes/skysync/internal/store"
	"github.com/alexjbarnes/skysync/internal/task"
)

const localDirPerm = os.FileMode(0o755)

// Direction selects which side of a pairing is the source of truth for
// one reconciliation run.
type Direction string

const (
	LocalToRemote Direction = "localToRemote"
	RemoteToLocal Direction = "remoteToLocal"
)

// Entry is one node of either tree, keyed by its normalized relative
// path. Ref is the remote node id for remote entries and the absolute
// filesystem path for local entries.
type Entry struct {
	RelPath string
	Folder  bool
	Size    int64
	Ref     string
}

// FromLocal converts scanner output into engine entries.
func FromLocal(entries []scan.LocalEntry) []Entry {
	out := make([]Entry, 0, len(entries))

	for _, e := range entries {
		out = append(out, Entry{
			RelPath: e.RelPath,
			Folder:  e.Folder,
			Size:    e.Size,
			Ref:     e.AbsPath,
		})
	}

	return out
}

// FromRemote converts crawler output into engine entries.
func FromRemote(entries []scan.RemoteEntry) []Entry {
	out := make([]Entry, 0, len(entries))

	for _, e := range entries {
		out = append(out, Entry{
			RelPath: e.RelPath,
			Folder:  e.Folder,
			Size:    e.Size,
			Ref:     e.ID,
		})
	}

	return out
}

// Summary aggregates one run's per-entry outcomes. Per-entry failures
// never abort a run; they are counted here instead.
type Summary struct {
	Processed int
	Failed    int
}

// Submitter enqueues file transfer tasks. *task.Scheduler satisfies it.
type Submitter interface {
	Submit(displayName string, p task.Payload) (task.Task, error)
	SubmitAfter(displayName string, p task.Payload, afterID string) (task.Task, error)
}

// Engine reconciles one pairing's trees per invocation.
type Engine struct {
	resolver task.AdapterResolver
	tasks    Submitter
	logger   *slog.Logger
}

func New(resolver task.AdapterResolver, tasks Submitter, logger *slog.Logger) *Engine {
	return &Engine{resolver: resolver, tasks: tasks, logger: logger}
}

// run holds the mutable state shared by one reconciliation's workers.
type run struct {
	mu sync.Mutex

	// resolved maps a folder's relative path to its destination
	// identity. Seeded with "" -> destination root so top-level entries
	// have a resolved parent.
	resolved map[string]string

	summary Summary
}

func (r *run) parent(relPath string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.resolved[scan.ParentPath(relPath)]

	return ref, ok
}

func (r *run) resolve(relPath, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolved[relPath] = ref
	r.summary.Processed++
}

func (r *run) processed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Processed++
}

func (r *run) failed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Failed++
}

// Reconcile walks the source entries depth by depth and brings the
// destination up to date. Within one depth all folders are handled
// concurrently, then all files; no entry at depth d+1 is touched before
// every depth-d folder has resolved. Per-entry failures are counted and
// never abort the run; only an unusable destination or a cancelled
// context does.
func (e *Engine) Reconcile(ctx context.Context, direction Direction, source, dest []Entry, pairing store.SyncPairing) (Summary, error) {
	adapter, err := e.resolver.Adapter(pairing.RemoteAccountID)
	if err != nil {
		return Summary{}, fmt.Errorf("resolving adapter for account %s: %w", pairing.RemoteAccountID, err)
	}

	destByPath := make(map[string]Entry, len(dest))
	for _, d := range dest {
		destByPath[scan.NormalizePath(d.RelPath)] = d
	}

	byDepth := make(map[int][]Entry)
	maxDepth := 0

	for _, s := range source {
		d := scan.Depth(s.RelPath)
		if d == 0 {
			continue
		}

		byDepth[d] = append(byDepth[d], s)

		if d > maxDepth {
			maxDepth = d
		}
	}

	r := &run{resolved: map[string]string{"": e.destRoot(direction, pairing)}}

	for depth := 1; depth <= maxDepth; depth++ {
		var folders, files []Entry

		for _, entry := range byDepth[depth] {
			if entry.Folder {
				folders = append(folders, entry)
			} else {
				files = append(files, entry)
			}
		}

		// Folders first: files at this depth may live inside them.
		g, gctx := errgroup.WithContext(ctx)

		for _, folder := range folders {
			folder := folder
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}

				e.reconcileFolder(gctx, direction, adapter, folder, destByPath, r)

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return r.summary, err
		}

		g, gctx = errgroup.WithContext(ctx)

		for _, file := range files {
			file := file
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}

				e.reconcileFile(direction, file, destByPath, r, pairing)

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return r.summary, err
		}
	}

	return r.summary, nil
}

func (e *Engine) destRoot(direction Direction, pairing store.SyncPairing) string {
	if direction == LocalToRemote {
		return pairing.RemoteFolderID
	}

	return pairing.LocalRoot
}

// reconcileFolder records the destination identity of one source
// folder, creating it when absent. Existence checks and creation calls
// run outside the scheduler.
func (e *Engine) reconcileFolder(ctx context.Context, direction Direction, adapter cloud.Adapter, folder Entry, destByPath map[string]Entry, r *run) {
	relPath := scan.NormalizePath(folder.RelPath)

	if existing, ok := destByPath[relPath]; ok && existing.Folder {
		r.resolve(relPath, existing.Ref)
		return
	}

	parentRef, ok := r.parent(relPath)
	if !ok {
		e.logger.Warn("skipping folder with unresolved parent", "path", relPath)
		r.failed()

		return
	}

	if direction == LocalToRemote {
		id, err := adapter.CreateFolder(ctx, scan.BaseName(relPath), parentRef)
		if err != nil {
			e.logger.Warn("creating remote folder failed", "path", relPath, "error", err)
			r.failed()

			return
		}

		r.resolve(relPath, id)

		return
	}

	localPath := filepath.Join(parentRef, scan.BaseName(relPath))

	if err := os.MkdirAll(localPath, localDirPerm); err != nil {
		e.logger.Warn("creating local folder failed", "path", relPath, "error", err)
		r.failed()

		return
	}

	r.resolve(relPath, localPath)
}

// reconcileFile compares one source file against the destination map
// and submits the transfer tasks it calls for. Equal sizes mean the
// file is already in sync. Differing sizes mean replace: the stale
// destination item is deleted and the source copy transferred fresh,
// never merged in place.
func (e *Engine) reconcileFile(direction Direction, file Entry, destByPath map[string]Entry, r *run, pairing store.SyncPairing) {
	relPath := scan.NormalizePath(file.RelPath)

	existing, found := destByPath[relPath]
	if found && !existing.Folder && existing.Size == file.Size {
		r.processed()
		return
	}

	parentRef, ok := r.parent(relPath)
	if !ok {
		e.logger.Warn("skipping file with unresolved parent", "path", relPath)
		r.failed()

		return
	}

	name := scan.BaseName(relPath)

	// For a replace, the create is chained behind the delete so the
	// stale item is gone before the new one lands on the same path.
	var afterID string

	if found {
		deleted, err := e.submitDelete(direction, name, existing, pairing)
		if err != nil {
			e.logger.Warn("submitting delete failed", "path", relPath, "error", err)
			r.failed()

			return
		}

		afterID = deleted.ID
	}

	if err := e.submitCreate(direction, name, parentRef, file, pairing, afterID); err != nil {
		e.logger.Warn("submitting transfer failed", "path", relPath, "error", err)
		r.failed()

		return
	}

	r.processed()
}

func (e *Engine) submitDelete(direction Direction, name string, stale Entry, pairing store.SyncPairing) (task.Task, error) {
	account := pairing.RemoteAccountID
	if direction == RemoteToLocal {
		// The stale item is on the local side.
		account = ""
	}

	return e.tasks.Submit(name, task.DeletePayload{
		NodeID:    stale.Ref,
		AccountID: account,
	})
}

func (e *Engine) submitCreate(direction Direction, name, parentRef string, file Entry, pairing store.SyncPairing, afterID string) error {
	var p task.Payload

	if direction == LocalToRemote {
		p = task.UploadPayload{
			FilePath:  file.Ref,
			FileName:  name,
			ParentID:  parentRef,
			AccountID: pairing.RemoteAccountID,
		}
	} else {
		p = task.DownloadPayload{
			FileID:    file.Ref,
			SavePath:  filepath.Join(parentRef, name),
			AccountID: pairing.RemoteAccountID,
		}
	}

	if afterID != "" {
		_, err := e.tasks.SubmitAfter(name, p, afterID)
		return err
	}

	_, err := e.tasks.Submit(name, p)

	return err
}
