package task

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/skysync/internal/cloud"
)

const (
	// copyBufSize is the chunk size for transfer loops. Each chunk
	// boundary is a pause/cancel checkpoint.
	copyBufSize = 64 * 1024

	// Progress callbacks are throttled so rapid small reads don't
	// flood subscribers.
	progressReportInterval = 50 * time.Millisecond
	progressReportBytes    = 64 * 1024

	localDirPerm  = fs.FileMode(0o755)
	localFilePerm = fs.FileMode(0o644)
)

// AdapterResolver maps an account id to its provider adapter.
type AdapterResolver interface {
	Adapter(accountID string) (cloud.Adapter, error)
}

// IOExec performs task I/O against the cloud adapter and the local
// filesystem. It is the scheduler's default Executor.
type IOExec struct {
	resolver AdapterResolver
	logger   *slog.Logger
}

// NewIOExec creates an executor resolving adapters through resolver.
func NewIOExec(resolver AdapterResolver, logger *slog.Logger) *IOExec {
	return &IOExec{resolver: resolver, logger: logger}
}

// Execute dispatches on the payload type. progress receives values in
// [0,1]; tok is checked at every chunk boundary.
func (x *IOExec) Execute(ctx context.Context, t Task, tok *Token, progress func(float64)) error {
	if progress == nil {
		progress = func(float64) {}
	}

	if err := tok.Check(); err != nil {
		return err
	}

	switch p := t.Payload.(type) {
	case UploadPayload:
		return x.upload(ctx, p, tok, progress)
	case UploadFolderPayload:
		return x.uploadFolder(ctx, p, tok, progress)
	case DownloadPayload:
		return x.download(ctx, p, tok, progress)
	case DownloadFolderPayload:
		return x.downloadFolder(ctx, p, tok, progress)
	case CreateFolderPayload:
		return x.createFolder(ctx, p)
	case DeletePayload:
		return x.deleteNode(ctx, p)
	case MovePayload:
		return x.move(ctx, t.DisplayName, p, tok, progress)
	case CopyFilePayload:
		return x.copyFile(ctx, t.DisplayName, p, tok, progress)
	case CopyFolderPayload:
		return x.copyFolder(ctx, t.DisplayName, p, tok, progress)
	default:
		return fmt.Errorf("unsupported payload type %T", t.Payload)
	}
}

func (x *IOExec) upload(ctx context.Context, p UploadPayload, tok *Token, progress func(float64)) error {
	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	f, err := os.Open(p.FilePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p.FilePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", p.FilePath, err)
	}

	r := newChunkReader(f, info.Size(), tok, progress)

	if _, err := adapter.Upload(ctx, p.FileName, p.ParentID, r, info.Size()); err != nil {
		return fmt.Errorf("uploading %s: %w", p.FileName, err)
	}

	return nil
}

func (x *IOExec) download(ctx context.Context, p DownloadPayload, tok *Token, progress func(float64)) error {
	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	// The size is only needed for progress; a failed metadata call
	// leaves progress indeterminate, it never blocks the download.
	var total int64 = -1
	if meta, err := adapter.Metadata(ctx, p.FileID); err == nil {
		total = meta.Size
	}

	rc, err := adapter.Download(ctx, p.FileID)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", p.FileID, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(p.SavePath), localDirPerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", p.SavePath, err)
	}

	f, err := os.OpenFile(p.SavePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, localFilePerm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", p.SavePath, err)
	}

	if err := copyChunked(f, rc, tok, total, progress); err != nil {
		f.Close()
		// A restart rewrites from scratch; keep no partial file around.
		os.Remove(p.SavePath)

		return err
	}

	return f.Close()
}

func (x *IOExec) uploadFolder(ctx context.Context, p UploadFolderPayload, tok *Token, progress func(float64)) error {
	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	type localFile struct {
		absPath string
		relDir  string
		name    string
		size    int64
	}

	var (
		files      []localFile
		totalBytes int64
	)

	// First pass: inventory for progress accounting. WalkDir is
	// lexical, so parent directories appear before their children.
	err = filepath.WalkDir(p.FolderPath, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() || d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(p.FolderPath, absPath)
		if err != nil {
			return err
		}

		files = append(files, localFile{
			absPath: absPath,
			relDir:  filepath.ToSlash(filepath.Dir(rel)),
			name:    d.Name(),
			size:    info.Size(),
		})
		totalBytes += info.Size()

		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", p.FolderPath, err)
	}

	rootID, err := adapter.CreateFolder(ctx, filepath.Base(p.FolderPath), p.ParentFolderID)
	if err != nil {
		return fmt.Errorf("creating remote folder: %w", err)
	}

	folderIDs := map[string]string{".": rootID}

	// Second pass: create the remote directory skeleton.
	err = filepath.WalkDir(p.FolderPath, func(absPath string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() || absPath == p.FolderPath {
			return nil
		}

		if err := tok.Check(); err != nil {
			return err
		}

		rel, err := filepath.Rel(p.FolderPath, absPath)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		parentID := folderIDs[filepath.ToSlash(filepath.Dir(rel))]

		id, err := adapter.CreateFolder(ctx, d.Name(), parentID)
		if err != nil {
			return fmt.Errorf("creating remote folder %s: %w", rel, err)
		}

		folderIDs[rel] = id

		return nil
	})
	if err != nil {
		return err
	}

	var sent int64

	for _, lf := range files {
		if err := tok.Check(); err != nil {
			return err
		}

		f, err := os.Open(lf.absPath)
		if err != nil {
			return fmt.Errorf("opening %s: %w", lf.absPath, err)
		}

		base := sent
		r := newChunkReader(f, lf.size, tok, func(frac float64) {
			if totalBytes > 0 {
				progress((float64(base) + frac*float64(lf.size)) / float64(totalBytes))
			}
		})

		_, err = adapter.Upload(ctx, lf.name, folderIDs[lf.relDir], r, lf.size)

		f.Close()

		if err != nil {
			return fmt.Errorf("uploading %s: %w", lf.name, err)
		}

		sent += lf.size
	}

	progress(1)

	return nil
}

func (x *IOExec) downloadFolder(ctx context.Context, p DownloadFolderPayload, tok *Token, progress func(float64)) error {
	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	type remoteFile struct {
		id   string
		path string
	}

	var files []remoteFile

	type queued struct {
		id   string
		path string
	}

	queue := []queued{{id: p.FolderID, path: p.SavePath}}

	for len(queue) > 0 {
		if err := tok.Check(); err != nil {
			return err
		}

		cur := queue[0]
		queue = queue[1:]

		if err := os.MkdirAll(cur.path, localDirPerm); err != nil {
			return fmt.Errorf("creating %s: %w", cur.path, err)
		}

		nodes, err := adapter.ListFolder(ctx, cur.id)
		if err != nil {
			return fmt.Errorf("listing remote folder %s: %w", cur.id, err)
		}

		for _, n := range nodes {
			childPath := filepath.Join(cur.path, n.Name)
			if n.Folder {
				queue = append(queue, queued{id: n.ID, path: childPath})
			} else {
				files = append(files, remoteFile{id: n.ID, path: childPath})
			}
		}
	}

	for i, rf := range files {
		if err := tok.Check(); err != nil {
			return err
		}

		rc, err := adapter.Download(ctx, rf.id)
		if err != nil {
			return fmt.Errorf("downloading %s: %w", rf.id, err)
		}

		f, err := os.OpenFile(rf.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, localFilePerm)
		if err != nil {
			rc.Close()
			return fmt.Errorf("creating %s: %w", rf.path, err)
		}

		err = copyChunked(f, rc, tok, -1, nil)

		rc.Close()

		if cerr := f.Close(); err == nil {
			err = cerr
		}

		if err != nil {
			os.Remove(rf.path)
			return err
		}

		progress(float64(i+1) / float64(len(files)))
	}

	progress(1)

	return nil
}

func (x *IOExec) createFolder(ctx context.Context, p CreateFolderPayload) error {
	if p.AccountID == "" {
		return os.MkdirAll(filepath.Join(p.ParentID, p.Name), localDirPerm)
	}

	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	if _, err := adapter.CreateFolder(ctx, p.Name, p.ParentID); err != nil {
		return fmt.Errorf("creating folder %s: %w", p.Name, err)
	}

	return nil
}

func (x *IOExec) deleteNode(ctx context.Context, p DeletePayload) error {
	// An empty account id means the node id is a local path.
	if p.AccountID == "" {
		if err := os.RemoveAll(p.NodeID); err != nil {
			return fmt.Errorf("removing %s: %w", p.NodeID, err)
		}

		return nil
	}

	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	if err := adapter.DeleteNode(ctx, p.NodeID); err != nil {
		return fmt.Errorf("deleting node %s: %w", p.NodeID, err)
	}

	return nil
}

// move is a copy followed by a delete of the source. The adapter
// capability has no native move, so the node's children decide whether
// it copies as a tree or as a single file.
func (x *IOExec) move(ctx context.Context, name string, p MovePayload, tok *Token, progress func(float64)) error {
	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	if _, listErr := adapter.ListFolder(ctx, p.NodeID); listErr == nil {
		err = x.copyTree(ctx, adapter, p.NodeID, name, p.DestParentID, tok, progress)
	} else {
		err = x.copyOne(ctx, adapter, p.NodeID, name, p.DestParentID, tok, progress)
	}

	if err != nil {
		return err
	}

	if err := adapter.DeleteNode(ctx, p.NodeID); err != nil {
		return fmt.Errorf("deleting moved node %s: %w", p.NodeID, err)
	}

	return nil
}

func (x *IOExec) copyFile(ctx context.Context, name string, p CopyFilePayload, tok *Token, progress func(float64)) error {
	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	return x.copyOne(ctx, adapter, p.FileID, name, p.DestParentID, tok, progress)
}

func (x *IOExec) copyFolder(ctx context.Context, name string, p CopyFolderPayload, tok *Token, progress func(float64)) error {
	adapter, err := x.resolver.Adapter(p.AccountID)
	if err != nil {
		return err
	}

	return x.copyTree(ctx, adapter, p.FolderID, name, p.DestParentID, tok, progress)
}

// copyOne streams a single remote file to a new file under destParent.
func (x *IOExec) copyOne(ctx context.Context, adapter cloud.Adapter, fileID, name, destParent string, tok *Token, progress func(float64)) error {
	var total int64 = -1
	if meta, err := adapter.Metadata(ctx, fileID); err == nil {
		total = meta.Size
	}

	rc, err := adapter.Download(ctx, fileID)
	if err != nil {
		return fmt.Errorf("downloading %s for copy: %w", fileID, err)
	}
	defer rc.Close()

	r := newChunkReader(rc, total, tok, progress)

	if _, err := adapter.Upload(ctx, name, destParent, r, total); err != nil {
		return fmt.Errorf("uploading copy of %s: %w", fileID, err)
	}

	return nil
}

// copyTree copies a remote folder tree breadth-first under destParent.
// Progress counts copied nodes against a pre-counted total.
func (x *IOExec) copyTree(ctx context.Context, adapter cloud.Adapter, folderID, name, destParent string, tok *Token, progress func(float64)) error {
	total, err := x.countTree(ctx, adapter, folderID)
	if err != nil {
		return err
	}

	rootID, err := adapter.CreateFolder(ctx, name, destParent)
	if err != nil {
		return fmt.Errorf("creating folder %s: %w", name, err)
	}

	type pair struct {
		srcID string
		dstID string
	}

	queue := []pair{{srcID: folderID, dstID: rootID}}

	done := 0

	report := func() {
		done++

		if progress != nil && total > 0 {
			progress(float64(done) / float64(total))
		}
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		nodes, err := adapter.ListFolder(ctx, cur.srcID)
		if err != nil {
			return fmt.Errorf("listing %s: %w", cur.srcID, err)
		}

		for _, n := range nodes {
			if err := tok.Check(); err != nil {
				return err
			}

			if n.Folder {
				id, err := adapter.CreateFolder(ctx, n.Name, cur.dstID)
				if err != nil {
					return fmt.Errorf("creating folder %s: %w", n.Name, err)
				}

				queue = append(queue, pair{srcID: n.ID, dstID: id})
				report()

				continue
			}

			if err := x.copyOne(ctx, adapter, n.ID, n.Name, cur.dstID, tok, nil); err != nil {
				return err
			}

			report()
		}
	}

	if progress != nil {
		progress(1)
	}

	return nil
}

// countTree returns the number of nodes under folderID, excluding the
// folder itself.
func (x *IOExec) countTree(ctx context.Context, adapter cloud.Adapter, folderID string) (int, error) {
	count := 0
	queue := []string{folderID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		nodes, err := adapter.ListFolder(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("listing %s: %w", id, err)
		}

		for _, n := range nodes {
			count++

			if n.Folder {
				queue = append(queue, n.ID)
			}
		}
	}

	return count, nil
}

// chunkReader wraps a reader with pause/cancel checkpoints and
// throttled progress reporting. Progress is the fraction of total read
// so far; with an unknown total (total < 0) nothing is reported.
type chunkReader struct {
	r          io.Reader
	tok        *Token
	total      int64
	read       int64
	lastBytes  int64
	lastReport time.Time
	onProgress func(float64)
}

func newChunkReader(r io.Reader, total int64, tok *Token, onProgress func(float64)) *chunkReader {
	return &chunkReader{r: r, tok: tok, total: total, onProgress: onProgress}
}

func (cr *chunkReader) Read(p []byte) (int, error) {
	if err := cr.tok.Check(); err != nil {
		return 0, err
	}

	if len(p) > copyBufSize {
		p = p[:copyBufSize]
	}

	n, err := cr.r.Read(p)
	cr.read += int64(n)

	if cr.onProgress != nil && cr.total > 0 {
		// Throttle: enough bytes, enough time, or the last byte. The
		// final fraction must go out even when EOF arrives on its own
		// zero-byte read.
		final := cr.read == cr.total && cr.lastBytes != cr.read

		if final || (n > 0 && (cr.read-cr.lastBytes >= progressReportBytes ||
			time.Since(cr.lastReport) >= progressReportInterval)) {
			cr.onProgress(float64(cr.read) / float64(cr.total))
			cr.lastBytes = cr.read
			cr.lastReport = time.Now()
		}
	}

	return n, err
}

// copyChunked copies src to dst in chunks, checking tok at each chunk
// boundary and reporting throttled progress against total (pass a
// negative total when unknown; progress is then skipped).
func copyChunked(dst io.Writer, src io.Reader, tok *Token, total int64, progress func(float64)) error {
	cr := newChunkReader(src, total, tok, progress)
	buf := make([]byte, copyBufSize)

	if _, err := io.CopyBuffer(dst, cr, buf); err != nil {
		return err
	}

	return nil
}
