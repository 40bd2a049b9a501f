package task

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/skysync/internal/cloud"
	"github.com/alexjbarnes/skysync/internal/cloud/cloudtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	adapter cloud.Adapter
}

func (r fakeResolver) Adapter(string) (cloud.Adapter, error) {
	return r.adapter, nil
}

func newTestExec(fake *cloudtest.Fake) *IOExec {
	return NewIOExec(fakeResolver{adapter: fake}, slog.Default())
}

func runTask(t *testing.T, x *IOExec, name string, p Payload) error {
	t.Helper()

	return x.Execute(context.Background(), Task{
		ID:          "t1",
		Kind:        p.Kind(),
		DisplayName: name,
		Payload:     p,
	}, &Token{}, nil)
}

func writeLocal(t *testing.T, dir, rel string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func TestIOExec_Upload(t *testing.T) {
	fake := cloudtest.NewFake()
	x := newTestExec(fake)

	dir := t.TempDir()
	path := writeLocal(t, dir, "report.pdf", []byte("report body"))

	err := runTask(t, x, "upload report.pdf", UploadPayload{
		FilePath:  path,
		FileName:  "report.pdf",
		ParentID:  cloudtest.RootID,
		AccountID: "a",
	})
	require.NoError(t, err)

	id := fake.Lookup(cloudtest.RootID, "report.pdf")
	require.NotEmpty(t, id)
	assert.Equal(t, []byte("report body"), fake.Content(id))
}

func TestIOExec_UploadMissingFile(t *testing.T) {
	x := newTestExec(cloudtest.NewFake())

	err := runTask(t, x, "upload", UploadPayload{
		FilePath: filepath.Join(t.TempDir(), "absent.bin"),
		FileName: "absent.bin",
		ParentID: cloudtest.RootID,
	})
	assert.Error(t, err)
}

func TestIOExec_Download(t *testing.T) {
	fake := cloudtest.NewFake()
	fileID := fake.AddFile(cloudtest.RootID, "notes.txt", []byte("remote notes"))
	x := newTestExec(fake)

	savePath := filepath.Join(t.TempDir(), "nested", "dir", "notes.txt")

	err := runTask(t, x, "download notes.txt", DownloadPayload{
		FileID:    fileID,
		SavePath:  savePath,
		AccountID: "a",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(savePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote notes"), got)
}

func TestIOExec_DownloadMetadataFailureTolerated(t *testing.T) {
	fake := cloudtest.NewFake()
	fileID := fake.AddFile(cloudtest.RootID, "a.bin", []byte("payload"))
	fake.MetadataErr[fileID] = assert.AnError
	x := newTestExec(fake)

	savePath := filepath.Join(t.TempDir(), "a.bin")

	err := runTask(t, x, "download a.bin", DownloadPayload{FileID: fileID, SavePath: savePath})
	require.NoError(t, err)

	got, err := os.ReadFile(savePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestIOExec_DownloadCancelledRemovesPartial(t *testing.T) {
	fake := cloudtest.NewFake()
	fileID := fake.AddFile(cloudtest.RootID, "big.bin", bytes.Repeat([]byte("x"), 3*copyBufSize))
	x := newTestExec(fake)

	savePath := filepath.Join(t.TempDir(), "big.bin")

	tok := &Token{}
	tok.Cancel()

	err := x.Execute(context.Background(), Task{
		ID:      "t1",
		Kind:    KindDownload,
		Payload: DownloadPayload{FileID: fileID, SavePath: savePath},
	}, tok, nil)
	require.ErrorIs(t, err, ErrCancelled)

	_, statErr := os.Stat(savePath)
	assert.True(t, os.IsNotExist(statErr), "partial file should have been removed")
}

func TestIOExec_UploadFolder(t *testing.T) {
	fake := cloudtest.NewFake()
	x := newTestExec(fake)

	dir := t.TempDir()
	src := filepath.Join(dir, "photos")
	writeLocal(t, src, "a.jpg", []byte("aaa"))
	writeLocal(t, src, "sub/b.jpg", []byte("bbbb"))
	writeLocal(t, src, "sub/deep/c.jpg", []byte("c"))

	var fractions []float64

	err := x.Execute(context.Background(), Task{
		ID:   "t1",
		Kind: KindUploadFolder,
		Payload: UploadFolderPayload{
			FolderPath:     src,
			ParentFolderID: cloudtest.RootID,
			AccountID:      "a",
		},
	}, &Token{}, func(f float64) { fractions = append(fractions, f) })
	require.NoError(t, err)

	rootID := fake.Lookup(cloudtest.RootID, "photos")
	require.NotEmpty(t, rootID)

	subID := fake.Lookup(rootID, "sub")
	require.NotEmpty(t, subID)

	deepID := fake.Lookup(subID, "deep")
	require.NotEmpty(t, deepID)

	assert.Equal(t, []byte("aaa"), fake.Content(fake.Lookup(rootID, "a.jpg")))
	assert.Equal(t, []byte("bbbb"), fake.Content(fake.Lookup(subID, "b.jpg")))
	assert.Equal(t, []byte("c"), fake.Content(fake.Lookup(deepID, "c.jpg")))

	require.NotEmpty(t, fractions)
	assert.Equal(t, 1.0, fractions[len(fractions)-1])
}

func TestIOExec_DownloadFolder(t *testing.T) {
	fake := cloudtest.NewFake()
	docs := fake.AddFolder(cloudtest.RootID, "docs")
	sub := fake.AddFolder(docs, "archive")
	fake.AddFile(docs, "readme.md", []byte("hello"))
	fake.AddFile(sub, "old.md", []byte("old"))
	x := newTestExec(fake)

	dst := filepath.Join(t.TempDir(), "docs")

	err := runTask(t, x, "download docs", DownloadFolderPayload{
		FolderID:  docs,
		SavePath:  dst,
		AccountID: "a",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dst, "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	got, err = os.ReadFile(filepath.Join(dst, "archive", "old.md"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), got)
}

func TestIOExec_CreateFolder(t *testing.T) {
	t.Run("remote", func(t *testing.T) {
		fake := cloudtest.NewFake()
		x := newTestExec(fake)

		err := runTask(t, x, "create inbox", CreateFolderPayload{
			Name:      "inbox",
			ParentID:  cloudtest.RootID,
			AccountID: "a",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, fake.Lookup(cloudtest.RootID, "inbox"))
	})

	t.Run("local", func(t *testing.T) {
		x := newTestExec(cloudtest.NewFake())
		dir := t.TempDir()

		err := runTask(t, x, "create inbox", CreateFolderPayload{Name: "inbox", ParentID: dir})
		require.NoError(t, err)

		info, err := os.Stat(filepath.Join(dir, "inbox"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestIOExec_Delete(t *testing.T) {
	t.Run("remote", func(t *testing.T) {
		fake := cloudtest.NewFake()
		fileID := fake.AddFile(cloudtest.RootID, "gone.txt", []byte("x"))
		x := newTestExec(fake)

		err := runTask(t, x, "delete gone.txt", DeletePayload{NodeID: fileID, AccountID: "a"})
		require.NoError(t, err)
		assert.Equal(t, []string{fileID}, fake.Deleted)
	})

	t.Run("local", func(t *testing.T) {
		x := newTestExec(cloudtest.NewFake())
		path := writeLocal(t, t.TempDir(), "gone.txt", []byte("x"))

		err := runTask(t, x, "delete gone.txt", DeletePayload{NodeID: path})
		require.NoError(t, err)

		_, statErr := os.Stat(path)
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestIOExec_CopyFile(t *testing.T) {
	fake := cloudtest.NewFake()
	src := fake.AddFile(cloudtest.RootID, "orig.txt", []byte("contents"))
	dst := fake.AddFolder(cloudtest.RootID, "backup")
	x := newTestExec(fake)

	err := runTask(t, x, "orig.txt", CopyFilePayload{
		FileID:       src,
		DestParentID: dst,
		AccountID:    "a",
	})
	require.NoError(t, err)

	copyID := fake.Lookup(dst, "orig.txt")
	require.NotEmpty(t, copyID)
	assert.Equal(t, []byte("contents"), fake.Content(copyID))

	// The source is untouched.
	assert.Equal(t, []byte("contents"), fake.Content(src))
}

func TestIOExec_CopyFolder(t *testing.T) {
	fake := cloudtest.NewFake()
	src := fake.AddFolder(cloudtest.RootID, "project")
	inner := fake.AddFolder(src, "assets")
	fake.AddFile(src, "main.go", []byte("package main"))
	fake.AddFile(inner, "logo.png", []byte("png"))
	dst := fake.AddFolder(cloudtest.RootID, "backup")
	x := newTestExec(fake)

	err := runTask(t, x, "project", CopyFolderPayload{
		FolderID:     src,
		DestParentID: dst,
		AccountID:    "a",
	})
	require.NoError(t, err)

	copyRoot := fake.Lookup(dst, "project")
	require.NotEmpty(t, copyRoot)
	assert.Equal(t, []byte("package main"), fake.Content(fake.Lookup(copyRoot, "main.go")))

	copyAssets := fake.Lookup(copyRoot, "assets")
	require.NotEmpty(t, copyAssets)
	assert.Equal(t, []byte("png"), fake.Content(fake.Lookup(copyAssets, "logo.png")))
}

func TestIOExec_MoveFile(t *testing.T) {
	fake := cloudtest.NewFake()
	src := fake.AddFile(cloudtest.RootID, "move-me.txt", []byte("payload"))
	dst := fake.AddFolder(cloudtest.RootID, "target")
	x := newTestExec(fake)

	err := runTask(t, x, "move-me.txt", MovePayload{
		NodeID:       src,
		DestParentID: dst,
		AccountID:    "a",
	})
	require.NoError(t, err)

	moved := fake.Lookup(dst, "move-me.txt")
	require.NotEmpty(t, moved)
	assert.Equal(t, []byte("payload"), fake.Content(moved))

	// The original node was deleted after the copy.
	assert.Contains(t, fake.Deleted, src)
	assert.Empty(t, fake.Lookup(cloudtest.RootID, "move-me.txt"))
}

func TestIOExec_MoveFolder(t *testing.T) {
	fake := cloudtest.NewFake()
	src := fake.AddFolder(cloudtest.RootID, "season1")
	fake.AddFile(src, "ep1.mkv", []byte("video"))
	dst := fake.AddFolder(cloudtest.RootID, "shows")
	x := newTestExec(fake)

	err := runTask(t, x, "season1", MovePayload{
		NodeID:       src,
		DestParentID: dst,
		AccountID:    "a",
	})
	require.NoError(t, err)

	moved := fake.Lookup(dst, "season1")
	require.NotEmpty(t, moved)
	assert.Equal(t, []byte("video"), fake.Content(fake.Lookup(moved, "ep1.mkv")))
	assert.Contains(t, fake.Deleted, src)
}

func TestIOExec_UnsupportedPayload(t *testing.T) {
	x := newTestExec(cloudtest.NewFake())

	err := x.Execute(context.Background(), Task{ID: "t1"}, &Token{}, nil)
	assert.Error(t, err)
}

func TestChunkReader_TokenCheckpoints(t *testing.T) {
	src := bytes.NewReader(bytes.Repeat([]byte("z"), 4*copyBufSize))

	tok := &Token{}
	cr := newChunkReader(src, int64(4*copyBufSize), tok, nil)

	buf := make([]byte, 2*copyBufSize)

	// Reads are capped at one chunk each.
	n, err := cr.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, copyBufSize, n)

	tok.Pause()

	_, err = cr.Read(buf)
	assert.ErrorIs(t, err, ErrPaused)

	// Cancel takes precedence over pause.
	tok.Cancel()

	_, err = cr.Read(buf)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestChunkReader_ProgressReachesOne(t *testing.T) {
	total := 3 * copyBufSize
	src := bytes.NewReader(bytes.Repeat([]byte("z"), total))

	var last float64

	cr := newChunkReader(src, int64(total), &Token{}, func(f float64) { last = f })

	_, err := io.Copy(io.Discard, cr)
	require.NoError(t, err)
	assert.Equal(t, 1.0, last)
}

func TestChunkReader_SmallTransferReportsOnce(t *testing.T) {
	src := bytes.NewReader([]byte("abc"))

	var got []float64

	cr := newChunkReader(src, 3, &Token{}, func(f float64) { got = append(got, f) })

	buf := make([]byte, 8)

	n, err := cr.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// The trailing zero-byte EOF read must not report a second time.
	_, err = cr.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	assert.Equal(t, []float64{1.0}, got)
}
