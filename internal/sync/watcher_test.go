package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, root string, debounce time.Duration, trigger func()) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	w := NewWatcher(root, debounce, trigger, slog.Default())

	go func() {
		defer close(done)
		_ = w.Watch(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("watcher did not stop")
		}
	})

	// Give the watcher a moment to register its watches.
	time.Sleep(100 * time.Millisecond)

	return cancel
}

func TestWatcher_TriggersOnWrite(t *testing.T) {
	root := t.TempDir()

	var triggers atomic.Int32

	startWatcher(t, root, 50*time.Millisecond, func() { triggers.Add(1) })

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		return triggers.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_CollapsesBursts(t *testing.T) {
	root := t.TempDir()

	var triggers atomic.Int32

	startWatcher(t, root, 200*time.Millisecond, func() { triggers.Add(1) })

	// A burst of writes inside one debounce window.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte{byte(i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return triggers.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	// The quiet period has passed; no further triggers accumulate.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(1), triggers.Load())
}

func TestWatcher_PicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()

	var triggers atomic.Int32

	startWatcher(t, root, 50*time.Millisecond, func() { triggers.Add(1) })

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	require.Eventually(t, func() bool {
		return triggers.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	before := triggers.Load()

	// A write inside the new directory is seen too.
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		return triggers.Load() > before
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresHiddenAndTempFiles(t *testing.T) {
	root := t.TempDir()

	var triggers atomic.Int32

	startWatcher(t, root, 50*time.Millisecond, func() { triggers.Add(1) })

	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "draft.swp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "backup~"), []byte("x"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), triggers.Load())
}

func TestWatcher_MissingRoot(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "absent"), 50*time.Millisecond, func() {}, slog.Default())

	err := w.Watch(context.Background())
	require.Error(t, err)
}
