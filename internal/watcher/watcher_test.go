package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) record(path string) {
	r.mu.Lock()
	r.paths = append(r.paths, path)
	r.mu.Unlock()
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-errc, context.Canceled)
	})
	// give fsnotify time to register the directory
	time.Sleep(50 * time.Millisecond)
}

func TestWatchDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "communityhub.yaml")
	other := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0644))

	rec := &recorder{}
	startWatcher(t, New([]string{path}, rec.record, Options{Debounce: 50 * time.Millisecond}))

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0644))
	}
	require.NoError(t, os.WriteFile(other, []byte("ignored\n"), 0644))

	require.Eventually(t, func() bool { return len(rec.calls()) > 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{path}, rec.calls())
}

func TestWatchMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "communityhub.yaml")
	env := filepath.Join(dir, ".env")

	rec := &recorder{}
	startWatcher(t, New([]string{cfg, env}, rec.record, Options{Debounce: 20 * time.Millisecond}))

	require.NoError(t, os.WriteFile(env, []byte("COMMUNITYHUB_LOG_LEVEL=debug\n"), 0644))
	require.Eventually(t, func() bool {
		calls := rec.calls()
		return len(calls) == 1 && calls[0] == env
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchMissingDirectory(t *testing.T) {
	w := New([]string{filepath.Join(t.TempDir(), "missing", "config.yaml")}, func(string) {}, Options{})
	assert.Error(t, w.Watch(context.Background()))
}
