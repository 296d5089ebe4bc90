package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, content string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	store, err := NewStore(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	return store, path
}

func TestStoreInitialSnapshot(t *testing.T) {
	store, _ := newTestStore(t, "exporter:\n  listen_port: 9999\n")
	snap := store.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 9999, snap.Exporter.ListenPort)
}

func TestStoreMissingFileAllowed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	store, err := NewStore(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Empty(t, store.Snapshot().Tests)

	info := store.FileInfo()
	assert.False(t, info.Exists)
}

func TestStoreReloadOnlyWhenChanged(t *testing.T) {
	store, path := newTestStore(t, "exporter:\n  listen_port: 9999\n")

	changed, err := store.ReloadIfChanged(false)
	require.NoError(t, err)
	assert.False(t, changed, "unchanged mtime must not reload")

	// rewrite with a future mtime so the change is visible regardless of
	// filesystem timestamp granularity
	require.NoError(t, os.WriteFile(path, []byte("exporter:\n  listen_port: 8888\n"), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	changed, err = store.ReloadIfChanged(false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 8888, store.Snapshot().Exporter.ListenPort)
}

func TestStoreForcedReload(t *testing.T) {
	store, _ := newTestStore(t, "exporter:\n  listen_port: 9999\n")
	changed, err := store.ReloadIfChanged(true)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestStoreFailedReloadKeepsSnapshot(t *testing.T) {
	store, path := newTestStore(t, "exporter:\n  listen_port: 9999\n")

	require.NoError(t, os.WriteFile(path, []byte("exporter: [broken\n"), 0o600))
	changed, err := store.ReloadIfChanged(true)
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, 9999, store.Snapshot().Exporter.ListenPort, "previous snapshot must survive a bad reload")
}

// Readers racing with reloads must always observe a complete snapshot: either
// the old config or the new one, never a mix of both.
func TestStoreSnapshotAtomicity(t *testing.T) {
	store, path := newTestStore(t, "exporter:\n  listen_port: 1000\n  check_interval_seconds: 1000\n")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 20; i++ {
			content := fmt.Sprintf("exporter:\n  listen_port: %d\n  check_interval_seconds: %d\n", 1000+i, 1000+i)
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return
			}
			_, _ = store.ReloadIfChanged(true)
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := store.Snapshot()
			// both fields come from the same write, so a torn snapshot
			// would disagree
			assert.Equal(t, snap.Exporter.ListenPort, snap.Exporter.CheckIntervalSeconds)
		}
	}()

	wg.Wait()
}
