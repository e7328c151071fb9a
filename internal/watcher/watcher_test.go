package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCollapsesBursts(t *testing.T) {
	var fires atomic.Int64
	d := NewDebouncer(50*time.Millisecond, func() { fires.Add(1) })

	d.Trigger()
	d.Trigger()
	d.Trigger()

	assert.Eventually(t, func() bool { return fires.Load() == 1 }, time.Second, 10*time.Millisecond)

	// A fresh trigger after the quiet period fires again.
	d.Trigger()
	assert.Eventually(t, func() bool { return fires.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestDebouncerCancel(t *testing.T) {
	var fires atomic.Int64
	d := NewDebouncer(50*time.Millisecond, func() { fires.Add(1) })

	d.Trigger()
	d.Cancel()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(0), fires.Load())
}

// startWatching builds a watcher with a short debounce so tests stay
// quick, and tears it down with the test.
func startWatching(t *testing.T, path string, onChange func()) *Watcher {
	t.Helper()
	w, err := New(path, onChange)
	require.NoError(t, err)
	w.debounce = NewDebouncer(30*time.Millisecond, onChange)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcherFiresOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orcid-claims.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	var fires atomic.Int64
	startWatching(t, path, func() { fires.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	assert.Eventually(t, func() bool { return fires.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherSurvivesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orcid-claims.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	var fires atomic.Int64
	startWatching(t, path, func() { fires.Add(1) })

	// Editors write a temp file and rename it over the original.
	tmp := filepath.Join(dir, ".orcid-claims.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("a: 2\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool { return fires.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	// The watch survives for the next edit too.
	before := fires.Load()
	require.NoError(t, os.WriteFile(path, []byte("a: 3\n"), 0o644))
	assert.Eventually(t, func() bool { return fires.Load() > before }, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orcid-claims.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0o644))

	w, err := New(path, func() {})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
