// Package watcher delivers debounced change notifications for a single
// file. The worker points it at the config file so edits take effect
// without a restart.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const debounceWindow = 500 * time.Millisecond

// Watcher watches one file and calls back after changes settle.
type Watcher struct {
	path     string
	dir      string
	fs       *fsnotify.Watcher
	debounce *Debouncer
	log      zerolog.Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New prepares a watcher for path. Nothing is watched until Start.
func New(path string, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		dir:      filepath.Dir(abs),
		fs:       fs,
		debounce: NewDebouncer(debounceWindow, onChange),
		log:      log.With().Str("component", "watcher").Str("path", abs).Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched too, because
// editors save atomically by renaming a temp file over the original,
// which replaces the watched inode.
func (w *Watcher) Start() error {
	if err := w.fs.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	if err := w.fs.Add(w.path); err != nil && !os.IsNotExist(err) {
		w.log.Warn().Err(err).Msg("watching file failed, relying on the directory watch")
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0:
				w.debounce.Trigger()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.rearm()
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")

		case <-w.done:
			return
		}
	}
}

// rearm re-attaches the file watch after a rename or removal, waiting
// for the replacement inode to appear.
func (w *Watcher) rearm() {
	for _, delay := range []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond} {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}
		if err := w.fs.Add(w.path); err == nil {
			w.debounce.Trigger()
			return
		}
	}
	w.log.Warn().Msg("file did not come back, watching the directory only")
}

// Stop ends the watch and waits for an in-flight callback to finish.
// Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
		w.debounce.CancelAndWait()
	})
	return err
}
