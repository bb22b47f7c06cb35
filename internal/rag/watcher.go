package rag

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce is the delay before reindexing after a knowledge-base
// change. Editors fire bursts of events per save; one rebuild covers them.
const watchDebounce = 1500 * time.Millisecond

// Watcher monitors the knowledge-base directory and triggers a background
// index rebuild when files are added, removed or modified.
type Watcher struct {
	index *Index
	kbDir string
	fsw   *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewWatcher creates a knowledge-base watcher over the given index.
func NewWatcher(index *Index, kbDir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{index: index, kbDir: kbDir, fsw: fsw}, nil
}

// Start begins watching the KB directory tree.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.kbDir); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		slog.Warn("rag watcher: knowledge base dir missing, not watching", "path", w.kbDir)
		return nil
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	slog.Info("rag watcher: started", "path", w.kbDir)
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// New subdirectories need their own watch.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(ev.Name)
				}
			}
			w.scheduleRebuild(ctx)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("rag watcher: fsnotify error", "error", err)
		}
	}
}

// scheduleRebuild debounces bursts of events into one rebuild.
func (w *Watcher) scheduleRebuild(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, func() {
		w.mu.Lock()
		if !w.pending {
			w.mu.Unlock()
			return
		}
		w.pending = false
		w.mu.Unlock()

		if err := w.index.Ensure(ctx); err != nil {
			slog.Error("rag watcher: reindex failed", "error", err)
		}
	})
}
