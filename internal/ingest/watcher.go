package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/turnstile-dev/turnstile/internal/domain"
	"github.com/turnstile-dev/turnstile/internal/statestore"
)

// ImportedCallback is called after a dropped manifest is queued
type ImportedCallback func(batch *domain.Batch)

// Watcher monitors a directory for dropped manifest files and queues each
// one as a batch. Writes are debounced so a file still being copied in is
// imported once, after it settles.
type Watcher struct {
	store    *statestore.Store
	watcher  *fsnotify.Watcher
	callback ImportedCallback
	debounce time.Duration

	mu       sync.Mutex
	pending  map[string]struct{}
	imported map[string]struct{}
	timer    *time.Timer

	cancel context.CancelFunc
}

// NewWatcher creates a Watcher over dir
func NewWatcher(store *statestore.Store, dir string, callback ImportedCallback) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		store:    store,
		watcher:  fsw,
		callback: callback,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]struct{}),
		imported: make(map[string]struct{}),
	}, nil
}

// SetDebounce sets the settle time for dropped files
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.Printf("ingest watch error: %v", err)
			}
		}
	}()
}

// Stop stops watching
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !IsManifestPath(event.Name) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[event.Name] = struct{}{}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	for path := range pending {
		w.mu.Lock()
		_, seen := w.imported[path]
		if !seen {
			w.imported[path] = struct{}{}
		}
		w.mu.Unlock()
		if seen {
			// Re-imports of an already-queued file are an operator action,
			// not a watch event.
			continue
		}

		batch, err := ImportFile(w.store, path)
		if err != nil {
			log.Printf("ingest %s: %v", path, err)
			w.mu.Lock()
			delete(w.imported, path)
			w.mu.Unlock()
			continue
		}

		log.Printf("queued batch %s (%d tasks) from %s", batch.ID, batch.TotalCount, path)
		if w.callback != nil {
			w.callback(batch)
		}
	}
}
