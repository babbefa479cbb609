package contract

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"warden/internal/logging"
)

// Watcher invalidates a Loader's cache whenever a contract file in its
// directory is created, written, removed or renamed.
type Watcher struct {
	mu       sync.Mutex
	loader   *Loader
	watcher  *fsnotify.Watcher
	onChange func(path string)
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	events   int
}

// NewWatcher creates a watcher for loader's directory. onChange, if non-nil,
// is called after each invalidation.
func NewWatcher(loader *Loader, onChange func(path string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		loader:   loader,
		watcher:  fw,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It is non-blocking; the event loop runs until
// Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.loader.Dir()); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Contracts("watching contract directory %s", w.loader.Dir())

	go w.run(ctx)
	return nil
}

// Stop ends the event loop and releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		logging.ContractsError("closing contract watcher: %v", err)
	}
}

// Events returns how many relevant filesystem events have been handled.
func (w *Watcher) Events() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.ContractsError("contract watcher: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !isContractFile(filepath.Base(event.Name)) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	logging.ContractsDebug("contract %s: %s", event.Op, event.Name)

	w.loader.Invalidate()
	w.mu.Lock()
	w.events++
	w.mu.Unlock()
	if w.onChange != nil {
		w.onChange(event.Name)
	}
}
