package credentials

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads the named-account cache when credential files change on disk
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	logger  log.FieldLogger

	// reloaded is signalled after every reload; used by tests
	reloaded chan struct{}
}

// NewWatcher starts watching the store's directory
func NewWatcher(store *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", store.Dir(), err)
	}
	return &Watcher{
		store:    store,
		watcher:  fw,
		logger:   store.logger,
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Run processes file events until ctx is cancelled, then closes the underlying watcher
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		if err := w.watcher.Close(); err != nil {
			w.logger.Errorf("closing credential watcher: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("credential watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if !strings.HasPrefix(name, accountPrefix) || !strings.HasSuffix(name, fileSuffix) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	accounts, err := w.store.LoadAll()
	if err != nil {
		w.logger.Errorf("reloading credentials after %s: %v", ev.Op, err)
		return
	}
	w.logger.WithField("file", name).Debugf("credentials reloaded, %d named accounts", len(accounts))

	select {
	case w.reloaded <- struct{}{}:
	default:
	}
}
