// Package watch reports changes made to a workspace by other processes, so a
// long-running view can reload its state.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"innervoice/internal/config"
	"innervoice/internal/db"
)

const defaultDebounce = 150 * time.Millisecond

// Watcher coalesces filesystem events for the database and config file into
// single change notifications.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	log      *zap.Logger
	dataDir  string
	dbName   string
	cfgPath  string
	debounce time.Duration
	changes  chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// New watches workspace's data directory and its innervoice.yml. A zero
// debounce uses the default.
func New(workspace string, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		log:      log,
		dataDir:  db.Dir(workspace),
		dbName:   filepath.Base(db.Path(workspace)),
		cfgPath:  config.Path(workspace),
		debounce: debounce,
		changes:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Changes delivers at most one pending notification at a time.
func (w *Watcher) Changes() <-chan struct{} { return w.changes }

// Start begins watching. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(w.dataDir); err != nil {
		return err
	}
	// The config file may be created later, so watch its directory.
	if err := w.watcher.Add(filepath.Dir(w.cfgPath)); err != nil {
		w.log.Warn("config directory not watched", zap.String("path", w.cfgPath), zap.Error(err))
	}
	w.running = true
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		w.watcher.Close()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.log.Warn("closing watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.log.Debug("workspace changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		case <-fire:
			fire = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if filepath.Clean(ev.Name) == filepath.Clean(w.cfgPath) {
		return true
	}
	return filepath.Dir(ev.Name) == filepath.Clean(w.dataDir) && strings.HasPrefix(filepath.Base(ev.Name), w.dbName)
}
