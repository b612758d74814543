package policy

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mood-agency/funny/internal/logger"
)

const defaultDebounce = 150 * time.Millisecond

// Watcher reports edits to project policy files. Each project's repository
// root is watched (non-recursively) so a .funny directory created later is
// picked up, and .funny itself is watched once it exists.
type Watcher struct {
	fs       *fsnotify.Watcher
	onChange func(projectID string)
	debounce time.Duration

	mu       sync.Mutex
	repos    map[string]string // repo path -> project ID
	timers   map[string]*time.Timer
	closed   bool
	done     chan struct{}
	finished chan struct{}
}

// NewWatcher starts a watcher that calls onChange, debounced, with the ID of
// the project whose policy file was written, created or removed.
func NewWatcher(onChange func(projectID string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:       fw,
		onChange: onChange,
		debounce: defaultDebounce,
		repos:    make(map[string]string),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Watch starts watching a project's repository.
func (w *Watcher) Watch(projectID, repoPath string) error {
	repoPath = filepath.Clean(repoPath)
	if err := w.fs.Add(repoPath); err != nil {
		return err
	}
	w.mu.Lock()
	w.repos[repoPath] = projectID
	w.mu.Unlock()

	// The directory may not exist yet; the root watch catches its creation.
	_ = w.fs.Add(filepath.Join(repoPath, policyDir))
	return nil
}

// Close stops the watcher. Pending notifications are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	<-w.finished
	return err
}

func (w *Watcher) run() {
	defer close(w.finished)
	log := logger.ComponentLogger("policy")
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn("policy watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	dir, name := filepath.Split(ev.Name)
	dir = filepath.Clean(dir)

	switch {
	case name == policyDir:
		// .funny created or removed in a watched repository.
		if ev.Has(fsnotify.Create) {
			_ = w.fs.Add(ev.Name)
		}
		w.schedule(dir)
	case name == policyFileName && filepath.Base(dir) == policyDir:
		if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
			return
		}
		w.schedule(filepath.Dir(dir))
	}
}

// schedule debounces notifications per repository; editors often write a
// file in several steps.
func (w *Watcher) schedule(repoPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	projectID, ok := w.repos[repoPath]
	if !ok || w.closed {
		return
	}
	if t, ok := w.timers[repoPath]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[repoPath] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, repoPath)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		logger.ComponentLogger("policy").Info("policy file changed", "project", projectID, "path", Path(repoPath))
		w.onChange(projectID)
	})
}
