// Package watcher detects and stabilizes append-only session log files
// across a set of directories. It pairs fsnotify change notifications with
// a polling loop because append-only logs on some filesystems do not emit
// reliable modify events.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"engram/internal/logging"
	"engram/internal/session"

	"github.com/fsnotify/fsnotify"
)

// EventKind discriminates watcher events.
type EventKind string

const (
	EventReady EventKind = "session_ready"
	EventIdle  EventKind = "session_idle"
	EventError EventKind = "error"
)

// Event is one watcher emission.
type Event struct {
	Kind EventKind
	Path string
	Err  error
}

// Options configures the watcher windows.
type Options struct {
	StabilityWindow time.Duration // default 30s
	IdleWindow      time.Duration // default 5m
	PollInterval    time.Duration // default 5s
	EventBuffer     int           // default 256
}

// fileState tracks one session file's stabilization.
type fileState struct {
	firstSeenAt        time.Time
	lastModifiedAt     time.Time
	lastSize           int64
	lastEntryID        string
	lastChangeObserved time.Time
	isStable           bool
	notified           bool
	idleNotified       bool
}

// Watcher owns the per-file registry and the bounded event channel.
// The channel uses a drop-oldest policy on overflow; dropped events are
// counted and exposed in status. Over-emission is harmless downstream
// (deterministic node IDs dedup), under-emission is healed by the next
// observed change.
type Watcher struct {
	dirs []string
	opts Options

	mu    sync.Mutex
	files map[string]*fileState

	events   chan Event
	overflow atomic.Uint64

	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a watcher over the given directories.
func New(dirs []string, opts Options) (*Watcher, error) {
	if opts.StabilityWindow <= 0 {
		opts.StabilityWindow = 30 * time.Second
	}
	if opts.IdleWindow <= 0 {
		opts.IdleWindow = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		dirs:   dirs,
		opts:   opts,
		files:  make(map[string]*fileState),
		events: make(chan Event, opts.EventBuffer),
		fsw:    fsw,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Events is the bounded event stream.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Overflow returns how many events were dropped on channel overflow.
func (w *Watcher) Overflow() uint64 {
	return w.overflow.Load()
}

// Tracked returns the number of files currently tracked.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// Start scans the directories, registers filesystem notifications, and
// launches the polling loop. The startup scan initializes state without
// declaring anything stable, so ready events only fire after a full
// stability window of observed quiet.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range w.dirs {
		if err := w.fsw.Add(dir); err != nil {
			logging.Get(logging.CategoryWatcher).Warn("Cannot watch %s (polling only): %v", dir, err)
		} else {
			logging.Watcher("Watching directory: %s", dir)
		}
	}
	w.scan(time.Now())

	go w.run(ctx)
	return nil
}

// Stop shuts the watcher down and closes the event channel after the
// loop drains.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fsw.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("Error closing fsnotify watcher: %v", err)
	}
	close(w.events)
	logging.Watcher("Watcher stopped (overflow=%d)", w.overflow.Load())
}

// run is the main loop: poll ticks plus fsnotify wakeups.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watcher("Watcher context cancelled")
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.scan(time.Now())
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if isSessionFile(ev.Name) {
				w.checkFile(ev.Name, time.Now())
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Warn("fsnotify error: %v", err)
			w.emit(Event{Kind: EventError, Err: err})
		}
	}
}

func isSessionFile(path string) bool {
	return strings.HasSuffix(path, ".jsonl")
}

// scan enumerates the directories and re-checks every matching file.
func (w *Watcher) scan(now time.Time) {
	seen := make(map[string]bool)
	for _, dir := range w.dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		if err != nil {
			continue
		}
		for _, path := range matches {
			seen[path] = true
			w.checkFile(path, now)
		}
	}

	// Deregister files that disappeared; they re-register on reappearance.
	w.mu.Lock()
	for path := range w.files {
		if !seen[path] {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				logging.WatcherDebug("File vanished, deregistering: %s", path)
				delete(w.files, path)
			}
		}
	}
	w.mu.Unlock()
}

// checkFile advances one file's state machine.
func (w *Watcher) checkFile(path string, now time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		w.mu.Lock()
		_, tracked := w.files[path]
		delete(w.files, path)
		w.mu.Unlock()
		if tracked {
			logging.Get(logging.CategoryWatcher).Warn("File unreadable, deregistering %s: %v", path, err)
			w.emit(Event{Kind: EventError, Path: path, Err: err})
		}
		return
	}

	w.mu.Lock()
	st, ok := w.files[path]
	if !ok {
		st = &fileState{
			firstSeenAt:        now,
			lastModifiedAt:     info.ModTime(),
			lastSize:           info.Size(),
			lastChangeObserved: now,
		}
		w.files[path] = st
		w.mu.Unlock()
		logging.WatcherDebug("Tracking new session file: %s (%d bytes)", path, info.Size())
		return
	}

	changed := info.Size() != st.lastSize || info.ModTime().After(st.lastModifiedAt)
	if changed {
		st.lastSize = info.Size()
		st.lastModifiedAt = info.ModTime()
		st.lastChangeObserved = now
		st.isStable = false
		st.notified = false
		st.idleNotified = false
		w.mu.Unlock()
		logging.WatcherDebug("Change observed: %s (%d bytes)", path, info.Size())
		return
	}

	var fireReady, fireIdle bool
	if !st.isStable && now.Sub(st.lastChangeObserved) >= w.opts.StabilityWindow {
		st.isStable = true
	}
	if st.isStable && !st.notified {
		// Ready fires once per (path, leaf entry); an unchanged leaf after
		// re-stabilization is not re-announced.
		leaf := leafEntryID(path)
		if leaf != st.lastEntryID || st.lastEntryID == "" {
			st.lastEntryID = leaf
			fireReady = true
		}
		st.notified = true
	}
	if !st.idleNotified && now.Sub(st.lastChangeObserved) >= w.opts.IdleWindow {
		st.idleNotified = true
		fireIdle = true
	}
	w.mu.Unlock()

	if fireReady {
		logging.Watcher("Session ready: %s", path)
		w.emit(Event{Kind: EventReady, Path: path})
	}
	if fireIdle {
		logging.Watcher("Session idle: %s", path)
		w.emit(Event{Kind: EventIdle, Path: path})
	}
}

// leafEntryID parses the session and returns its leaf entry, or "" when
// the file cannot be parsed yet.
func leafEntryID(path string) string {
	sess, err := session.Parse(path)
	if err != nil {
		logging.WatcherDebug("Cannot determine leaf for %s: %v", path, err)
		return ""
	}
	return sess.Leaf()
}

// emit delivers an event without ever blocking the watcher: on overflow
// the oldest buffered event is dropped and counted.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
		return
	default:
	}
	select {
	case <-w.events:
		w.overflow.Add(1)
	default:
	}
	select {
	case w.events <- ev:
	default:
		w.overflow.Add(1)
	}
}
