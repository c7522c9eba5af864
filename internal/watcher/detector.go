// Package watcher turns raw filesystem events into settled mutation events:
// rapid successive writes to one path coalesce into a single notification
// once the path stays quiet for the debounce window.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kingrea/loom/internal/logging"
)

// Kind classifies a settled mutation.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Mutation is one settled change notification.
type Mutation struct {
	Path string    `json:"path"`
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
}

// Detector watches a vault directory and emits settled mutations.
type Detector struct {
	vault   string
	window  time.Duration
	exclude []string
	logger  logging.Sink
	clock   func() time.Time

	out chan Mutation

	mu      sync.Mutex
	pending map[string]*pendingChange
	closed  bool
}

type pendingChange struct {
	kind  Kind
	timer *time.Timer
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithLogger injects the activity log sink.
func WithLogger(logger logging.Sink) DetectorOption {
	return func(d *Detector) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock injects a deterministic clock for mutation timestamps.
func WithClock(clock func() time.Time) DetectorOption {
	return func(d *Detector) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// New creates a detector for the vault with the given quiet window and
// exclusion globs.
func New(vault string, window time.Duration, exclude []string, opts ...DetectorOption) *Detector {
	d := &Detector{
		vault:   filepath.Clean(vault),
		window:  window,
		exclude: exclude,
		logger:  logging.Discard{},
		clock:   time.Now,
		out:     make(chan Mutation, 128),
		pending: map[string]*pendingChange{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Events returns the settled mutation stream.
func (d *Detector) Events() <-chan Mutation {
	return d.out
}

// Trigger enqueues a settled mutation directly, the deterministic path for
// callers that bypass the watcher.
func (d *Detector) Trigger(relPath string, kind Kind) {
	d.emit(Mutation{Path: filepath.ToSlash(relPath), Kind: kind, At: d.clock()})
}

// Run watches the vault until ctx is cancelled. It blocks.
func (d *Detector) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := d.watchTree(fsw, d.vault); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			d.drainTimers()
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			d.handle(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			d.logger.Printf("watcher: fsnotify error: %v", err)
		}
	}
}

// watchTree registers the directory and every non-excluded subdirectory.
// fsnotify watches are not recursive.
func (d *Detector) watchTree(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		rel := d.rel(p)
		if rel != "." && (strings.HasPrefix(entry.Name(), ".") || d.excluded(rel)) {
			return filepath.SkipDir
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("watcher: watch %s: %w", p, err)
		}
		return nil
	})
}

func (d *Detector) handle(fsw *fsnotify.Watcher, event fsnotify.Event) {
	rel := d.rel(event.Name)
	if rel == "." || d.excluded(rel) {
		return
	}
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := d.watchTree(fsw, event.Name); err != nil {
				d.logger.Printf("watcher: watch new directory %s: %v", rel, err)
			}
			return
		}
	}
	if !strings.HasSuffix(rel, ".md") {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		d.observe(rel, KindDeleted)
	case event.Op.Has(fsnotify.Create):
		d.observe(rel, KindCreated)
	case event.Op.Has(fsnotify.Write):
		d.observe(rel, KindUpdated)
	}
}

// observe records a raw change and (re)arms the quiet-window timer. Kinds
// coalesce so a create followed by partial writes settles as one created
// event; whatever arrives last otherwise wins.
func (d *Detector) observe(rel string, kind Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if change, exists := d.pending[rel]; exists {
		if !(change.kind == KindCreated && kind == KindUpdated) {
			change.kind = kind
		}
		change.timer.Reset(d.window)
		return
	}
	change := &pendingChange{kind: kind}
	change.timer = time.AfterFunc(d.window, func() { d.settle(rel) })
	d.pending[rel] = change
}

// settle fires after the quiet window: the mutation is checked against the
// live filesystem so a path deleted mid-burst settles as deleted.
func (d *Detector) settle(rel string) {
	d.mu.Lock()
	change, exists := d.pending[rel]
	if !exists {
		d.mu.Unlock()
		return
	}
	delete(d.pending, rel)
	d.mu.Unlock()
	kind := change.kind
	if _, err := os.Stat(filepath.Join(d.vault, filepath.FromSlash(rel))); err != nil {
		kind = KindDeleted
	} else if kind == KindDeleted {
		kind = KindUpdated
	}
	d.emit(Mutation{Path: rel, Kind: kind, At: d.clock()})
}

func (d *Detector) emit(m Mutation) {
	select {
	case d.out <- m:
	default:
		d.logger.Printf("watcher: dropped settled mutation for %s (queue full)", m.Path)
	}
}

func (d *Detector) drainTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for rel, change := range d.pending {
		change.timer.Stop()
		delete(d.pending, rel)
	}
}

func (d *Detector) rel(abs string) string {
	rel, err := filepath.Rel(d.vault, abs)
	if err != nil {
		return "."
	}
	return filepath.ToSlash(rel)
}

func (d *Detector) excluded(rel string) bool {
	for _, pattern := range d.exclude {
		if matchGlob(pattern, rel) {
			return true
		}
	}
	return false
}

// matchGlob supports the three pattern shapes the config uses: "dir/**"
// prefixes, "**/name" suffixes, and plain path.Match patterns.
func matchGlob(pattern, rel string) bool {
	switch {
	case strings.HasSuffix(pattern, "/**"):
		prefix := strings.TrimSuffix(pattern, "/**")
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	case strings.HasPrefix(pattern, "**/"):
		suffix := strings.TrimPrefix(pattern, "**/")
		ok, err := path.Match(suffix, path.Base(rel))
		return err == nil && ok
	default:
		ok, err := path.Match(pattern, rel)
		return err == nil && ok
	}
}
