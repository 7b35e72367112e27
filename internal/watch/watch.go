// Package watch turns file-system notifications under a repository root into
// debounced batches of changed and vanished files.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Batch is one debounced set of changes. Paths are repo-relative with
// forward slashes, sorted.
type Batch struct {
	Changed []string
	Removed []string
	// Rescan asks for the whole tree to be re-indexed. It is set for the
	// initial scan and after the event queue overflowed, when the paths
	// alone are not a complete account of what changed.
	Rescan bool
}

func (b Batch) Empty() bool { return !b.Rescan && len(b.Changed) == 0 && len(b.Removed) == 0 }

// Handler processes a batch. It runs on the watcher's goroutine, so no two
// batches overlap.
type Handler func(ctx context.Context, b Batch)

type Options struct {
	Debounce time.Duration
	// Ignore drops directories and files by repo-relative path.
	Ignore func(rel string) bool
	// Accept keeps only files the indexer can handle. Nil accepts all.
	Accept func(rel string) bool
	// InitialScan delivers a Rescan batch once the watches are registered,
	// so nothing written during the scan is missed.
	InitialScan bool
	Logger      *slog.Logger
}

type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	handler Handler
	opts    Options
	logger  *slog.Logger

	changes chan string
	rescan  chan struct{}
}

// New creates a watcher for root. Call Run to start it.
func New(root string, handler Handler, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 300 * time.Millisecond
	}
	if opts.Ignore == nil {
		opts.Ignore = func(string) bool { return false }
	}
	if opts.Accept == nil {
		opts.Accept = func(string) bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		root:    abs,
		fsw:     fsw,
		handler: handler,
		opts:    opts,
		logger:  logger,
		changes: make(chan string, 1024),
		rescan:  make(chan struct{}, 1),
	}, nil
}

// Run watches until ctx is cancelled. Cancellation stops event intake and
// returns once the batch being handled, if any, has finished. Changes still
// waiting for their debounce window are dropped.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	go w.processEvents(intakeCtx)

	if w.opts.InitialScan {
		w.handler(ctx, Batch{Rescan: true})
	}

	var (
		pending []string
		rescan  bool
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.opts.Debounce)
			timerC = timer.C
		} else {
			timer.Reset(w.opts.Debounce)
		}
	}
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			if len(pending) > 0 {
				w.logger.Debug("watch stopped with pending changes", "count", len(pending))
			}
			return nil
		case rel := <-w.changes:
			pending = append(pending, rel)
			arm()
		case <-w.rescan:
			rescan = true
			arm()
		case <-timerC:
			timer, timerC = nil, nil
			batch := w.split(dedupe(pending))
			batch.Rescan = rescan
			pending, rescan = nil, false
			if !batch.Empty() {
				w.handler(ctx, batch)
			}
		}
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			rel, ok := w.rel(event.Name)
			if !ok || w.opts.Ignore(rel) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					// Files created before the watch was registered get no
					// events of their own.
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("watch new directory", "path", rel, "error", err)
					}
					w.emitTree(ctx, event.Name)
					continue
				}
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			w.emit(ctx, rel)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.handleError(err)
		}
	}
}

// handleError logs a watcher error. An overflow means events were dropped,
// so a full rescan is scheduled.
func (w *Watcher) handleError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.logger.Warn("watch event queue overflowed, rescanning", "error", err)
		w.requestRescan()
		return
	}
	w.logger.Warn("watch error", "error", err)
}

func (w *Watcher) requestRescan() {
	select {
	case w.rescan <- struct{}{}:
	default:
	}
}

func (w *Watcher) emit(ctx context.Context, rel string) {
	select {
	case w.changes <- rel:
	case <-ctx.Done():
	}
}

func (w *Watcher) emitTree(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := w.rel(p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if p != dir && w.opts.Ignore(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		w.emit(ctx, rel)
		return nil
	})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(p); ok && rel != "." && w.opts.Ignore(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) rel(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return rel, true
}

// split sorts deduplicated paths into files to re-index and paths that no
// longer exist. Directories that still exist and unsupported files are
// dropped. Whether a change is a no-op is left to the indexer's hash check.
func (w *Watcher) split(paths []string) Batch {
	var b Batch
	for _, rel := range paths {
		info, err := os.Stat(filepath.Join(w.root, filepath.FromSlash(rel)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			b.Removed = append(b.Removed, rel)
		case err != nil:
			w.logger.Warn("watch stat", "path", rel, "error", err)
		case info.Mode().IsRegular() && w.opts.Accept(rel):
			b.Changed = append(b.Changed, rel)
		}
	}
	sort.Strings(b.Changed)
	sort.Strings(b.Removed)
	return b
}

// dedupe keeps the first occurrence of each path.
func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0:0]
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
