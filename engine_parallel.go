package coderev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/been-there-done-that/coderev/internal/adapter"
	"github.com/been-there-done-that/coderev/internal/metrics"
	"github.com/been-there-done-that/coderev/internal/resolve"
	"github.com/been-there-done-that/coderev/internal/store"
)

// workItem holds everything an extraction worker needs for one file.
type workItem struct {
	path    string
	src     []byte
	hash    string
	adapter adapter.Adapter
}

// extracted is a worker's output, ready to commit.
type extracted struct {
	item  workItem
	batch *store.FileBatch
	err   error
}

// IndexFiles indexes the given files (repo-relative or absolute under the
// root) in three phases:
//
//	Phase A (serial):   read, hash and skip unchanged or unsupported files.
//	Phase B (parallel): extract and localize on an errgroup worker pool.
//	Phase C (serial):   commit each file in its own transaction, in the
//	                    calling goroutine.
//
// Per-file failures are collected in the report; the run continues. Once ctx
// is cancelled no new commit starts, and a commit already running finishes.
func (e *Engine) IndexFiles(ctx context.Context, paths []string) (*IndexReport, error) {
	start := time.Now()
	report := newReport()
	defer func() { metrics.Since(metrics.IndexDuration, start) }()

	// ---- Phase A: serial preparation ----
	var items []workItem
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		item, err := e.prepareFile(p)
		switch {
		case errors.Is(err, errUnsupported):
			report.Skipped++
			continue
		case err != nil:
			e.fail(report, p, err)
			continue
		case item == nil:
			report.Unchanged++
			metrics.FilesIndexed.WithLabelValues("unchanged").Inc()
			continue
		}
		if seen[item.path] {
			continue
		}
		seen[item.path] = true
		items = append(items, *item)
	}
	if len(items) == 0 {
		report.Duration = time.Since(start)
		return report, nil
	}

	// ---- Phase B: parallel extraction ----
	results := make(chan extracted, e.workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	go func() {
		for _, item := range items {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				batch, err := e.extractFile(gctx, item)
				results <- extracted{item: item, batch: batch, err: err}
				return nil
			})
		}
		g.Wait()
		close(results)
	}()

	// ---- Phase C: serial commit ----
	committed := 0
	for res := range results {
		committed++
		if ctx.Err() != nil {
			report.Skipped++
			continue
		}
		if res.err != nil {
			e.fail(report, res.item.path, res.err)
			continue
		}
		if err := e.beginCommit(); err != nil {
			e.fail(report, res.item.path, err)
			continue
		}
		rep, err := e.store.ReplaceFile(context.WithoutCancel(ctx), res.batch)
		e.endCommit(rep)
		if err != nil {
			e.fail(report, res.item.path, err)
			continue
		}
		if res.batch.File.Status == store.FileFallback {
			report.Fallback++
		} else {
			report.Indexed++
		}
		metrics.FilesIndexed.WithLabelValues(res.batch.File.Status).Inc()
	}
	report.Skipped += len(items) - committed
	report.Duration = time.Since(start)

	e.logger.Info("indexed files", "run_id", report.RunID, "indexed", report.Indexed,
		"fallback", report.Fallback, "unchanged", report.Unchanged, "failed", len(report.Failed),
		"duration", report.Duration)
	return report, ctx.Err()
}

func (e *Engine) fail(report *IndexReport, path string, err error) {
	e.logger.Warn("index file failed", "path", path, "error", err)
	metrics.FilesIndexed.WithLabelValues("failed").Inc()
	report.Failed = append(report.Failed, FileError{Path: path, Err: err.Error()})
}

// prepareFile does Phase A work for one file. It returns nil, nil when the
// file is unchanged.
func (e *Engine) prepareFile(p string) (*workItem, error) {
	rel, err := e.rel(p)
	if err != nil {
		return nil, err
	}
	a, ok := e.registry.For(rel)
	if !ok || e.excludedPath(rel) || !e.include(rel) {
		return nil, errUnsupported
	}

	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, errUnsupported
	}
	if info.Size() > maxFileSize {
		e.logger.Debug("skipping large file", "path", rel, "size", info.Size())
		return nil, errUnsupported
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	hash := store.ContentHash(src)

	if !e.force {
		existing, err := e.store.FileByPath(rel)
		if err != nil {
			return nil, fmt.Errorf("lookup file: %w", err)
		}
		if existing != nil && existing.Hash == hash {
			return nil, nil
		}
	}
	return &workItem{path: rel, src: src, hash: hash, adapter: a}, nil
}

// extractFile runs the adapter and the local resolver. A code adapter that
// fails hands the file to the document chunker, and the file is recorded
// with status fallback.
func (e *Engine) extractFile(ctx context.Context, item workItem) (*store.FileBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := item.adapter
	status, errText := store.FileOK, ""

	res, err := a.Extract(ctx, item.path, item.src)
	if err == nil {
		err = res.Validate()
	}
	if err != nil {
		fallback := e.registry.Fallback()
		if a == fallback || ctx.Err() != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
		e.logger.Warn("adapter failed, chunking as document", "path", item.path, "language", a.Language(), "error", err)
		status, errText = store.FileFallback, err.Error()
		a = fallback
		if res, err = a.Extract(ctx, item.path, item.src); err != nil {
			return nil, fmt.Errorf("extract: %w", err)
		}
	}

	batch := resolve.Localize(e.repo, item.path, res)
	batch.File.Language = item.adapter.Language()
	batch.File.Hash = item.hash
	batch.File.LastIndexed = time.Now().UTC()
	batch.File.Status = status
	batch.File.Error = errText
	return batch, nil
}
