package coderev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/been-there-done-that/coderev/internal/adapter"
	"github.com/been-there-done-that/coderev/internal/embed"
	"github.com/been-there-done-that/coderev/internal/metrics"
	"github.com/been-there-done-that/coderev/internal/resolve"
	"github.com/been-there-done-that/coderev/internal/store"
)

// Resolution strategies.
const (
	StrategyTargeted = "targeted"
	StrategyFull     = "full"
)

// Metadata keys.
const (
	metaResolverVersion = "resolver_version"
	metaResolutionState = "resolution_state"
)

// maxFileSize bounds the files handed to adapters.
const maxFileSize = 1 << 20

// Engine orchestrates the pipeline: file discovery, change detection,
// extraction, local and global resolution, embeddings and query access.
type Engine struct {
	store    *store.Store
	registry *adapter.Registry
	embedder embed.Provider
	logger   *slog.Logger

	root     string
	repo     string
	workers  int
	strategy string
	maxNames int
	force    bool
	exclude  func(rel string) bool
	include  func(rel string) bool

	// mu guards pending, dirty and commits.
	mu sync.Mutex
	// pending accumulates what changed since the last global pass.
	pending *Invalidation
	// dirty is set once the store is marked as awaiting a global pass.
	dirty bool
	// commits counts file writes between beginCommit and endCommit.
	commits int
	// forceFull is set when the store was left unresolved by an earlier
	// process.
	forceFull bool

	// resolveMu serializes global passes.
	resolveMu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithRoot sets the repository root that relative paths resolve against.
func WithRoot(dir string) Option {
	return func(e *Engine) { e.root = dir }
}

// WithRepo sets the repository name used in symbol URIs. It defaults to the
// root directory's base name.
func WithRepo(name string) Option {
	return func(e *Engine) { e.repo = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithWorkers bounds concurrent extraction. Zero means one per CPU.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithStrategy selects targeted (default) or full global passes.
func WithStrategy(s string) Option {
	return func(e *Engine) { e.strategy = s }
}

// WithMaxTargetedNames sets how many changed names a targeted pass accepts
// before falling back to a full pass.
func WithMaxTargetedNames(n int) Option {
	return func(e *Engine) { e.maxNames = n }
}

// WithEmbedder enables embeddings for new symbols and semantic search.
func WithEmbedder(p embed.Provider) Option {
	return func(e *Engine) { e.embedder = p }
}

// WithAdapters replaces the default adapter registry.
func WithAdapters(r *adapter.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithForce re-extracts files even when their content hash is unchanged.
func WithForce(force bool) Option {
	return func(e *Engine) { e.force = force }
}

// WithExclude skips directories and files for which fn returns true.
func WithExclude(fn func(rel string) bool) Option {
	return func(e *Engine) { e.exclude = fn }
}

// WithInclude keeps only files for which fn returns true.
func WithInclude(fn func(rel string) bool) Option {
	return func(e *Engine) { e.include = fn }
}

// New opens (creating if needed) the SQLite graph at dbPath.
func New(dbPath string, opts ...Option) (*Engine, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("coderev: create database directory: %w", err)
		}
	}
	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("coderev: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("coderev: migrate: %w", err)
	}

	e := &Engine{
		store:    s,
		root:     ".",
		strategy: StrategyTargeted,
		maxNames: 256,
		exclude:  func(string) bool { return false },
		include:  func(string) bool { return true },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.registry == nil {
		e.registry = adapter.DefaultRegistry()
	}
	if e.workers <= 0 {
		e.workers = runtime.NumCPU()
	}
	if e.root, err = filepath.Abs(e.root); err != nil {
		s.Close()
		return nil, fmt.Errorf("coderev: resolve root: %w", err)
	}
	if e.repo == "" {
		e.repo = filepath.Base(e.root)
	}

	state, err := s.GetMetadata(metaResolutionState)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("coderev: %w", err)
	}
	e.forceFull = state == "dirty"
	return e, nil
}

// Close releases the Engine's database resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying Store for direct access.
func (e *Engine) Store() *Store {
	return e.store
}

// Root returns the absolute repository root.
func (e *Engine) Root() string {
	return e.root
}

// Repo returns the repository name used in URIs.
func (e *Engine) Repo() string {
	return e.repo
}

// Supported reports whether the file at the repo-relative path would be
// indexed: it has an adapter and passes the include and exclude filters.
func (e *Engine) Supported(rel string) bool {
	if _, ok := e.registry.For(rel); !ok {
		return false
	}
	return !e.excludedPath(rel) && e.include(rel)
}

// Excluded reports whether a repo-relative path is filtered out.
func (e *Engine) Excluded(rel string) bool {
	return e.excludedPath(rel)
}

func (e *Engine) excludedPath(rel string) bool {
	if e.exclude(rel) {
		return true
	}
	dir := rel
	for {
		i := strings.LastIndex(dir, "/")
		if i < 0 {
			return false
		}
		dir = dir[:i]
		if e.exclude(dir) {
			return true
		}
	}
}

// Query returns a new QueryBuilder wrapping the Store.
func (e *Engine) Query() *QueryBuilder {
	return &QueryBuilder{store: e.store, embedder: e.embedder, logger: e.logger}
}

// FileError records one file that could not be indexed.
type FileError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// IndexReport summarises one indexing call.
type IndexReport struct {
	RunID     string        `json:"run_id"`
	Indexed   int           `json:"indexed"`
	Fallback  int           `json:"fallback"`
	Unchanged int           `json:"unchanged"`
	Removed   int           `json:"removed"`
	Skipped   int           `json:"skipped"`
	Failed    []FileError   `json:"failed,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func newReport() *IndexReport {
	return &IndexReport{RunID: uuid.NewString()}
}

func (r *IndexReport) merge(o *IndexReport) {
	r.Indexed += o.Indexed
	r.Fallback += o.Fallback
	r.Unchanged += o.Unchanged
	r.Removed += o.Removed
	r.Skipped += o.Skipped
	r.Failed = append(r.Failed, o.Failed...)
}

// rel converts a path given by a caller into a repo-relative slash path.
func (e *Engine) rel(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, p)
	}
	rel, err := filepath.Rel(e.root, p)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", p, e.root)
	}
	return rel, nil
}

// IndexDirectory indexes every supported file under the root and removes
// files that were indexed before but are gone or now excluded. If the root
// is inside a git repository, git ls-files is used so .gitignore is
// respected; otherwise the tree is walked.
func (e *Engine) IndexDirectory(ctx context.Context) (*IndexReport, error) {
	start := time.Now()
	paths, err := e.gitListFiles(ctx)
	if err != nil {
		e.logger.Debug("git ls-files unavailable, walking", "error", err)
		paths, err = e.walkListFiles()
		if err != nil {
			return nil, err
		}
	}

	report, err := e.IndexFiles(ctx, paths)
	if err != nil {
		return nil, err
	}

	known, err := e.store.Files()
	if err != nil {
		return nil, fmt.Errorf("index directory: list files: %w", err)
	}
	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		present[p] = true
	}
	var gone []string
	for _, f := range known {
		if !present[f.Path] {
			gone = append(gone, f.Path)
		}
	}
	if len(gone) > 0 && ctx.Err() == nil {
		removed, err := e.RemoveFiles(ctx, gone)
		if err != nil {
			return nil, err
		}
		report.merge(removed)
	}
	report.Duration = time.Since(start)
	return report, nil
}

// gitListFiles lists tracked and untracked, non-ignored files under the root.
func (e *Engine) gitListFiles(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = e.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !e.Supported(line) {
			continue
		}
		// Deleted but still tracked.
		if _, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(line))); err != nil {
			continue
		}
		paths = append(paths, line)
	}
	sort.Strings(paths)
	return paths, nil
}

// walkListFiles walks the root, pruning hidden and excluded directories.
func (e *Engine) walkListFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(e.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := e.rel(p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && (strings.HasPrefix(d.Name(), ".") || e.exclude(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && e.Supported(rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// RemoveFiles drops files from the graph. A path naming a directory removes
// every indexed file below it. Unknown paths are ignored.
func (e *Engine) RemoveFiles(ctx context.Context, paths []string) (*IndexReport, error) {
	report := newReport()
	known, err := e.store.Files()
	if err != nil {
		return nil, fmt.Errorf("remove files: list files: %w", err)
	}
	var targets []string
	for _, p := range paths {
		rel, err := e.rel(p)
		if err != nil {
			report.Failed = append(report.Failed, FileError{Path: p, Err: err.Error()})
			continue
		}
		for _, f := range known {
			if f.Path == rel || strings.HasPrefix(f.Path, rel+"/") || rel == "." {
				targets = append(targets, f.Path)
			}
		}
	}
	sort.Strings(targets)

	for i, path := range targets {
		if i > 0 && targets[i-1] == path {
			continue
		}
		if ctx.Err() != nil {
			report.Skipped++
			continue
		}
		if err := e.beginCommit(); err != nil {
			return report, fmt.Errorf("remove files: %w", err)
		}
		rep, err := e.store.RemoveFile(context.WithoutCancel(ctx), path)
		e.endCommit(rep)
		if err != nil {
			e.logger.Warn("remove file failed", "path", path, "error", err)
			metrics.FilesIndexed.WithLabelValues("failed").Inc()
			report.Failed = append(report.Failed, FileError{Path: path, Err: err.Error()})
			continue
		}
		report.Removed++
		metrics.FilesIndexed.WithLabelValues("removed").Inc()
	}
	return report, nil
}

// Sync brings the graph in line with the tree: index, resolve, then embed.
func (e *Engine) Sync(ctx context.Context) (*IndexReport, *ResolveReport, error) {
	report, err := e.IndexDirectory(ctx)
	if err != nil {
		return nil, nil, err
	}
	res, err := e.Resolve(ctx)
	if err != nil {
		return report, nil, err
	}
	if _, err := e.Embed(ctx); err != nil {
		e.logger.Warn("embedding pass failed", "error", err)
	}
	return report, res, nil
}

// beginCommit must precede every file write. It marks the store dirty
// before anything is written, so a crash after the write and before the
// next global pass forces a full pass in the next process.
func (e *Engine) beginCommit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		if err := e.store.SetMetadata(metaResolutionState, "dirty"); err != nil {
			return fmt.Errorf("mark resolution state: %w", err)
		}
		e.dirty = true
	}
	e.commits++
	return nil
}

// endCommit records the outcome of a write started by beginCommit for the
// next global pass. r is nil when the write failed.
func (e *Engine) endCommit(r *store.Replacement) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commits--
	if r == nil {
		return
	}
	if e.pending == nil {
		e.pending = newInvalidation()
	}
	e.pending.add(r)
}

// ResolveReport summarises one global pass.
type ResolveReport struct {
	Full       bool          `json:"full"`
	References int           `json:"references"`
	Resolved   int           `json:"resolved"`
	Ambiguous  int           `json:"ambiguous"`
	Unresolved int           `json:"unresolved"`
	Duration   time.Duration `json:"duration"`
}

// Resolve runs the global pass over the references affected since the last
// pass, or over all of them when a full pass is required.
func (e *Engine) Resolve(ctx context.Context) (*ResolveReport, error) {
	e.resolveMu.Lock()
	defer e.resolveMu.Unlock()
	start := time.Now()

	e.mu.Lock()
	inv := e.pending
	e.pending = nil
	e.mu.Unlock()

	full, reason, err := e.needsFull(inv)
	if err != nil {
		e.restore(inv)
		return nil, err
	}
	if !full && inv.empty() {
		return &ResolveReport{}, nil
	}

	var scope store.ResolutionScope
	if full {
		e.logger.Debug("full resolution", "reason", reason)
		scope = store.ResolutionScope{Full: true}
	} else {
		scope = inv.scope()
	}

	snap, err := e.store.LoadResolutionSnapshot(ctx, scope)
	if err != nil {
		e.restore(inv)
		return nil, fmt.Errorf("resolve: %w", err)
	}
	outcomes := resolve.Resolve(snap)
	if err := e.store.ApplyResolution(context.WithoutCancel(ctx), outcomes, full); err != nil {
		e.restore(inv)
		return nil, fmt.Errorf("resolve: %w", err)
	}

	report := &ResolveReport{Full: full, References: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case store.RefResolved:
			report.Resolved++
		case store.RefAmbiguous:
			report.Ambiguous++
		default:
			report.Unresolved++
		}
		metrics.ObserveResolution(string(o.Status), o.Tier)
	}
	mode := "targeted"
	if full {
		mode = "full"
	}
	metrics.Since(metrics.ResolveDuration.WithLabelValues(mode), start)

	if err := e.markResolved(); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	e.logger.Info("resolved references", "mode", mode, "references", report.References,
		"resolved", report.Resolved, "ambiguous", report.Ambiguous, "unresolved", report.Unresolved)
	return report, nil
}

// needsFull decides between a targeted and a full pass.
func (e *Engine) needsFull(inv *Invalidation) (bool, string, error) {
	if e.strategy == StrategyFull {
		return true, "strategy", nil
	}
	version, err := e.store.GetMetadata(metaResolverVersion)
	if err != nil {
		return false, "", fmt.Errorf("resolve: %w", err)
	}
	switch {
	case version == "":
		return true, "first run", nil
	case version != store.SchemaVersion:
		return true, "resolver version changed", nil
	case e.forceFull:
		return true, "unfinished earlier run", nil
	case inv != nil && inv.Full:
		return true, "invalidation", nil
	case inv != nil && len(inv.Names) > e.maxNames:
		return true, "too many changed names", nil
	}
	return false, "", nil
}

func (e *Engine) markResolved() error {
	if err := e.store.SetMetadata(metaResolverVersion, store.SchemaVersion); err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceFull = false
	if e.pending != nil || e.commits > 0 {
		// Changes committed, or being committed, while this pass ran.
		return nil
	}
	e.dirty = false
	if err := e.store.SetMetadata(metaResolutionState, "clean"); err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	return nil
}

// restore puts an invalidation taken by a failed pass back.
func (e *Engine) restore(inv *Invalidation) {
	if inv == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		e.pending = inv
		return
	}
	e.pending.merge(inv)
}

// Embed generates vectors for symbols that lack one. Provider failures are
// logged and leave the symbol without a vector; after several consecutive
// failures the pass stops.
func (e *Engine) Embed(ctx context.Context) (int, error) {
	if e.embedder == nil {
		return 0, nil
	}
	const (
		batchSize   = 64
		maxFailures = 3
	)
	model := e.embedder.Model()
	after := ""
	done, failures := 0, 0
	for {
		syms, err := e.store.SymbolsMissingEmbeddings(model, after, batchSize)
		if err != nil {
			return done, fmt.Errorf("embed: %w", err)
		}
		if len(syms) == 0 {
			return done, nil
		}
		for _, sym := range syms {
			after = sym.URI
			if err := ctx.Err(); err != nil {
				return done, err
			}
			vec, err := e.embedder.Embed(ctx, embed.BuildText(sym))
			if err != nil {
				failures++
				e.logger.Warn("embedding failed", "uri", sym.URI, "error", err)
				if failures >= maxFailures {
					return done, fmt.Errorf("embed: giving up after %d failures: %w", failures, err)
				}
				continue
			}
			failures = 0
			if err := e.store.PutEmbedding(sym.URI, model, vec); err != nil {
				return done, fmt.Errorf("embed: %w", err)
			}
			done++
		}
	}
}

// errUnsupported marks files without an adapter.
var errUnsupported = errors.New("unsupported file")
