package coderev

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/been-there-done-that/coderev/internal/store"
)

// writeTree writes files (repo-relative path -> source) under root.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, src := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
}

func newTestEngine(t *testing.T, root string, opts ...Option) *Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithRoot(root), WithRepo("repo"), WithWorkers(2)}, opts...)
	e, err := New(dbPath, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func syncRepo(t *testing.T, e *Engine) (*IndexReport, *ResolveReport) {
	t.Helper()
	report, res, err := e.Sync(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	return report, res
}

// lookupOne resolves path#name to exactly one symbol URI.
func lookupOne(t *testing.T, e *Engine, ref string) string {
	t.Helper()
	syms, err := e.Query().Lookup(ref)
	require.NoError(t, err)
	require.Len(t, syms, 1, ref)
	return syms[0].URI
}

func graphDigest(t *testing.T, e *Engine) string {
	t.Helper()
	edges, err := e.Store().AllEdges()
	require.NoError(t, err)
	return store.EdgeDigest(edges)
}

func assertNoDangling(t *testing.T, e *Engine) {
	t.Helper()
	n, err := e.Store().DanglingEdgeCount()
	require.NoError(t, err)
	assert.Zero(t, n, "dangling edges")
}

var helperRepo = map[string]string{
	"a.py": "def helper():\n    return 1\n",
	"b.py": "from a import helper\n\n\ndef main():\n    helper()\n",
	"c.py": "def helper():\n    return 2\n",
}

func TestSync_ImportBindsAcrossFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	e := newTestEngine(t, root)

	report, res := syncRepo(t, e)
	assert.Equal(t, 3, report.Indexed)
	assert.True(t, res.Full, "first pass is full")

	q := e.Query()
	aHelper := lookupOne(t, e, "a.py#helper")
	cHelper := lookupOne(t, e, "c.py#helper")
	main := lookupOne(t, e, "b.py#main")

	callers, err := q.Callers(aHelper)
	require.NoError(t, err)
	require.Len(t, callers, 1)
	assert.Equal(t, main, callers[0].Symbol.URI)
	assert.InDelta(t, 0.95, callers[0].Confidence, 1e-9)
	assert.Equal(t, store.OriginGlobal, callers[0].Origin)

	callers, err = q.Callers(cHelper)
	require.NoError(t, err)
	assert.Empty(t, callers)

	callees, err := q.Callees(main)
	require.NoError(t, err)
	require.Len(t, callees, 1)
	assert.Equal(t, aHelper, callees[0].Symbol.URI)

	assertNoDangling(t, e)
}

func TestSync_SameDirectoryGoCalls(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"pkg/a.go": "package pkg\n\nfunc Run() {\n\tstep()\n}\n",
		"pkg/b.go": "package pkg\n\nfunc step() {}\n",
	})
	e := newTestEngine(t, root)
	syncRepo(t, e)

	callers, err := e.Query().Callers(lookupOne(t, e, "pkg/b.go#step"))
	require.NoError(t, err)
	require.Len(t, callers, 1)
	assert.Equal(t, "Run", callers[0].Symbol.Name)
	assert.InDelta(t, 0.8, callers[0].Confidence, 1e-9)
}

func TestIndexDirectory_SkipsUnchangedFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	e := newTestEngine(t, root)
	syncRepo(t, e)

	report, res := syncRepo(t, e)
	assert.Equal(t, 0, report.Indexed)
	assert.Equal(t, 3, report.Unchanged)
	assert.Equal(t, &ResolveReport{}, res, "nothing to resolve")
}

func TestIndexDirectory_RespectsExcludes(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"app.py":            "def run():\n    pass\n",
		"vendor/lib.py":     "def lib():\n    pass\n",
		".hidden/secret.py": "def s():\n    pass\n",
		"image.png":         "not code",
	})
	e := newTestEngine(t, root, WithExclude(func(rel string) bool { return rel == "vendor" }))
	syncRepo(t, e)

	files, err := e.Store().Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "app.py", files[0].Path)
}

func TestIndexFiles_SyntaxErrorFallsBackToChunker(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"broken.py": "def broken(:\n    return\n"})
	e := newTestEngine(t, root)

	report, err := e.IndexFiles(context.Background(), []string{"broken.py"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fallback)
	assert.Equal(t, 0, report.Indexed)

	f, err := e.Store().FileByPath("broken.py")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, store.FileFallback, f.Status)
	assert.Equal(t, "python", f.Language)
	assert.Contains(t, f.Error, "syntax error")

	syms, err := e.Store().SymbolsByPath("broken.py")
	require.NoError(t, err)
	require.NotEmpty(t, syms)
	for _, s := range syms {
		assert.Equal(t, store.KindDocument, s.Kind)
	}
}

func TestIndexFiles_SkipsUnsupportedAndOutsideRoot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"image.png": "x"})
	e := newTestEngine(t, root)

	report, err := e.IndexFiles(context.Background(), []string{"image.png", "../elsewhere.py"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "../elsewhere.py", report.Failed[0].Path)
}

func TestIndexFiles_CancelledContextCommitsNothing(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	e := newTestEngine(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.IndexFiles(ctx, []string{"a.py", "b.py", "c.py"})
	require.ErrorIs(t, err, context.Canceled)

	files, err := e.Store().Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRemoveFiles_DirectoryPrefix(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"pkg/x.py":    "def x():\n    pass\n",
		"pkg/y.py":    "def y():\n    pass\n",
		"pkgextra.py": "def z():\n    pass\n",
	})
	e := newTestEngine(t, root)
	syncRepo(t, e)

	report, err := e.RemoveFiles(context.Background(), []string{"pkg", "missing.py"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Removed)

	files, err := e.Store().Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "pkgextra.py", files[0].Path)
}

func TestResolve_DeletedTargetRebinds(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	e := newTestEngine(t, root)
	syncRepo(t, e)

	require.NoError(t, os.Remove(filepath.Join(root, "a.py")))
	report, res := syncRepo(t, e)
	assert.Equal(t, 1, report.Removed)
	assert.False(t, res.Full)
	assertNoDangling(t, e)

	// With a.py gone the import no longer binds, so the same-directory
	// helper in c.py takes over.
	callees, err := e.Query().Callees(lookupOne(t, e, "b.py#main"))
	require.NoError(t, err)
	require.Len(t, callees, 1)
	assert.Equal(t, lookupOne(t, e, "c.py#helper"), callees[0].Symbol.URI)
	assert.InDelta(t, 0.8, callees[0].Confidence, 1e-9)

	syms, err := e.Store().SymbolsByPath("a.py")
	require.NoError(t, err)
	assert.Empty(t, syms)
}

func TestResolve_TargetedMatchesFull(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.py":       "def helper():\n    return 1\n\n\ndef unused():\n    pass\n",
		"b.py":       "from a import helper\nimport lib.util as u\n\n\ndef main():\n    helper()\n    u.fmt()\n    shared()\n",
		"c.py":       "def helper():\n    return 2\n",
		"lib/x.py":   "def shared():\n    pass\n",
		"lib/y.py":   "class Base:\n    pass\n\n\nclass Child(Base):\n    def go(self):\n        shared()\n",
		"lib/util.py": "def fmt():\n    pass\n",
	})
	e := newTestEngine(t, root)
	syncRepo(t, e)

	// Rename, add, delete and re-point across the tree.
	writeTree(t, root, map[string]string{
		"a.py":     "def helper2():\n    return 1\n",
		"d.py":     "def shared():\n    pass\n",
		"lib/z.py": "def fmt():\n    pass\n",
	})
	require.NoError(t, os.Remove(filepath.Join(root, "lib/x.py")))
	require.NoError(t, os.Remove(filepath.Join(root, "lib/util.py")))

	_, res := syncRepo(t, e)
	assert.False(t, res.Full, "incremental pass stays targeted")
	assertNoDangling(t, e)

	fresh := newTestEngine(t, root, WithStrategy(StrategyFull))
	_, fullRes := syncRepo(t, fresh)
	assert.True(t, fullRes.Full)

	assert.Equal(t, graphDigest(t, fresh), graphDigest(t, e))
}

func TestResolve_DeterministicAcrossRuns(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"x/a.py": "def dup():\n    pass\n",
		"y/b.py": "def dup():\n    pass\n",
		"z/c.py": "def caller():\n    dup()\n",
	})
	first := newTestEngine(t, root, WithWorkers(1))
	syncRepo(t, first)
	second := newTestEngine(t, root, WithWorkers(8))
	syncRepo(t, second)
	assert.Equal(t, graphDigest(t, first), graphDigest(t, second))

	stats, err := first.Query().Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Refs.Ambiguous)
}

func TestResolve_TooManyNamesFallsBackToFull(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	e := newTestEngine(t, root, WithMaxTargetedNames(1))
	syncRepo(t, e)

	writeTree(t, root, map[string]string{"c.py": "def one():\n    pass\n\n\ndef two():\n    pass\n"})
	_, res := syncRepo(t, e)
	assert.True(t, res.Full)
}

func TestResolve_UnfinishedRunForcesFull(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	open := func() *Engine {
		e, err := New(dbPath, WithRoot(root), WithRepo("repo"))
		require.NoError(t, err)
		return e
	}

	e := open()
	syncRepo(t, e)
	writeTree(t, root, map[string]string{"c.py": "def other():\n    pass\n"})
	_, err := e.IndexDirectory(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = open()
	defer e.Close()
	res, err := e.Resolve(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Full)

	state, err := e.Store().GetMetadata(metaResolutionState)
	require.NoError(t, err)
	assert.Equal(t, "clean", state)
}

func TestEmbed_FillsMissingVectors(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	fake := &fakeEmbedder{}
	e := newTestEngine(t, root, WithEmbedder(fake))
	syncRepo(t, e)

	stats, err := e.Query().Stats()
	require.NoError(t, err)
	assert.Equal(t, stats.Symbols, stats.Embeddings)

	n, err := e.Embed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to embed")
}

func TestEmbed_StopsAfterRepeatedFailures(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	e := newTestEngine(t, root, WithEmbedder(&fakeEmbedder{fail: true}))

	_, err := e.IndexDirectory(context.Background())
	require.NoError(t, err)
	n, err := e.Embed(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestEngine_SupportedAndExcluded(t *testing.T) {
	e := newTestEngine(t, t.TempDir(), WithExclude(func(rel string) bool { return rel == "node_modules" }))
	assert.True(t, e.Supported("src/app.js"))
	assert.True(t, e.Supported("README.md"))
	assert.False(t, e.Supported("image.png"))
	assert.False(t, e.Supported("node_modules/x/index.js"))
	assert.True(t, e.Excluded("node_modules/x"))
	assert.Equal(t, "repo", e.Repo())
}

func TestResolve_DirtyBeforeWriteSurvivesCrash(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	e, err := New(dbPath, WithRoot(root), WithRepo("repo"))
	require.NoError(t, err)
	syncRepo(t, e)

	// A process that dies right after its write has already marked the
	// store dirty.
	require.NoError(t, e.beginCommit())
	state, err := e.Store().GetMetadata(metaResolutionState)
	require.NoError(t, err)
	assert.Equal(t, "dirty", state)

	// A pass finishing while the write is in flight leaves the mark.
	require.NoError(t, e.markResolved())
	state, err = e.Store().GetMetadata(metaResolutionState)
	require.NoError(t, err)
	assert.Equal(t, "dirty", state)
	require.NoError(t, e.Close())

	e, err = New(dbPath, WithRoot(root), WithRepo("repo"))
	require.NoError(t, err)
	defer e.Close()
	res, err := e.Resolve(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Full)
}

func TestResolve_FailedWriteKeepsNothingPending(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	e := newTestEngine(t, root)
	syncRepo(t, e)

	require.NoError(t, e.beginCommit())
	e.endCommit(nil)
	require.NoError(t, e.markResolved())

	state, err := e.Store().GetMetadata(metaResolutionState)
	require.NoError(t, err)
	assert.Equal(t, "clean", state)
	res, err := e.Resolve(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.References)
}
