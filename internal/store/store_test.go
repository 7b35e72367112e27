package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return s
}

func testURI(path string, kind Kind, name string, line int) string {
	return FormatURI("repo", path, kind, name, line)
}

// testBatch builds a batch with a namespace symbol plus one callable per name.
func testBatch(path string, names ...string) *FileBatch {
	ns := testURI(path, KindNamespace, filepath.Base(path), 1)
	b := &FileBatch{
		File: File{Path: path, Language: "python", Module: path, Hash: "h-" + path, LastIndexed: time.Now().Truncate(time.Second)},
		Symbols: []Symbol{{
			URI: ns, Kind: KindNamespace, Name: filepath.Base(path), Path: path, LineStart: 1, LineEnd: 100,
		}},
	}
	for i, name := range names {
		uri := testURI(path, KindCallable, name, i+2)
		b.Symbols = append(b.Symbols, Symbol{URI: uri, Kind: KindCallable, Name: name, Path: path, LineStart: i + 2, LineEnd: i + 2})
		b.Edges = append(b.Edges, Edge{FromURI: ns, ToURI: uri, Kind: EdgeDefines, Confidence: 1, Origin: OriginLocal})
	}
	return b
}

func replace(t *testing.T, s *Store, b *FileBatch) *Replacement {
	t.Helper()
	r, err := s.ReplaceFile(context.Background(), b)
	require.NoError(t, err)
	return r
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// =============================================================================
// Schema & URIs
// =============================================================================

func TestMigrate_AllTablesExist(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, table := range []string{"files", "symbols", "edges", "unresolved_refs", "imports", "embeddings", "metadata"} {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
	// Idempotent.
	require.NoError(t, s.Migrate())
}

func TestURI_RoundTrip(t *testing.T) {
	t.Parallel()
	u := URI{Repo: "myrepo", Path: "src/auth.py", Kind: KindCallable, Name: "validate_token", Line: 42}
	assert.Equal(t, "codescope://myrepo/src/auth.py#callable:validate_token@42", u.String())

	parsed, err := ParseURI(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, parsed)
}

func TestParseURI_Errors(t *testing.T) {
	t.Parallel()
	for _, bad := range []string{
		"http://repo/a.py#callable:f@1",
		"codescope://repo/a.py",
		"codescope://repo#callable:f@1",
		"codescope://repo/a.py#callable:f",
		"codescope://repo/a.py#callable:f@x",
		"codescope://repo/a.py#widget:f@1",
	} {
		_, err := ParseURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseKind_Aliases(t *testing.T) {
	t.Parallel()
	cases := map[string]Kind{
		"class": KindContainer, "Struct": KindContainer, "function": KindCallable,
		"method": KindCallable, "module": KindNamespace, "variable": KindValue,
		"chunk": KindDocument, "callable": KindCallable,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseKind("widget")
	assert.Error(t, err)
}

// =============================================================================
// ReplaceFile / RemoveFile
// =============================================================================

func TestReplaceFile_InsertAndReplace(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	r := replace(t, s, testBatch("a.py", "f", "g"))
	assert.True(t, r.Created)
	assert.Len(t, r.Added, 3)
	assert.Empty(t, r.Removed)

	r = replace(t, s, testBatch("a.py", "f", "h"))
	assert.False(t, r.Created)
	assert.Equal(t, []string{testURI("a.py", KindCallable, "h", 3)}, r.Added)
	assert.Equal(t, []string{testURI("a.py", KindCallable, "g", 3)}, r.Removed)

	syms, err := s.SymbolsByPath("a.py")
	require.NoError(t, err)
	var names []string
	for _, sym := range syms {
		names = append(names, sym.Name)
	}
	assert.Equal(t, []string{"a.py", "f", "h"}, names)
	assert.Equal(t, 2, countRows(t, s, "edges"))

	f, err := s.FileByPath("a.py")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "h-a.py", f.Hash)
	assert.Equal(t, FileOK, f.Status)
}

func TestReplaceFile_RejectsCrossFileEdge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	b := testBatch("a.py", "f")
	b.Edges = append(b.Edges, Edge{FromURI: b.Symbols[1].URI, ToURI: testURI("b.py", KindCallable, "g", 2), Kind: EdgeCalls, Confidence: 1})
	_, err := s.ReplaceFile(context.Background(), b)
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, s, "files"))
}

func TestReplaceFile_FailureKeepsPreviousState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	replace(t, s, testBatch("a.py", "f", "g"))

	// Abort the transaction after the old rows were deleted.
	_, err := s.DB().Exec(`CREATE TRIGGER boom BEFORE INSERT ON imports
		WHEN NEW.namespace = 'boom' BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)

	b := testBatch("a.py", "x")
	b.File.Hash = "new"
	b.Imports = []Import{{Namespace: "boom"}}
	_, err = s.ReplaceFile(context.Background(), b)
	require.Error(t, err)

	syms, err := s.SymbolsByPath("a.py")
	require.NoError(t, err)
	require.Len(t, syms, 3)
	assert.Equal(t, "f", syms[1].Name)
	assert.Equal(t, "g", syms[2].Name)
	f, err := s.FileByPath("a.py")
	require.NoError(t, err)
	assert.Equal(t, "h-a.py", f.Hash)
	assert.Equal(t, 2, countRows(t, s, "edges"))
}

func TestReplaceFile_ResetsInboundReferences(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	replace(t, s, testBatch("a.py", "helper"))
	b := testBatch("b.py", "main")
	b.Refs = []ResidualRef{{FromURI: b.Symbols[1].URI, Name: "helper", Kind: RefCall, Line: 2}}
	replace(t, s, b)

	refs, err := s.RefsByPath("b.py")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	target := testURI("a.py", KindCallable, "helper", 2)
	require.NoError(t, s.ApplyResolution(ctx, []Outcome{{
		RefID: refs[0].ID, FromURI: refs[0].FromURI, Status: RefResolved, TargetURI: target, Tier: 3, Candidates: 1, Confidence: 0.5,
	}}, false))

	in, err := s.EdgesTo(target, EdgeCalls)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, OriginGlobal, in[0].Origin)

	// Re-extracting a.py drops the inbound edge and re-queues the reference.
	replace(t, s, testBatch("a.py", "helper"))
	in, err = s.EdgesTo(target, EdgeCalls)
	require.NoError(t, err)
	assert.Empty(t, in)

	refs, err = s.RefsByPath("b.py")
	require.NoError(t, err)
	assert.Equal(t, RefPending, refs[0].Status)
	assert.Empty(t, refs[0].TargetURI)
}

func TestRemoveFile_RemovesEverything(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	b := testBatch("a.py", "f")
	b.Imports = []Import{{Namespace: "os", Line: 1}}
	b.Refs = []ResidualRef{{FromURI: b.Symbols[1].URI, Name: "print", Kind: RefCall, Line: 2}}
	replace(t, s, b)
	require.NoError(t, s.PutEmbedding(b.Symbols[1].URI, "m", []float32{1, 2}))

	r, err := s.RemoveFile(ctx, "a.py")
	require.NoError(t, err)
	assert.Len(t, r.Removed, 2)

	for _, table := range []string{"files", "symbols", "edges", "unresolved_refs", "imports", "embeddings"} {
		assert.Equal(t, 0, countRows(t, s, table), table)
	}

	// Unknown path is a no-op.
	r, err = s.RemoveFile(ctx, "missing.py")
	require.NoError(t, err)
	assert.Empty(t, r.Removed)
}

func TestReplaceFile_SamePathWritersSerialize(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			names := []string{fmt.Sprintf("f%d", i), fmt.Sprintf("g%d", i)}
			_, err := s.ReplaceFile(context.Background(), testBatch("same.py", names...))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Exactly one writer's complete state survives.
	syms, err := s.SymbolsByPath("same.py")
	require.NoError(t, err)
	require.Len(t, syms, 3)
	assert.Equal(t, syms[1].Name[1:], syms[2].Name[1:])
	assert.Equal(t, 2, countRows(t, s, "edges"))
}

// =============================================================================
// Resolution I/O
// =============================================================================

func TestApplyResolution_MaxConfidenceAndNoDangling(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	replace(t, s, testBatch("a.py", "helper"))
	b := testBatch("b.py", "main")
	from := b.Symbols[1].URI
	b.Refs = []ResidualRef{
		{FromURI: from, Name: "helper", Kind: RefCall, Line: 3},
		{FromURI: from, Name: "helper", Kind: RefCall, Line: 4},
		{FromURI: from, Name: "gone", Kind: RefCall, Line: 5},
	}
	replace(t, s, b)
	refs, err := s.RefsByPath("b.py")
	require.NoError(t, err)
	require.Len(t, refs, 3)

	target := testURI("a.py", KindCallable, "helper", 2)
	outcomes := []Outcome{
		{RefID: refs[0].ID, FromURI: from, Status: RefResolved, TargetURI: target, Tier: 1, Candidates: 1, Confidence: 0.95},
		{RefID: refs[1].ID, FromURI: from, Status: RefAmbiguous, TargetURI: target, Tier: 3, Candidates: 2, Confidence: 0.3},
		{RefID: refs[2].ID, FromURI: from, Status: RefResolved, TargetURI: testURI("z.py", KindCallable, "gone", 1), Tier: 3, Candidates: 1, Confidence: 0.5},
	}
	require.NoError(t, s.ApplyResolution(ctx, outcomes, false))

	out, err := s.EdgesFrom(from, EdgeCalls)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, target, out[0].ToURI)
	assert.InDelta(t, 0.95, out[0].Confidence, 1e-9)

	n, err := s.DanglingEdgeCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	// The reference pointing at a missing symbol is sent back to pending.
	refs, err = s.RefsByPath("b.py")
	require.NoError(t, err)
	assert.Equal(t, RefPending, refs[2].Status)
}

func TestApplyResolution_FullRebuildIsStable(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	replace(t, s, testBatch("a.py", "helper"))
	b := testBatch("b.py", "main")
	b.Refs = []ResidualRef{{FromURI: b.Symbols[1].URI, Name: "helper", Kind: RefCall, Line: 3}}
	replace(t, s, b)
	refs, err := s.RefsByPath("b.py")
	require.NoError(t, err)

	o := []Outcome{{RefID: refs[0].ID, FromURI: refs[0].FromURI, Status: RefResolved,
		TargetURI: testURI("a.py", KindCallable, "helper", 2), Tier: 1, Candidates: 1, Confidence: 0.95}}
	require.NoError(t, s.ApplyResolution(ctx, o, true))
	first, err := s.AllEdges()
	require.NoError(t, err)
	require.NoError(t, s.ApplyResolution(ctx, o, true))
	second, err := s.AllEdges()
	require.NoError(t, err)
	assert.Equal(t, EdgeDigest(first), EdgeDigest(second))
	assert.Len(t, second, 3)
}

func TestLoadResolutionSnapshot_Scopes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	replace(t, s, testBatch("a.py", "helper"))
	b := testBatch("b.py", "main")
	from := b.Symbols[1].URI
	b.Imports = []Import{{Namespace: "a", Name: "helper", Alias: "h", Line: 1}}
	b.Refs = []ResidualRef{
		{FromURI: from, Name: "h", Kind: RefCall, Line: 3},
		{FromURI: from, Name: "other", Kind: RefCall, Line: 4},
		{FromURI: b.Symbols[0].URI, Name: "a", Kind: RefImport, Line: 1},
	}
	replace(t, s, b)
	refs, err := s.RefsByPath("b.py")
	require.NoError(t, err)
	var done []Outcome
	for _, r := range refs {
		done = append(done, Outcome{RefID: r.ID, FromURI: r.FromURI, Status: RefUnresolved})
	}
	require.NoError(t, s.ApplyResolution(ctx, done, false))

	// Alias lookup: "helper" selects the reference written as "h".
	snap, err := s.LoadResolutionSnapshot(ctx, ResolutionScope{Names: []string{"helper"}})
	require.NoError(t, err)
	require.Len(t, snap.Refs, 1)
	assert.Equal(t, "h", snap.Refs[0].Name)
	assert.Len(t, snap.Candidates["helper"], 1)
	assert.Equal(t, "a.py", snap.Modules["a.py"])
	require.Len(t, snap.Imports["b.py"], 1)

	snap, err = s.LoadResolutionSnapshot(ctx, ResolutionScope{Imports: true})
	require.NoError(t, err)
	require.Len(t, snap.Refs, 1)
	assert.Equal(t, RefImport, snap.Refs[0].Kind)
	assert.Len(t, snap.Namespaces, 2)

	snap, err = s.LoadResolutionSnapshot(ctx, ResolutionScope{Paths: []string{"b.py"}})
	require.NoError(t, err)
	assert.Len(t, snap.Refs, 3)

	snap, err = s.LoadResolutionSnapshot(ctx, ResolutionScope{})
	require.NoError(t, err)
	assert.Empty(t, snap.Refs)

	snap, err = s.LoadResolutionSnapshot(ctx, ResolutionScope{Full: true})
	require.NoError(t, err)
	assert.Len(t, snap.Refs, 3)
}

// =============================================================================
// Queries, embeddings, stats
// =============================================================================

func TestSearchSymbols_EscapesWildcards(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	replace(t, s, testBatch("a.py", "load_config", "loadXconfig"))

	syms, err := s.SearchSymbols("load_", 0)
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "load_config", syms[0].Name)

	syms, err = s.SearchSymbols("CONFIG", 1)
	require.NoError(t, err)
	assert.Len(t, syms, 1)

	syms, err = s.SearchSymbols("  ", 0)
	require.NoError(t, err)
	assert.Empty(t, syms)
}

func TestEmbeddings_RoundTripAndSkipUnknown(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	b := testBatch("a.py", "f")
	replace(t, s, b)

	require.NoError(t, s.PutEmbedding(b.Symbols[1].URI, "m", []float32{0.5, -1.25, 3}))
	require.NoError(t, s.PutEmbedding(testURI("zz.py", KindCallable, "nope", 1), "m", []float32{1}))

	vecs, err := s.Embeddings("m")
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, []float32{0.5, -1.25, 3}, vecs[b.Symbols[1].URI])

	missing, err := s.SymbolsMissingEmbeddings("m", "", 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, b.Symbols[0].URI, missing[0].URI)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestStats_Counts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	replace(t, s, testBatch("a.py", "helper"))
	b := testBatch("b.py", "main")
	b.Refs = []ResidualRef{
		{FromURI: b.Symbols[1].URI, Name: "helper", Kind: RefCall, Line: 3},
		{FromURI: b.Symbols[1].URI, Name: "print", Kind: RefCall, Line: 4},
	}
	replace(t, s, b)
	refs, err := s.RefsByPath("b.py")
	require.NoError(t, err)
	require.NoError(t, s.ApplyResolution(ctx, []Outcome{
		{RefID: refs[0].ID, FromURI: refs[0].FromURI, Status: RefResolved, TargetURI: testURI("a.py", KindCallable, "helper", 2), Tier: 1, Candidates: 1, Confidence: 0.95},
		{RefID: refs[1].ID, FromURI: refs[1].FromURI, Status: RefUnresolved},
	}, false))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, 4, st.Symbols)
	assert.Equal(t, 2, st.SymbolsByKind["callable"])
	assert.Equal(t, 3, st.Edges)
	assert.Equal(t, 1, st.EdgesByKind["calls"])
	assert.Equal(t, RefCounts{Total: 2, Resolved: 1, Unresolved: 1}, st.Refs)
	require.Len(t, st.Languages, 1)
	assert.Equal(t, "python", st.Languages[0].Language)
	assert.InDelta(t, 0.5, st.Languages[0].Coverage, 1e-9)
}

func TestStats_JSONFieldNames(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	replace(t, s, testBatch("a.py", "helper"))

	st, err := s.Stats()
	require.NoError(t, err)
	data, err := json.Marshal(st)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	for _, key := range []string{"files", "files_by_status", "symbols", "symbols_by_kind",
		"edges", "edges_by_kind", "references", "languages", "embeddings"} {
		assert.Contains(t, got, key)
	}
	refs, ok := got["references"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, refs, "unresolved")
	langs, ok := got["languages"].([]any)
	require.True(t, ok)
	require.Len(t, langs, 1)
	assert.Equal(t, "python", langs[0].(map[string]any)["language"])
	assert.Contains(t, langs[0], "coverage")
}

func TestMetadata_GetSet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	v, err := s.GetMetadata("k")
	require.NoError(t, err)
	assert.Empty(t, v)
	require.NoError(t, s.SetMetadata("k", "1"))
	require.NoError(t, s.SetMetadata("k", "2"))
	v, err = s.GetMetadata("k")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}
