package coderev

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/been-there-done-that/coderev/internal/embed"
	"github.com/been-there-done-that/coderev/internal/store"
)

// fakeEmbedder maps text mentioning "tokenize" to one axis and everything
// else to another.
type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) Model() string { return "fake" }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.Join(embed.ErrUnavailable, errors.New("provider down"))
	}
	if strings.Contains(text, "tokenize") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

func newTestQueryBuilder(t *testing.T) (*QueryBuilder, *store.Store) {
	t.Helper()
	s, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return &QueryBuilder{store: s, logger: slog.New(slog.DiscardHandler)}, s
}

// graphFile is a one-file graph: callables by name plus local calls edges
// with explicit confidences.
type graphFile struct {
	path  string
	names []string
	calls [][3]any // from name, to name, confidence
}

func (g graphFile) uri(name string) string {
	for i, n := range g.names {
		if n == name {
			return store.FormatURI("repo", g.path, store.KindCallable, n, i+2)
		}
	}
	return ""
}

func (g graphFile) batch() *store.FileBatch {
	b := &store.FileBatch{
		File: store.File{Path: g.path, Language: "python", Module: g.path, Hash: "h", LastIndexed: time.Now(), Status: store.FileOK},
	}
	for i, n := range g.names {
		b.Symbols = append(b.Symbols, store.Symbol{
			URI: g.uri(n), Kind: store.KindCallable, Name: n, Path: g.path, LineStart: i + 2, LineEnd: i + 2,
		})
	}
	for _, c := range g.calls {
		b.Edges = append(b.Edges, store.Edge{
			FromURI: g.uri(c[0].(string)), ToURI: g.uri(c[1].(string)),
			Kind: store.EdgeCalls, Confidence: c[2].(float64), Origin: store.OriginLocal,
		})
	}
	return b
}

func loadGraph(t *testing.T, s *store.Store, g graphFile) {
	t.Helper()
	_, err := s.ReplaceFile(context.Background(), g.batch())
	require.NoError(t, err)
}

func TestCallers_SortedByConfidence(t *testing.T) {
	q, s := newTestQueryBuilder(t)
	g := graphFile{
		path:  "m.py",
		names: []string{"target", "weak", "strong", "also_strong"},
		calls: [][3]any{
			{"weak", "target", 0.3},
			{"strong", "target", 0.9},
			{"also_strong", "target", 0.9},
			{"target", "weak", 0.5},
		},
	}
	loadGraph(t, s, g)

	callers, err := q.Callers(g.uri("target"))
	require.NoError(t, err)
	require.Len(t, callers, 3)
	assert.Equal(t, "also_strong", callers[0].Symbol.Name)
	assert.Equal(t, "strong", callers[1].Symbol.Name)
	assert.Equal(t, "weak", callers[2].Symbol.Name)
	assert.InDelta(t, 0.3, callers[2].Confidence, 1e-9)

	callees, err := q.Callees(g.uri("target"))
	require.NoError(t, err)
	require.Len(t, callees, 1)
	assert.Equal(t, "weak", callees[0].Symbol.Name)
}

func TestCallers_UnknownURI(t *testing.T) {
	q, _ := newTestQueryBuilder(t)
	callers, err := q.Callers("codescope://repo/nope.py#callable:x@1")
	require.NoError(t, err)
	assert.Empty(t, callers)
}

func TestLookup_Forms(t *testing.T) {
	q, s := newTestQueryBuilder(t)
	g := graphFile{path: "pkg/m.py", names: []string{"run", "stop"}}
	loadGraph(t, s, g)
	loadGraph(t, s, graphFile{path: "other.py", names: []string{"run"}})

	syms, err := q.Lookup(g.uri("run"))
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "pkg/m.py", syms[0].Path)

	syms, err = q.Lookup("pkg/m.py#stop")
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, g.uri("stop"), syms[0].URI)

	syms, err = q.Lookup("run")
	require.NoError(t, err)
	assert.Len(t, syms, 2)

	syms, err = q.Lookup("codescope://repo/pkg/m.py#callable:gone@9")
	require.NoError(t, err)
	assert.Empty(t, syms)

	syms, err = q.Lookup("  ")
	require.NoError(t, err)
	assert.Empty(t, syms)
}

func TestSearch_KeywordRanking(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"s.py": "def helper():\n    pass\n\n\ndef helper_two():\n    pass\n\n\n" +
			"def my_helper():\n    pass\n\n\ndef other():\n    \"\"\"Calls the helper.\"\"\"\n",
	})
	e := newTestEngine(t, root)
	syncRepo(t, e)

	results, err := e.Query().Search(context.Background(), "helper", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 4)

	var names []string
	for _, r := range results {
		names = append(names, r.Symbol.Name)
	}
	assert.Equal(t, []string{"helper", "helper_two", "my_helper", "other"}, names)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.9, results[1].Score, 1e-9)
	assert.InDelta(t, 0.8, results[2].Score, 1e-9)
	assert.InDelta(t, 0.6, results[3].Score, 1e-9)

	limited, err := e.Query().Search(context.Background(), "helper", SearchOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSearch_SemanticOnlyHit(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"text.py": "def tokenize(s):\n    return s.split()\n\n\ndef render(x):\n    return str(x)\n",
	})
	e := newTestEngine(t, root, WithEmbedder(&fakeEmbedder{}))
	syncRepo(t, e)

	results, err := e.Query().Search(context.Background(), "tokenize input", SearchOptions{Limit: 10})
	require.NoError(t, err)

	var found *SearchResult
	for i, r := range results {
		assert.NotEqual(t, "render", r.Symbol.Name)
		if r.Symbol.Name == "tokenize" {
			found = &results[i]
		}
	}
	require.NotNil(t, found)
	assert.Zero(t, found.Keyword)
	assert.InDelta(t, 1.0, found.Semantic, 1e-6)
}

func TestSearch_FailingEmbedderKeepsKeywordResults(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"text.py": "def tokenize(s):\n    return s.split()\n"})
	e := newTestEngine(t, root, WithEmbedder(&fakeEmbedder{fail: true}))
	_, err := e.IndexDirectory(context.Background())
	require.NoError(t, err)

	results, err := e.Query().Search(context.Background(), "tokenize", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].Semantic)
}

func TestSearch_ExactSkipsSemantic(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"text.py": "def tokenize(s):\n    return s.split()\n\n\ndef render(x):\n    return str(x)\n",
	})
	e := newTestEngine(t, root, WithEmbedder(&fakeEmbedder{}))
	syncRepo(t, e)

	results, err := e.Query().Search(context.Background(), "tokenize input", SearchOptions{Exact: true})
	require.NoError(t, err)
	assert.Empty(t, results, "no symbol name contains the whole phrase")

	results, err = e.Query().Search(context.Background(), "tokenize", SearchOptions{Exact: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Zero(t, results[0].Semantic)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestSearch_KindFilter(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"shapes.py": "class Shape:\n    pass\n\n\ndef shape_area(s):\n    return 0\n",
	})
	e := newTestEngine(t, root)
	syncRepo(t, e)

	results, err := e.Query().Search(context.Background(), "shape", SearchOptions{Kinds: []Kind{store.KindContainer}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Shape", results[0].Symbol.Name)

	results, err = e.Query().Search(context.Background(), "shape", SearchOptions{Kinds: []Kind{store.KindCallable}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "shape_area", results[0].Symbol.Name)
}

func TestSearch_EmptyText(t *testing.T) {
	q, _ := newTestQueryBuilder(t)
	results, err := q.Search(context.Background(), "   ", SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestStats_CoverageByLanguage(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, helperRepo)
	writeTree(t, root, map[string]string{"d.py": "def lonely():\n    missing()\n"})
	e := newTestEngine(t, root)
	syncRepo(t, e)

	stats, err := e.Query().Stats()
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Files)
	assert.Equal(t, 4, stats.SymbolsByKind[string(store.KindNamespace)])
	assert.Equal(t, 1, stats.Refs.Unresolved)
	require.Len(t, stats.Languages, 1)
	assert.Equal(t, "python", stats.Languages[0].Language)
	assert.Greater(t, stats.Languages[0].Coverage, 0.0)
	assert.Less(t, stats.Languages[0].Coverage, 1.0)
}
