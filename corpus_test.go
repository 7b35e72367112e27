package coderev

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/been-there-done-that/coderev/internal/store"
)

// goCorpus lists the src directories of the leveled Go corpus.
func goCorpus(t *testing.T) []string {
	t.Helper()
	dirs, err := filepath.Glob(filepath.Join("testdata", "go", "*", "src"))
	require.NoError(t, err)
	require.NotEmpty(t, dirs)
	return dirs
}

func TestGoCorpus_IndexesCleanly(t *testing.T) {
	for _, dir := range goCorpus(t) {
		t.Run(filepath.Base(filepath.Dir(dir)), func(t *testing.T) {
			e := newTestEngine(t, dir)
			report, _ := syncRepo(t, e)
			assert.Zero(t, report.Fallback)

			files, err := e.Store().Files()
			require.NoError(t, err)
			require.NotEmpty(t, files)
			for _, f := range files {
				assert.Equal(t, store.FileOK, f.Status, f.Path)
				assert.Equal(t, "go", f.Language)
			}
			assertNoDangling(t, e)

			stats, err := e.Query().Stats()
			require.NoError(t, err)
			assert.Equal(t, len(files), stats.SymbolsByKind[string(store.KindNamespace)])
			assert.Zero(t, stats.Refs.Pending)
		})
	}
}

func TestGoCorpus_WorkerCountDoesNotChangeGraph(t *testing.T) {
	for _, dir := range goCorpus(t) {
		t.Run(filepath.Base(filepath.Dir(dir)), func(t *testing.T) {
			serial := newTestEngine(t, dir, WithWorkers(1))
			syncRepo(t, serial)
			parallel := newTestEngine(t, dir, WithWorkers(8))
			syncRepo(t, parallel)
			assert.Equal(t, graphDigest(t, serial), graphDigest(t, parallel))
		})
	}
}

func TestGoCorpus_MultiFilePackageLinks(t *testing.T) {
	dir := filepath.Join("testdata", "go", "level-11-method-value-dispatch", "src")
	e := newTestEngine(t, dir)
	syncRepo(t, e)

	stats, err := e.Query().Stats()
	require.NoError(t, err)
	require.Len(t, stats.Languages, 1)
	assert.Positive(t, stats.Languages[0].Linked, "main.go calls into types.go")
}
