package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/been-there-done-that/coderev"
	"github.com/been-there-done-that/coderev/internal/adapter"
	"github.com/been-there-done-that/coderev/internal/config"
	"github.com/been-there-done-that/coderev/internal/embed"
)

var (
	flagDB      string
	flagFormat  string
	flagConfig  string
	flagVerbose bool
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

// stdout receives command results.
var stdout io.Writer = os.Stdout

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "coderev",
	Short:         "Build and query a cross-file symbol graph",
	Long:          "coderev extracts symbols and references with tree-sitter, resolves them across files with confidence scores, and answers call-graph and impact queries from a SQLite graph.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (default: .coderev/coderev.db relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: .coderev/config.yaml in the repo root)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging on stderr")

	rootCmd.AddCommand(indexCmd, resolveCmd, embedCmd, watchCmd, searchCmd, callersCmd, calleesCmd, impactCmd, statsCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// workspace is everything a command needs: the repo root, its config and an
// open engine.
type workspace struct {
	root   string
	dbPath string
	cfg    *config.Config
	engine *coderev.Engine
	cache  *embed.Cache
	logger *slog.Logger
}

func (w *workspace) Close() {
	w.engine.Close()
	if w.cache != nil {
		w.cache.Close()
	}
}

// openWorkspace loads configuration for the repo containing dir and opens
// the engine. When mustExist is set a missing database is an error. Only
// commands that write embeddings set cacheEmbeddings: the badger cache holds
// an exclusive directory lock, and queries must keep working while a watcher
// owns it.
func openWorkspace(dir string, mustExist, cacheEmbeddings bool, extra ...coderev.Option) (*workspace, error) {
	root := findRepoRoot(dir)
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	dbPath := resolveDBPath(root, cfg)
	if mustExist {
		if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("database not found: %s (run 'coderev index' first)", dbPath)
		}
	}

	logger := newLogger()
	registry, err := buildRegistry(root, cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := []coderev.Option{
		coderev.WithRoot(root),
		coderev.WithLogger(logger),
		coderev.WithAdapters(registry),
		coderev.WithWorkers(cfg.Workers),
		coderev.WithStrategy(cfg.Resolution.Strategy),
		coderev.WithMaxTargetedNames(cfg.Resolution.MaxTargetedNames),
		coderev.WithExclude(cfg.Excluded),
		coderev.WithInclude(cfg.Included),
	}
	if cfg.Repo != "" {
		opts = append(opts, coderev.WithRepo(cfg.Repo))
	}

	ws := &workspace{root: root, dbPath: dbPath, cfg: cfg, logger: logger}
	if cfg.Embedding.Enabled {
		provider := embed.NewOpenAI(embed.OpenAIConfig{
			BaseURL:           cfg.Embedding.BaseURL,
			APIKey:            cfg.Embedding.APIKey(),
			Model:             cfg.Embedding.Model,
			Timeout:           cfg.Embedding.Timeout,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		})
		opts = append(opts, coderev.WithEmbedder(ws.embedder(provider, cacheEmbeddings)))
	}

	ws.engine, err = coderev.New(dbPath, append(opts, extra...)...)
	if err != nil {
		if ws.cache != nil {
			ws.cache.Close()
		}
		return nil, err
	}
	return ws, nil
}

// embedder wraps provider in the badger cache when asked to. A cache that
// cannot be opened, typically because another process holds it, degrades to
// the uncached provider.
func (w *workspace) embedder(provider embed.Provider, cached bool) embed.Provider {
	if !cached {
		return provider
	}
	dir := w.cfg.Embedding.CacheDir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(w.root, dir)
	}
	cache, err := embed.OpenCache(dir, provider, w.logger)
	if err != nil {
		w.logger.Warn("embedding cache unavailable, embedding without it", "dir", dir, "error", err)
		return provider
	}
	w.cache = cache
	return cache
}

func loadConfig(root string) (*config.Config, error) {
	if flagConfig != "" {
		return config.Load(flagConfig)
	}
	return config.LoadRepo(root)
}

// buildRegistry registers the configured Risor scripts over the built-in
// adapters. Scripts are keyed by extension; the language is the extension
// without its dot.
func buildRegistry(root string, cfg *config.Config, logger *slog.Logger) (*adapter.Registry, error) {
	reg := adapter.DefaultRegistry()
	exts := make([]string, 0, len(cfg.Adapters.Scripts))
	for ext := range cfg.Adapters.Scripts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	for _, ext := range exts {
		p := cfg.Adapters.Scripts[ext]
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		lang := strings.TrimPrefix(ext, ".")
		script, err := adapter.LoadScript(lang, p, adapter.WithScriptLogger(logger.With("adapter", lang)))
		if err != nil {
			return nil, err
		}
		reg.Register(script, ext)
	}
	return reg, nil
}

// resolveTargetDir returns the absolute path of the directory to operate on.
func resolveTargetDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// findRepoRoot walks up from startDir looking for a .git or .coderev
// directory. Returns startDir if neither is found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		for _, marker := range []string{".git", config.Dir} {
			if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && info.IsDir() {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// resolveDBPath returns the database path from --db, the config, or the
// default, relative to the repo root.
func resolveDBPath(root string, cfg *config.Config) string {
	p := cfg.Database
	if flagDB != "" {
		p = flagDB
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
