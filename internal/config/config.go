// Package config loads the repository configuration from
// .coderev/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Load when the named file does not exist.
var ErrNotFound = errors.New("config not found")

// Dir and File locate the configuration relative to the repository root.
const (
	Dir  = ".coderev"
	File = "config.yaml"
)

// Resolution strategies.
const (
	StrategyTargeted = "targeted"
	StrategyFull     = "full"
)

type Config struct {
	Repo     string   `yaml:"repo"`
	Database string   `yaml:"database"`
	Include  []string `yaml:"include"`
	Exclude  []string `yaml:"exclude"`
	Workers  int      `yaml:"workers"`

	Resolution Resolution `yaml:"resolution"`
	Embedding  Embedding  `yaml:"embedding"`
	Watch      Watch      `yaml:"watch"`
	Adapters   Adapters   `yaml:"adapters"`
}

type Resolution struct {
	Strategy         string `yaml:"strategy"`
	MaxTargetedNames int    `yaml:"max_targeted_names"`
}

type Embedding struct {
	Enabled           bool          `yaml:"enabled"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	CacheDir          string        `yaml:"cache_dir"`
}

// APIKey reads the key from the configured environment variable.
func (e Embedding) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

type Watch struct {
	Debounce time.Duration `yaml:"debounce"`
}

type Adapters struct {
	// Scripts maps a file extension (".rb") to a Risor extraction script.
	Scripts map[string]string `yaml:"scripts"`
}

// DefaultExcludes are skipped in every repository.
var DefaultExcludes = []string{
	".git", "node_modules", "vendor", "__pycache__", ".venv",
	"dist", "build", "target", Dir,
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Database: filepath.Join(Dir, "coderev.db"),
		Exclude:  append([]string(nil), DefaultExcludes...),
		Resolution: Resolution{
			Strategy:         StrategyTargeted,
			MaxTargetedNames: 256,
		},
		Embedding: Embedding{
			BaseURL:           "http://localhost:11434/v1",
			Model:             "nomic-embed-text",
			APIKeyEnv:         "CODEREV_EMBEDDING_API_KEY",
			Timeout:           5 * time.Second,
			RequestsPerSecond: 10,
			CacheDir:          filepath.Join(Dir, "embed-cache"),
		},
		Watch: Watch{Debounce: 300 * time.Millisecond},
	}
}

// Load reads the file at p over the defaults.
func Load(p string) (*Config, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", p, err)
	}
	return cfg, cfg.validate()
}

// LoadRepo loads <root>/.coderev/config.yaml, falling back to the defaults
// when it does not exist. A .env file at root is loaded into the process
// environment first so API keys can live next to the repository.
func LoadRepo(root string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(root, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := Load(filepath.Join(root, Dir, File))
	if errors.Is(err, ErrNotFound) {
		return Default(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	switch c.Resolution.Strategy {
	case StrategyTargeted, StrategyFull:
	case "":
		c.Resolution.Strategy = StrategyTargeted
	default:
		return fmt.Errorf("resolution.strategy: unknown %q", c.Resolution.Strategy)
	}
	if c.Resolution.MaxTargetedNames <= 0 {
		c.Resolution.MaxTargetedNames = 256
	}
	for _, pattern := range append(append([]string(nil), c.Include...), c.Exclude...) {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("bad glob %q: %w", pattern, err)
		}
	}
	for ext := range c.Adapters.Scripts {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("adapters.scripts: extension %q must start with a dot", ext)
		}
	}
	return nil
}

// Excluded reports whether the repo-relative slash path is excluded. A
// pattern matches the whole path or any single segment of it.
func (c *Config) Excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range c.Exclude {
		if matchPath(pattern, rel) {
			return true
		}
	}
	return false
}

// Included reports whether a file passes the include globs. No globs means
// everything is included.
func (c *Config) Included(rel string) bool {
	if len(c.Include) == 0 {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range c.Include {
		if matchPath(pattern, rel) {
			return true
		}
	}
	return false
}

func matchPath(pattern, rel string) bool {
	if ok, _ := path.Match(pattern, rel); ok {
		return true
	}
	if strings.HasSuffix(pattern, "/**") && (rel == strings.TrimSuffix(pattern, "/**") || strings.HasPrefix(rel, strings.TrimSuffix(pattern, "**"))) {
		return true
	}
	for _, seg := range strings.Split(rel, "/") {
		if ok, _ := path.Match(pattern, seg); ok {
			return true
		}
	}
	return false
}
