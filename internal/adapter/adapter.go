// Package adapter turns one source file into the intermediate representation
// the resolvers consume: declarations, a scope tree, references and imports.
//
// Adapters know nothing about URIs, edges or the store. Code adapters emit the
// file's namespace declaration at index 0 and the root scope at index 0, owned
// by that namespace.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/been-there-done-that/coderev/internal/store"
)

// ErrSyntax is returned when a file does not parse cleanly. Callers fall back
// to the document chunker.
var ErrSyntax = errors.New("syntax error")

// Declaration is a symbol without an identity yet.
type Declaration struct {
	Kind      store.Kind
	Name      string
	LineStart int
	LineEnd   int
	Signature string
	Doc       string
	Content   string
	// Scope is the index of the scope the declaration is visible in, or -1
	// for the namespace declaration itself.
	Scope int
}

// Scope is one node of the file's lexical scope tree.
type Scope struct {
	Parent int // -1 for the file root
	Owner  int // declaration that opens the scope
}

// Reference is a name used at a site in the file.
type Reference struct {
	Name     string
	Receiver string
	Kind     store.RefKind
	Line     int
	Scope    int // innermost scope enclosing the site
	From     int // declaration the site belongs to
}

// Import is one binding introduced by an import statement.
type Import struct {
	Namespace string
	Name      string
	Alias     string
	Line      int
}

// Result is an adapter's output for one file.
type Result struct {
	Symbols    []Declaration
	Scopes     []Scope
	References []Reference
	Imports    []Import
	// Module is the key other files' imports are matched against.
	Module string
}

// Validate checks that every index in the result points inside it and that
// scopes only nest under earlier scopes.
func (r *Result) Validate() error {
	for i, s := range r.Scopes {
		if s.Parent < -1 || s.Parent >= i {
			return fmt.Errorf("scope %d: parent %d out of order", i, s.Parent)
		}
		if s.Owner < 0 || s.Owner >= len(r.Symbols) {
			return fmt.Errorf("scope %d: owner %d out of range", i, s.Owner)
		}
	}
	for i, d := range r.Symbols {
		if d.Name == "" {
			return fmt.Errorf("symbol %d: empty name", i)
		}
		if d.Scope < -1 || d.Scope >= len(r.Scopes) {
			return fmt.Errorf("symbol %d (%s): scope %d out of range", i, d.Name, d.Scope)
		}
		if d.LineStart < 1 || d.LineEnd < d.LineStart {
			return fmt.Errorf("symbol %d (%s): bad line span %d-%d", i, d.Name, d.LineStart, d.LineEnd)
		}
	}
	for i, ref := range r.References {
		if len(r.Scopes) == 0 || ref.Scope < 0 || ref.Scope >= len(r.Scopes) {
			return fmt.Errorf("reference %d (%s): scope %d out of range", i, ref.Name, ref.Scope)
		}
		if ref.From < 0 || ref.From >= len(r.Symbols) {
			return fmt.Errorf("reference %d (%s): from %d out of range", i, ref.Name, ref.From)
		}
	}
	return nil
}

// Adapter extracts one language.
type Adapter interface {
	Language() string
	Extract(ctx context.Context, path string, src []byte) (*Result, error)
}

var documentExtensions = []string{
	".md", ".rst", ".txt", ".adoc",
	".yaml", ".yml", ".json", ".toml", ".ini", ".cfg", ".conf",
	".sql", ".sh", ".bash", ".zsh",
	".tf", ".hcl", ".proto", ".graphql",
	".csv", ".xml", ".properties", ".gradle",
}

var documentBasenames = []string{"Dockerfile", "Containerfile", "Makefile"}

// Registry dispatches files to adapters by extension.
type Registry struct {
	byExt    map[string]Adapter
	byName   map[string]Adapter
	fallback Adapter
}

// NewRegistry returns a registry that only knows the document chunker.
func NewRegistry() *Registry {
	r := &Registry{
		byExt:    make(map[string]Adapter),
		byName:   make(map[string]Adapter),
		fallback: NewChunker(),
	}
	for _, ext := range documentExtensions {
		r.byExt[ext] = r.fallback
	}
	for _, name := range documentBasenames {
		r.byName[name] = r.fallback
	}
	return r
}

// DefaultRegistry returns a registry with the built-in code adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewPython(), ".py", ".pyi")
	r.Register(NewJavaScript(), ".js", ".jsx", ".mjs", ".cjs")
	r.Register(NewGo(), ".go")
	return r
}

// Register binds extensions (with the leading dot) to an adapter, replacing
// any previous binding.
func (r *Registry) Register(a Adapter, exts ...string) {
	for _, ext := range exts {
		r.byExt[strings.ToLower(ext)] = a
	}
}

// For returns the adapter for path, or false when the file is not indexed.
func (r *Registry) For(path string) (Adapter, bool) {
	if a, ok := r.byName[filepath.Base(path)]; ok {
		return a, true
	}
	a, ok := r.byExt[strings.ToLower(filepath.Ext(path))]
	return a, ok
}

// Fallback returns the document chunker used when a code adapter fails.
func (r *Registry) Fallback() Adapter {
	return r.fallback
}

// Languages lists the distinct languages the registry can produce, sorted.
func (r *Registry) Languages() []string {
	seen := make(map[string]bool)
	for _, a := range r.byExt {
		seen[a.Language()] = true
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
