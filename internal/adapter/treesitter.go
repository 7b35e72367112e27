package adapter

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/been-there-done-that/coderev/internal/store"
)

// parse runs a fresh parser over src. Parsers are not safe for concurrent
// use, so each extraction gets its own.
func parse(ctx context.Context, lang *sitter.Language, path string, src []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if tree.RootNode().HasError() {
		tree.Close()
		return nil, fmt.Errorf("parse %s: %w", path, ErrSyntax)
	}
	return tree, nil
}

// builder accumulates a Result while an adapter walks a syntax tree.
type builder struct {
	src         []byte
	res         *Result
	importLines map[string]bool
}

// newBuilder seeds the result with the namespace declaration and root scope.
func newBuilder(src []byte, module, namespace string, root *sitter.Node) *builder {
	b := &builder{src: src, res: &Result{Module: module}, importLines: make(map[string]bool)}
	b.res.Symbols = append(b.res.Symbols, Declaration{
		Kind:      store.KindNamespace,
		Name:      namespace,
		LineStart: 1,
		LineEnd:   int(root.EndPoint().Row) + 1,
		Content:   string(src),
		Scope:     -1,
	})
	b.res.Scopes = append(b.res.Scopes, Scope{Parent: -1, Owner: 0})
	return b
}

func (b *builder) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(b.src)
}

func line(n *sitter.Node) int { return int(n.StartPoint().Row) + 1 }

// declare records a declaration spanning node and returns its index.
func (b *builder) declare(kind store.Kind, name string, n *sitter.Node, scope int, sig, doc string) int {
	b.res.Symbols = append(b.res.Symbols, Declaration{
		Kind:      kind,
		Name:      name,
		LineStart: line(n),
		LineEnd:   int(n.EndPoint().Row) + 1,
		Signature: sig,
		Doc:       doc,
		Content:   b.text(n),
		Scope:     scope,
	})
	return len(b.res.Symbols) - 1
}

// open starts a scope owned by declaration owner.
func (b *builder) open(parent, owner int) int {
	b.res.Scopes = append(b.res.Scopes, Scope{Parent: parent, Owner: owner})
	return len(b.res.Scopes) - 1
}

func (b *builder) ref(name, receiver string, kind store.RefKind, n *sitter.Node, scope, from int) {
	if name == "" {
		return
	}
	b.res.References = append(b.res.References, Reference{
		Name: name, Receiver: receiver, Kind: kind, Line: line(n), Scope: scope, From: from,
	})
}

// importRef records an import binding plus one reference from the file's
// namespace to the imported module per statement.
func (b *builder) importRef(imp Import, n *sitter.Node) {
	if imp.Namespace == "" {
		return
	}
	imp.Line = line(n)
	b.res.Imports = append(b.res.Imports, imp)
	key := fmt.Sprintf("%s@%d", imp.Namespace, imp.Line)
	if !b.importLines[key] {
		b.importLines[key] = true
		b.ref(imp.Namespace, "", store.RefImport, n, 0, 0)
	}
}

// children returns the named children of n.
func children(n *sitter.Node) []*sitter.Node {
	count := int(n.NamedChildCount())
	out := make([]*sitter.Node, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, n.NamedChild(i))
	}
	return out
}

// calleeParts splits a call target into name and receiver: "a.b.c" gives
// ("c", "a.b").
func calleeParts(target string) (name, receiver string) {
	if i := strings.LastIndexByte(target, '.'); i >= 0 {
		return target[i+1:], target[:i]
	}
	return target, ""
}

// moduleOf derives the module key of a file: its slash path without the
// extension, with index files standing for their directory.
func moduleOf(path string, indexNames ...string) string {
	p := filepath.ToSlash(path)
	stem := strings.TrimSuffix(p, filepath.Ext(p))
	for _, idx := range indexNames {
		if filepath.Base(stem) == idx {
			if dir := filepath.ToSlash(filepath.Dir(stem)); dir != "." {
				return dir
			}
			return stem
		}
	}
	return stem
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func unquote(s string) string {
	return strings.Trim(s, "\"'`")
}
