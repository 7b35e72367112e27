package adapter

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/been-there-done-that/coderev/internal/store"
)

// Python extracts modules, classes, functions, module-level values, calls,
// base classes and imports from Python source.
type Python struct{}

func NewPython() *Python { return &Python{} }

func (*Python) Language() string { return "python" }

func (*Python) Extract(ctx context.Context, path string, src []byte) (*Result, error) {
	tree, err := parse(ctx, python.GetLanguage(), path, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	module := moduleOf(path, "__init__")
	b := newBuilder(src, module, filepath.Base(module), root)
	w := &pyWalker{builder: b, path: path}
	b.res.Symbols[0].Doc = w.docstring(root)
	w.walk(root, 0, 0, true)
	return b.res, nil
}

type pyWalker struct {
	*builder
	path string
}

// walk visits the children of n. values is set where assignments declare
// symbols: module and class bodies.
func (w *pyWalker) walk(n *sitter.Node, scope, from int, values bool) {
	for _, c := range children(n) {
		w.node(c, scope, from, values)
	}
}

func (w *pyWalker) node(n *sitter.Node, scope, from int, values bool) {
	switch n.Type() {
	case "function_definition":
		w.function(n, scope)
	case "class_definition":
		w.class(n, scope)
	case "decorated_definition":
		for _, c := range children(n) {
			if c.Type() == "decorator" {
				w.decorator(c, scope, from)
			}
		}
		if def := n.ChildByFieldName("definition"); def != nil {
			w.node(def, scope, from, values)
		}
	case "import_statement":
		w.importStatement(n)
	case "import_from_statement":
		w.importFrom(n)
	case "call":
		w.call(n, scope, from)
	case "assignment":
		if left := n.ChildByFieldName("left"); values && left != nil && left.Type() == "identifier" {
			w.declare(store.KindValue, w.text(left), n, scope, "", "")
		}
		w.walk(n, scope, from, false)
	default:
		w.walk(n, scope, from, values)
	}
}

func (w *pyWalker) function(n *sitter.Node, scope int) {
	name := w.text(n.ChildByFieldName("name"))
	sig := "def " + name + w.text(n.ChildByFieldName("parameters"))
	if ret := n.ChildByFieldName("return_type"); ret != nil {
		sig += " -> " + w.text(ret)
	}
	body := n.ChildByFieldName("body")
	idx := w.declare(store.KindCallable, name, n, scope, sig, w.docstring(body))
	if body != nil {
		w.walk(body, w.open(scope, idx), idx, false)
	}
}

func (w *pyWalker) class(n *sitter.Node, scope int) {
	name := w.text(n.ChildByFieldName("name"))
	sup := n.ChildByFieldName("superclasses")
	body := n.ChildByFieldName("body")
	idx := w.declare(store.KindContainer, name, n, scope, "class "+name+w.text(sup), w.docstring(body))

	// Bases are looked up from the scope the class is declared in.
	if sup != nil {
		for _, base := range children(sup) {
			switch base.Type() {
			case "identifier", "attribute":
				baseName, recv := calleeParts(w.text(base))
				w.ref(baseName, recv, store.RefInherit, base, scope, idx)
			}
		}
	}
	if body != nil {
		w.walk(body, w.open(scope, idx), idx, true)
	}
}

func (w *pyWalker) decorator(n *sitter.Node, scope, from int) {
	for _, c := range children(n) {
		switch c.Type() {
		case "identifier", "attribute":
			name, recv := calleeParts(w.text(c))
			w.ref(name, recv, store.RefCall, c, scope, from)
		default:
			w.node(c, scope, from, false)
		}
	}
}

func (w *pyWalker) call(n *sitter.Node, scope, from int) {
	fn := n.ChildByFieldName("function")
	if fn != nil {
		switch fn.Type() {
		case "identifier":
			w.ref(w.text(fn), "", store.RefCall, n, scope, from)
		case "attribute":
			w.ref(w.text(fn.ChildByFieldName("attribute")), w.text(fn.ChildByFieldName("object")), store.RefCall, n, scope, from)
		}
	}
	w.walk(n, scope, from, false)
}

func (w *pyWalker) importStatement(n *sitter.Node) {
	for _, c := range children(n) {
		switch c.Type() {
		case "dotted_name":
			w.importRef(Import{Namespace: w.text(c)}, n)
		case "aliased_import":
			w.importRef(Import{
				Namespace: w.text(c.ChildByFieldName("name")),
				Alias:     w.text(c.ChildByFieldName("alias")),
			}, n)
		}
	}
}

func (w *pyWalker) importFrom(n *sitter.Node) {
	modNode := n.ChildByFieldName("module_name")
	if modNode == nil {
		return
	}
	ns := w.text(modNode)
	if modNode.Type() == "relative_import" {
		ns = pyRelative(w.path, ns)
	}
	found := false
	for _, c := range children(n) {
		if c.StartByte() < modNode.EndByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			w.importRef(Import{Namespace: ns, Name: w.text(c)}, n)
			found = true
		case "aliased_import":
			w.importRef(Import{
				Namespace: ns,
				Name:      w.text(c.ChildByFieldName("name")),
				Alias:     w.text(c.ChildByFieldName("alias")),
			}, n)
			found = true
		}
	}
	if !found {
		// from x import *
		w.importRef(Import{Namespace: ns}, n)
	}
}

// pyRelative turns a relative module (".x", "..pkg.y") into a slash path
// anchored at the importing file's package.
func pyRelative(path, rel string) string {
	dots := len(rel) - len(strings.TrimLeft(rel, "."))
	rest := strings.ReplaceAll(rel[dots:], ".", "/")
	dir := filepath.ToSlash(filepath.Dir(path))
	for i := 1; i < dots; i++ {
		dir = filepath.ToSlash(filepath.Dir(dir))
	}
	if dir == "." {
		dir = ""
	}
	switch {
	case dir == "":
		return rest
	case rest == "":
		return dir
	}
	return dir + "/" + rest
}

// docstring returns the leading string literal of a block, if any.
func (w *pyWalker) docstring(block *sitter.Node) string {
	if block == nil {
		return ""
	}
	for _, c := range children(block) {
		if c.Type() == "comment" {
			continue
		}
		if c.Type() != "expression_statement" || c.NamedChildCount() == 0 {
			return ""
		}
		s := c.NamedChild(0)
		if s.Type() != "string" {
			return ""
		}
		return strings.TrimSpace(strings.Trim(w.text(s), `"'`))
	}
	return ""
}
