package adapter

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"

	"github.com/been-there-done-that/coderev/internal/store"
)

// JavaScript extracts functions, classes, methods, function-valued bindings,
// extends clauses, calls, ES imports and require() from JavaScript source.
type JavaScript struct{}

func NewJavaScript() *JavaScript { return &JavaScript{} }

func (*JavaScript) Language() string { return "javascript" }

func (*JavaScript) Extract(ctx context.Context, file string, src []byte) (*Result, error) {
	tree, err := parse(ctx, javascript.GetLanguage(), file, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	w := &jsWalker{builder: newBuilder(src, moduleOf(file, "index"), stem(file), root), file: file}
	w.walk(root, 0, 0, true)
	return w.res, nil
}

type jsWalker struct {
	*builder
	file string
}

func (w *jsWalker) walk(n *sitter.Node, scope, from int, values bool) {
	for _, c := range children(n) {
		w.node(c, scope, from, values)
	}
}

func (w *jsWalker) node(n *sitter.Node, scope, from int, values bool) {
	switch n.Type() {
	case "function_declaration", "generator_function_declaration", "method_definition":
		w.function(n, w.text(n.ChildByFieldName("name")), n, scope)
	case "class_declaration", "class":
		if name := n.ChildByFieldName("name"); name != nil {
			w.class(n, w.text(name), scope)
		} else {
			w.walk(n, scope, from, false)
		}
	case "lexical_declaration", "variable_declaration":
		for _, d := range children(n) {
			if d.Type() == "variable_declarator" {
				w.declarator(d, scope, from, values)
			}
		}
	case "import_statement":
		w.importStatement(n)
	case "call_expression":
		w.call(n, scope, from)
	case "new_expression":
		if ctor := n.ChildByFieldName("constructor"); ctor != nil {
			switch ctor.Type() {
			case "identifier", "member_expression":
				name, recv := calleeParts(w.text(ctor))
				w.ref(name, recv, store.RefCall, n, scope, from)
			}
		}
		w.walk(n, scope, from, false)
	default:
		w.walk(n, scope, from, values)
	}
}

// function declares a callable. declNode is the node the symbol spans, which
// differs from fn for `const f = () => {}`.
func (w *jsWalker) function(fn *sitter.Node, name string, declNode *sitter.Node, scope int) {
	params := fn.ChildByFieldName("parameters")
	if params == nil {
		params = fn.ChildByFieldName("parameter")
	}
	sig := name + w.text(params)
	if params != nil && params.Type() == "identifier" {
		sig = name + "(" + w.text(params) + ")"
	}
	idx := w.declare(store.KindCallable, name, declNode, scope, sig, w.jsDoc(declNode))
	if body := fn.ChildByFieldName("body"); body != nil {
		inner := w.open(scope, idx)
		if body.Type() == "statement_block" || body.Type() == "class_body" {
			w.walk(body, inner, idx, false)
		} else {
			// Expression body of an arrow function.
			w.node(body, inner, idx, false)
		}
	}
}

func (w *jsWalker) class(n *sitter.Node, name string, scope int) {
	var heritage *sitter.Node
	for _, c := range children(n) {
		if c.Type() == "class_heritage" {
			heritage = c
		}
	}
	sig := "class " + name
	if heritage != nil {
		sig += " " + w.text(heritage)
	}
	idx := w.declare(store.KindContainer, name, n, scope, sig, w.jsDoc(n))
	if heritage != nil {
		for _, base := range children(heritage) {
			switch base.Type() {
			case "identifier", "member_expression":
				baseName, recv := calleeParts(w.text(base))
				w.ref(baseName, recv, store.RefInherit, base, scope, idx)
			default:
				w.node(base, scope, idx, false)
			}
		}
	}
	if body := n.ChildByFieldName("body"); body != nil {
		w.walk(body, w.open(scope, idx), idx, true)
	}
}

func (w *jsWalker) declarator(d *sitter.Node, scope, from int, values bool) {
	nameNode := d.ChildByFieldName("name")
	value := d.ChildByFieldName("value")
	if nameNode == nil {
		return
	}
	name := w.text(nameNode)

	if value != nil {
		switch value.Type() {
		case "arrow_function", "function", "function_expression", "generator_function":
			if nameNode.Type() == "identifier" {
				w.function(value, name, d, scope)
				return
			}
		case "call_expression":
			if spec, ok := w.requireSpec(value); ok {
				w.requireBinding(nameNode, spec, d)
				return
			}
		}
	}
	if values && nameNode.Type() == "identifier" {
		w.declare(store.KindValue, name, d, scope, "", w.jsDoc(d))
	}
	if value != nil {
		w.node(value, scope, from, false)
	}
}

func (w *jsWalker) call(n *sitter.Node, scope, from int) {
	fn := n.ChildByFieldName("function")
	if fn != nil {
		switch fn.Type() {
		case "identifier":
			if spec, ok := w.requireSpec(n); ok {
				// Bare require('x') for side effects.
				w.importRef(Import{Namespace: jsModule(w.file, spec)}, n)
				return
			}
			w.ref(w.text(fn), "", store.RefCall, n, scope, from)
		case "member_expression":
			w.ref(w.text(fn.ChildByFieldName("property")), w.text(fn.ChildByFieldName("object")), store.RefCall, n, scope, from)
		}
	}
	w.walk(n, scope, from, false)
}

// requireSpec reports whether call is require('<spec>').
func (w *jsWalker) requireSpec(call *sitter.Node) (string, bool) {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" || w.text(fn) != "require" {
		return "", false
	}
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 || args.NamedChild(0).Type() != "string" {
		return "", false
	}
	return unquote(w.text(args.NamedChild(0))), true
}

func (w *jsWalker) requireBinding(nameNode *sitter.Node, spec string, at *sitter.Node) {
	ns := jsModule(w.file, spec)
	if nameNode.Type() != "object_pattern" {
		w.importRef(Import{Namespace: ns, Alias: w.text(nameNode)}, at)
		return
	}
	// const { a, b: c } = require('x')
	for _, p := range children(nameNode) {
		switch p.Type() {
		case "shorthand_property_identifier_pattern":
			w.importRef(Import{Namespace: ns, Name: w.text(p)}, at)
		case "pair_pattern":
			w.importRef(Import{
				Namespace: ns,
				Name:      w.text(p.ChildByFieldName("key")),
				Alias:     w.text(p.ChildByFieldName("value")),
			}, at)
		}
	}
}

func (w *jsWalker) importStatement(n *sitter.Node) {
	ns := jsModule(w.file, unquote(w.text(n.ChildByFieldName("source"))))
	var clause *sitter.Node
	for _, c := range children(n) {
		if c.Type() == "import_clause" {
			clause = c
		}
	}
	if clause == nil {
		w.importRef(Import{Namespace: ns}, n)
		return
	}
	for _, c := range children(clause) {
		switch c.Type() {
		case "identifier":
			w.importRef(Import{Namespace: ns, Name: "default", Alias: w.text(c)}, n)
		case "namespace_import":
			for _, id := range children(c) {
				if id.Type() == "identifier" {
					w.importRef(Import{Namespace: ns, Alias: w.text(id)}, n)
				}
			}
		case "named_imports":
			for _, spec := range children(c) {
				if spec.Type() != "import_specifier" {
					continue
				}
				w.importRef(Import{
					Namespace: ns,
					Name:      w.text(spec.ChildByFieldName("name")),
					Alias:     w.text(spec.ChildByFieldName("alias")),
				}, n)
			}
		}
	}
}

// jsDoc returns the /** */ block directly above a declaration.
func (w *jsWalker) jsDoc(n *sitter.Node) string {
	target := n
	if target.Type() == "variable_declarator" && target.Parent() != nil {
		target = target.Parent()
	}
	if p := target.Parent(); p != nil && p.Type() == "export_statement" {
		target = p
	}
	prev := target.PrevNamedSibling()
	if prev == nil || prev.Type() != "comment" || int(prev.EndPoint().Row)+1 < int(target.StartPoint().Row) {
		return ""
	}
	text := w.text(prev)
	if !strings.HasPrefix(text, "/**") {
		return ""
	}
	text = strings.TrimSuffix(strings.TrimPrefix(text, "/**"), "*/")
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "*"))
		if l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}

var jsExtensions = []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx"}

// jsModule maps an import specifier to a module key. Relative specifiers are
// resolved against the importing file; bare package names are kept.
func jsModule(file, spec string) string {
	if !strings.HasPrefix(spec, ".") {
		return spec
	}
	p := path.Join(path.Dir(filepath.ToSlash(file)), spec)
	for _, ext := range jsExtensions {
		if strings.HasSuffix(p, ext) {
			p = strings.TrimSuffix(p, ext)
			break
		}
	}
	return strings.TrimSuffix(p, "/index")
}
