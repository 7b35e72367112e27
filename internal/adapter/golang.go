package adapter

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/been-there-done-that/coderev/internal/store"
)

// Go extracts the package namespace, types, funcs, methods, package-level
// values, calls, embedded fields and imports from Go source. Methods are
// declared inside their receiver type's scope when the type is in the same
// file.
type Go struct{}

func NewGo() *Go { return &Go{} }

func (*Go) Language() string { return "go" }

func (*Go) Extract(ctx context.Context, path string, src []byte) (*Result, error) {
	tree, err := parse(ctx, golang.GetLanguage(), path, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	pkg := stem(path)
	for _, c := range children(root) {
		if c.Type() == "package_clause" && c.NamedChildCount() > 0 {
			pkg = c.NamedChild(0).Content(src)
		}
	}
	module := filepath.ToSlash(filepath.Dir(path))
	if module == "." {
		module = pkg
	}

	w := &goWalker{
		builder: newBuilder(src, module, pkg, root),
		types:   make(map[string]int),
	}
	// Types first, so methods can be placed in their receiver's scope
	// regardless of declaration order.
	for _, c := range children(root) {
		if c.Type() == "type_declaration" {
			w.typeDecl(c)
		}
	}
	for _, c := range children(root) {
		switch c.Type() {
		case "function_declaration":
			w.function(c)
		case "method_declaration":
			w.method(c)
		case "const_declaration", "var_declaration":
			w.valueDecl(c)
		case "import_declaration":
			w.importDecl(c)
		}
	}
	return w.res, nil
}

type goWalker struct {
	*builder
	types map[string]int // type name -> scope index
	// self is the receiver variable of the method being walked.
	self string
}

func (w *goWalker) typeDecl(n *sitter.Node) {
	for _, spec := range children(n) {
		if spec.Type() != "type_spec" && spec.Type() != "type_alias" {
			continue
		}
		name := w.text(spec.ChildByFieldName("name"))
		typ := spec.ChildByFieldName("type")
		idx := w.declare(store.KindContainer, name, spec, 0, "type "+name+" "+typeKeyword(typ), w.goDoc(n))
		w.types[name] = w.open(0, idx)
		if typ != nil {
			w.embedded(typ, idx)
		}
	}
}

func typeKeyword(typ *sitter.Node) string {
	if typ == nil {
		return ""
	}
	switch typ.Type() {
	case "struct_type":
		return "struct"
	case "interface_type":
		return "interface"
	}
	return typ.Type()
}

// embedded records embedded struct fields and embedded interfaces as
// inherits references of the type declaration.
func (w *goWalker) embedded(typ *sitter.Node, idx int) {
	switch typ.Type() {
	case "struct_type":
		for _, list := range children(typ) {
			if list.Type() != "field_declaration_list" {
				continue
			}
			for _, f := range children(list) {
				if f.Type() == "field_declaration" && f.ChildByFieldName("name") == nil {
					w.inherit(f.ChildByFieldName("type"), idx)
				}
			}
		}
	case "interface_type":
		for _, elem := range children(typ) {
			switch elem.Type() {
			case "type_elem", "constraint_elem", "interface_type_name":
				if elem.NamedChildCount() > 0 {
					w.inherit(elem.NamedChild(0), idx)
				}
			case "type_identifier", "qualified_type":
				w.inherit(elem, idx)
			}
		}
	}
}

func (w *goWalker) inherit(t *sitter.Node, idx int) {
	if t == nil {
		return
	}
	if t.Type() == "pointer_type" && t.NamedChildCount() > 0 {
		t = t.NamedChild(0)
	}
	switch t.Type() {
	case "type_identifier":
		w.ref(w.text(t), "", store.RefInherit, t, 0, idx)
	case "qualified_type":
		w.ref(w.text(t.ChildByFieldName("name")), w.text(t.ChildByFieldName("package")), store.RefInherit, t, 0, idx)
	}
}

func (w *goWalker) function(n *sitter.Node) {
	name := w.text(n.ChildByFieldName("name"))
	sig := "func " + name + w.text(n.ChildByFieldName("parameters"))
	if res := n.ChildByFieldName("result"); res != nil {
		sig += " " + w.text(res)
	}
	idx := w.declare(store.KindCallable, name, n, 0, sig, w.goDoc(n))
	w.self = ""
	if body := n.ChildByFieldName("body"); body != nil {
		w.walk(body, w.open(0, idx), idx)
	}
}

func (w *goWalker) method(n *sitter.Node) {
	name := w.text(n.ChildByFieldName("name"))
	recv := n.ChildByFieldName("receiver")
	recvName, recvType := w.receiver(recv)

	sig := "func " + w.text(recv) + " " + name + w.text(n.ChildByFieldName("parameters"))
	if res := n.ChildByFieldName("result"); res != nil {
		sig += " " + w.text(res)
	}
	scope := 0
	if s, ok := w.types[recvType]; ok {
		scope = s
	}
	idx := w.declare(store.KindCallable, name, n, scope, sig, w.goDoc(n))
	w.self = recvName
	if body := n.ChildByFieldName("body"); body != nil {
		w.walk(body, w.open(scope, idx), idx)
	}
	w.self = ""
}

// receiver returns the variable and base type name of a method receiver.
func (w *goWalker) receiver(params *sitter.Node) (name, typ string) {
	if params == nil {
		return "", ""
	}
	for _, p := range children(params) {
		if p.Type() != "parameter_declaration" {
			continue
		}
		name = w.text(p.ChildByFieldName("name"))
		t := p.ChildByFieldName("type")
		if t != nil && t.Type() == "pointer_type" && t.NamedChildCount() > 0 {
			t = t.NamedChild(0)
		}
		if t != nil && t.Type() == "generic_type" {
			t = t.ChildByFieldName("type")
		}
		return name, w.text(t)
	}
	return "", ""
}

func (w *goWalker) valueDecl(n *sitter.Node) {
	doc := w.goDoc(n)
	var specs []*sitter.Node
	for _, c := range children(n) {
		switch c.Type() {
		case "const_spec", "var_spec":
			specs = append(specs, c)
		case "var_spec_list", "const_spec_list":
			specs = append(specs, children(c)...)
		}
	}
	for _, spec := range specs {
		from := 0
		for _, c := range children(spec) {
			if c.Type() == "identifier" && w.text(c) != "_" {
				idx := w.declare(store.KindValue, w.text(c), spec, 0, "", doc)
				if from == 0 {
					from = idx
				}
			}
		}
		if value := spec.ChildByFieldName("value"); value != nil {
			w.walk(value, 0, from)
		}
	}
}

func (w *goWalker) importDecl(n *sitter.Node) {
	var specs []*sitter.Node
	for _, c := range children(n) {
		switch c.Type() {
		case "import_spec":
			specs = append(specs, c)
		case "import_spec_list":
			specs = append(specs, children(c)...)
		}
	}
	for _, spec := range specs {
		if spec.Type() != "import_spec" {
			continue
		}
		alias := w.text(spec.ChildByFieldName("name"))
		if alias == "_" || alias == "." {
			alias = ""
		}
		w.importRef(Import{Namespace: unquote(w.text(spec.ChildByFieldName("path"))), Alias: alias}, spec)
	}
}

func (w *goWalker) walk(n *sitter.Node, scope, from int) {
	for _, c := range children(n) {
		if c.Type() == "call_expression" {
			w.call(c, scope, from)
			continue
		}
		w.walk(c, scope, from)
	}
}

func (w *goWalker) call(n *sitter.Node, scope, from int) {
	if fn := n.ChildByFieldName("function"); fn != nil {
		switch fn.Type() {
		case "identifier":
			w.ref(w.text(fn), "", store.RefCall, n, scope, from)
		case "selector_expression":
			recv := w.text(fn.ChildByFieldName("operand"))
			if w.self != "" && recv == w.self {
				recv = "self"
			}
			w.ref(w.text(fn.ChildByFieldName("field")), recv, store.RefCall, n, scope, from)
		}
	}
	w.walk(n, scope, from)
}

// goDoc returns the // comment block ending on the line above n.
func (w *goWalker) goDoc(n *sitter.Node) string {
	var lines []string
	want := int(n.StartPoint().Row) - 1
	for prev := n.PrevNamedSibling(); prev != nil && prev.Type() == "comment"; prev = prev.PrevNamedSibling() {
		if int(prev.EndPoint().Row) != want {
			break
		}
		lines = append([]string{strings.TrimSpace(strings.TrimPrefix(w.text(prev), "//"))}, lines...)
		want = int(prev.StartPoint().Row) - 1
	}
	return strings.Join(lines, "\n")
}
