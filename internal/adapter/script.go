package adapter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/been-there-done-that/coderev/internal/store"
)

// Script is an adapter backed by a Risor extraction script.
//
// The script sees the globals path, source and language, a query(grammar,
// pattern) host function that runs a tree-sitter query over source, and a
// log object. It must evaluate to a map:
//
//	{"module": "...",
//	 "symbols":    [{"kind", "name", "line_start", "line_end", "signature", "doc", "scope"}],
//	 "scopes":     [{"parent", "owner"}],
//	 "references": [{"name", "receiver", "kind", "line", "scope", "from"}],
//	 "imports":    [{"namespace", "name", "alias", "line"}]}
type Script struct {
	language string
	source   string
	label    string
	dir      string
	logger   *slog.Logger
}

// ScriptOption configures a Script.
type ScriptOption func(*Script)

// WithScriptLogger routes the script's log calls to logger.
func WithScriptLogger(l *slog.Logger) ScriptOption {
	return func(s *Script) { s.logger = l }
}

// WithScriptDir lets the script import sibling .risor modules from dir.
func WithScriptDir(dir string) ScriptOption {
	return func(s *Script) { s.dir = dir }
}

// NewScript builds a script adapter from source.
func NewScript(language, source string, opts ...ScriptOption) *Script {
	s := &Script{
		language: language,
		source:   source,
		label:    "<inline>",
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadScript reads a script from disk. Imports resolve relative to its
// directory.
func LoadScript(language, path string, opts ...ScriptOption) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	s := NewScript(language, string(data), append([]ScriptOption{WithScriptDir(filepath.Dir(path))}, opts...)...)
	s.label = path
	return s, nil
}

func (s *Script) Language() string { return s.language }

func (s *Script) Extract(ctx context.Context, path string, src []byte) (*Result, error) {
	run := &scriptRun{src: src, trees: make(map[string]*sitter.Tree)}
	defer run.close()

	globals := map[string]any{
		"path":     path,
		"source":   string(src),
		"language": s.language,
		"query":    object.NewBuiltin("query", run.query),
	}
	logProxy, err := object.NewProxy(&scriptLog{logger: s.logger.With("script", s.label, "path", path)})
	if err != nil {
		return nil, fmt.Errorf("script %s: log proxy: %w", s.label, err)
	}
	globals["log"] = logProxy

	var opts []risor.Option
	names := make([]string, 0, len(globals))
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
		names = append(names, name)
	}
	if s.dir != "" {
		opts = append(opts, risor.WithImporter(importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: names,
			SourceDir:   s.dir,
			Extensions:  []string{".risor"},
		})))
	}

	out, err := risor.Eval(ctx, s.source, opts...)
	if err != nil {
		return nil, fmt.Errorf("script %s on %s: %w", s.label, path, err)
	}
	res, err := decodeResult(out.Interface())
	if err != nil {
		return nil, fmt.Errorf("script %s on %s: %w", s.label, path, err)
	}
	return res, nil
}

// scriptRun holds the trees parsed during one Extract call.
type scriptRun struct {
	src   []byte
	trees map[string]*sitter.Tree
}

func (r *scriptRun) close() {
	for _, t := range r.trees {
		t.Close()
	}
}

// query(grammar, pattern) returns one map per match, capture name to
// {"text", "type", "line", "end_line"}.
func (r *scriptRun) query(ctx context.Context, args ...object.Object) object.Object {
	if len(args) != 2 {
		return object.NewArgsError("query", 2, len(args))
	}
	langStr, ok := args[0].(*object.String)
	if !ok {
		return object.Errorf("query: grammar must be a string, got %s", args[0].Type())
	}
	patternStr, ok := args[1].(*object.String)
	if !ok {
		return object.Errorf("query: pattern must be a string, got %s", args[1].Type())
	}
	lang, ok := GrammarFor(langStr.Value())
	if !ok {
		return object.Errorf("query: unsupported grammar %q", langStr.Value())
	}

	tree, ok := r.trees[langStr.Value()]
	if !ok {
		parser := sitter.NewParser()
		parser.SetLanguage(lang)
		t, err := parser.ParseCtx(ctx, nil, r.src)
		parser.Close()
		if err != nil {
			return object.Errorf("query: parse failed: %v", err)
		}
		r.trees[langStr.Value()] = t
		tree = t
	}

	q, err := sitter.NewQuery([]byte(patternStr.Value()), lang)
	if err != nil {
		return object.Errorf("query: invalid pattern: %v", err)
	}
	defer q.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(q, tree.RootNode())

	results := []object.Object{}
	for {
		match, found := cursor.NextMatch()
		if !found {
			break
		}
		match = cursor.FilterPredicates(match, r.src)
		m := make(map[string]object.Object, len(match.Captures))
		for _, capture := range match.Captures {
			m[q.CaptureNameForId(capture.Index)] = object.NewMap(map[string]object.Object{
				"text":     object.NewString(capture.Node.Content(r.src)),
				"type":     object.NewString(capture.Node.Type()),
				"line":     object.NewInt(int64(capture.Node.StartPoint().Row + 1)),
				"end_line": object.NewInt(int64(capture.Node.EndPoint().Row + 1)),
			})
		}
		results = append(results, object.NewMap(m))
	}
	return object.NewList(results)
}

// scriptLog exposes log.Info/Warn/Error to scripts.
type scriptLog struct {
	logger *slog.Logger
}

func (l *scriptLog) Info(msg string)  { l.logger.Info(msg) }
func (l *scriptLog) Warn(msg string)  { l.logger.Warn(msg) }
func (l *scriptLog) Error(msg string) { l.logger.Error(msg) }

// --- Result decoding ---

func decodeResult(v any) (*Result, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("result must be a map, got %T", v)
	}
	res := &Result{Module: str(m["module"])}

	for i, item := range list(m["symbols"]) {
		sm, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("symbols[%d]: not a map", i)
		}
		kind, err := store.ParseKind(str(sm["kind"]))
		if err != nil {
			return nil, fmt.Errorf("symbols[%d]: %w", i, err)
		}
		scopeDefault := 0
		if kind == store.KindNamespace {
			scopeDefault = -1
		}
		start := num(sm["line_start"], 1)
		res.Symbols = append(res.Symbols, Declaration{
			Kind:      kind,
			Name:      str(sm["name"]),
			LineStart: start,
			LineEnd:   num(sm["line_end"], start),
			Signature: str(sm["signature"]),
			Doc:       str(sm["doc"]),
			Content:   str(sm["content"]),
			Scope:     num(sm["scope"], scopeDefault),
		})
	}
	for i, item := range list(m["scopes"]) {
		sm, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("scopes[%d]: not a map", i)
		}
		res.Scopes = append(res.Scopes, Scope{Parent: num(sm["parent"], -1), Owner: num(sm["owner"], 0)})
	}
	for i, item := range list(m["references"]) {
		rm, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("references[%d]: not a map", i)
		}
		kind := store.RefKind(str(rm["kind"]))
		switch kind {
		case "":
			kind = store.RefCall
		case store.RefCall, store.RefInherit, store.RefImport:
		default:
			return nil, fmt.Errorf("references[%d]: unknown kind %q", i, kind)
		}
		res.References = append(res.References, Reference{
			Name:     str(rm["name"]),
			Receiver: str(rm["receiver"]),
			Kind:     kind,
			Line:     num(rm["line"], 1),
			Scope:    num(rm["scope"], 0),
			From:     num(rm["from"], 0),
		})
	}
	for i, item := range list(m["imports"]) {
		im, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("imports[%d]: not a map", i)
		}
		res.Imports = append(res.Imports, Import{
			Namespace: str(im["namespace"]),
			Name:      str(im["name"]),
			Alias:     str(im["alias"]),
			Line:      num(im["line"], 0),
		})
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

func num(v any, def int) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}
