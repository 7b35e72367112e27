package store

import (
	"fmt"
	"strconv"
	"strings"
)

// URIScheme prefixes every symbol URI.
const URIScheme = "codescope://"

// URI is the parsed form of codescope://<repo>/<path>#<kind>:<name>@<line>.
type URI struct {
	Repo string
	Path string
	Kind Kind
	Name string
	Line int
}

func (u URI) String() string {
	return fmt.Sprintf("%s%s/%s#%s:%s@%d", URIScheme, u.Repo, u.Path, u.Kind, u.Name, u.Line)
}

// FormatURI builds the URI string for a symbol identity.
func FormatURI(repo, path string, kind Kind, name string, line int) string {
	return URI{Repo: repo, Path: path, Kind: kind, Name: name, Line: line}.String()
}

// ParseURI parses a URI string produced by URI.String.
func ParseURI(s string) (URI, error) {
	rest, ok := strings.CutPrefix(s, URIScheme)
	if !ok {
		return URI{}, fmt.Errorf("parse uri %q: missing %s scheme", s, URIScheme)
	}
	repoPath, fragment, ok := strings.Cut(rest, "#")
	if !ok {
		return URI{}, fmt.Errorf("parse uri %q: missing # fragment", s)
	}
	repo, path, ok := strings.Cut(repoPath, "/")
	if !ok || repo == "" || path == "" {
		return URI{}, fmt.Errorf("parse uri %q: expected <repo>/<path>", s)
	}
	at := strings.LastIndexByte(fragment, '@')
	if at < 0 {
		return URI{}, fmt.Errorf("parse uri %q: fragment missing @line", s)
	}
	line, err := strconv.Atoi(fragment[at+1:])
	if err != nil {
		return URI{}, fmt.Errorf("parse uri %q: invalid line: %w", s, err)
	}
	kindStr, name, ok := strings.Cut(fragment[:at], ":")
	if !ok {
		return URI{}, fmt.Errorf("parse uri %q: fragment missing kind:name", s)
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return URI{}, fmt.Errorf("parse uri %q: %w", s, err)
	}
	return URI{Repo: repo, Path: path, Kind: kind, Name: name, Line: line}, nil
}

var kindAliases = map[string]Kind{
	"namespace": KindNamespace,
	"module":    KindNamespace,
	"package":   KindNamespace,
	"file":      KindNamespace,
	"container": KindContainer,
	"class":     KindContainer,
	"struct":    KindContainer,
	"interface": KindContainer,
	"trait":     KindContainer,
	"enum":      KindContainer,
	"type":      KindContainer,
	"callable":  KindCallable,
	"function":  KindCallable,
	"method":    KindCallable,
	"func":      KindCallable,
	"fn":        KindCallable,
	"value":     KindValue,
	"variable":  KindValue,
	"const":     KindValue,
	"constant":  KindValue,
	"field":     KindValue,
	"property":  KindValue,
	"let":       KindValue,
	"var":       KindValue,
	"document":  KindDocument,
	"doc":       KindDocument,
	"chunk":     KindDocument,
}

// ParseKind maps a kind name or one of its aliases to a Kind.
func ParseKind(s string) (Kind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown symbol kind %q", s)
}
