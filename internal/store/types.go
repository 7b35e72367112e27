package store

import "time"

// Kind classifies a symbol.
type Kind string

const (
	KindNamespace Kind = "namespace"
	KindContainer Kind = "container"
	KindCallable  Kind = "callable"
	KindValue     Kind = "value"
	KindDocument  Kind = "document"
)

// EdgeKind classifies a directed relationship between two symbols.
type EdgeKind string

const (
	EdgeDefines  EdgeKind = "defines"
	EdgeCalls    EdgeKind = "calls"
	EdgeInherits EdgeKind = "inherits"
	EdgeImports  EdgeKind = "imports"
)

// Edge origins. Local edges come from same-file scope resolution, global
// edges from the repository-wide pass over residual references.
const (
	OriginLocal  = "local"
	OriginGlobal = "global"
)

// RefKind is the resolver's hint about what a residual reference names.
type RefKind string

const (
	RefCall    RefKind = "call"
	RefInherit RefKind = "inherit"
	RefImport  RefKind = "import"
)

// EdgeKind returns the edge kind a resolved reference of this kind produces.
func (k RefKind) EdgeKind() EdgeKind {
	switch k {
	case RefInherit:
		return EdgeInherits
	case RefImport:
		return EdgeImports
	default:
		return EdgeCalls
	}
}

// RefStatus is the last global resolution outcome of a residual reference.
type RefStatus string

const (
	RefPending    RefStatus = "pending"
	RefResolved   RefStatus = "resolved"
	RefAmbiguous  RefStatus = "ambiguous"
	RefUnresolved RefStatus = "unresolved"
)

// File statuses.
const (
	FileOK       = "ok"
	FileFallback = "fallback"
)

type File struct {
	Path        string
	Language    string
	Module      string
	Hash        string
	LastIndexed time.Time
	Status      string
	Error       string
}

type Symbol struct {
	URI       string
	Kind      Kind
	Name      string
	Path      string
	LineStart int
	LineEnd   int
	Signature string
	Doc       string
	Content   string
}

type Edge struct {
	FromURI    string
	ToURI      string
	Kind       EdgeKind
	Confidence float64
	Origin     string
}

// ResidualRef is a reference the local resolver could not bind, persisted as
// input for the global resolver together with its last outcome.
type ResidualRef struct {
	ID         int64
	Path       string
	FromURI    string
	Name       string
	Receiver   string
	Kind       RefKind
	Line       int
	Status     RefStatus
	TargetURI  string
	Tier       int
	Candidates int
	Confidence float64
}

// Import records one imported namespace (and optionally one member of it)
// bound in a file. Name is empty for whole-module imports.
type Import struct {
	ID        int64
	Path      string
	Namespace string
	Name      string
	Alias     string
	Line      int
}

// FileBatch is everything written for one file in a single transaction.
type FileBatch struct {
	File    File
	Symbols []Symbol
	Edges   []Edge
	Refs    []ResidualRef
	Imports []Import
}

// Replacement describes how a file's symbol set changed.
type Replacement struct {
	Path    string
	Added   []string
	Removed []string
	Created bool
}

// Candidate is the slice of a symbol the global resolver needs.
type Candidate struct {
	URI  string
	Kind Kind
	Name string
	Path string
}

// Outcome is one global resolution decision for a residual reference.
type Outcome struct {
	RefID      int64
	FromURI    string
	Status     RefStatus
	TargetURI  string
	Tier       int
	Candidates int
	Confidence float64
}
