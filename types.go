package coderev

import "github.com/been-there-done-that/coderev/internal/store"

// Public aliases for the store types returned by the query API.

type Store = store.Store
type Symbol = store.Symbol
type File = store.File
type Edge = store.Edge
type EdgeKind = store.EdgeKind
type Kind = store.Kind
type Stats = store.Stats
type URI = store.URI

// Edge kinds.
const (
	EdgeDefines  = store.EdgeDefines
	EdgeCalls    = store.EdgeCalls
	EdgeInherits = store.EdgeInherits
	EdgeImports  = store.EdgeImports
)

// ParseURI splits a symbol URI into its parts.
func ParseURI(s string) (URI, error) { return store.ParseURI(s) }
