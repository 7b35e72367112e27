// Package coderev builds a persisted semantic graph of a repository's symbols
// and answers structural queries over it.
//
// # Pipeline
//
// Indexing runs in two passes:
//
//  1. Extract and localize: each changed file is parsed by its language
//     adapter into declarations, a scope tree, references and imports.
//     References that bind inside the file become edges at confidence 1.0;
//     the rest are stored as residual references. Every file is written in
//     a single transaction.
//
//  2. Resolve: residual references are bound across files in tiers (import,
//     same directory, global name) with a confidence per tier. Incremental
//     runs only revisit the references a change can affect.
//
// # Usage
//
//	e, err := coderev.New(".coderev/coderev.db", coderev.WithRoot("path/to/repo"))
//	if err != nil { ... }
//	defer e.Close()
//
//	ctx := context.Background()
//	if _, err := e.IndexDirectory(ctx); err != nil { ... }
//	if _, err := e.Resolve(ctx); err != nil { ... }
//
//	q := e.Query()
//	callers, err := q.Callers("codescope://repo/a.py#callable:helper@1")
//
// # Query API
//
// The [QueryBuilder] returned by [Engine.Query] provides:
//
//   - [QueryBuilder.Search]: keyword search over names, signatures and docs,
//     combined with embedding similarity when an embedder is configured.
//   - [QueryBuilder.Callers] and [QueryBuilder.Callees]: direct call edges.
//   - [QueryBuilder.Impact]: bounded breadth-first traversal with the
//     minimum confidence along each path.
//   - [QueryBuilder.Lookup]: full URIs or the short form path#name.
//   - [QueryBuilder.Stats]: graph and resolution coverage counts.
//
// # Adapters
//
// Python, JavaScript and Go are extracted with tree-sitter. Other languages
// can be added with Risor scripts (see the internal/adapter package), and any
// remaining text file is split into document chunks.
package coderev
