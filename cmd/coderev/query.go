package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/been-there-done-that/coderev"
	"github.com/been-there-done-that/coderev/internal/store"
)

var (
	flagLimit     int
	flagKinds     []string
	flagExact     bool
	flagDepth     int
	flagDirection string
)

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Rank symbols by keyword and semantic match",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var callersCmd = &cobra.Command{
	Use:   "callers <symbol>",
	Short: "List direct callers of a symbol",
	Long:  "The symbol is a full URI, path#name (e.g. a.py#helper) or a unique bare name.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCallers,
}

var calleesCmd = &cobra.Command{
	Use:   "callees <symbol>",
	Short: "List symbols a symbol calls directly",
	Long:  "The symbol is a full URI, path#name (e.g. a.py#helper) or a unique bare name.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCallees,
}

var impactCmd = &cobra.Command{
	Use:   "impact <symbol>",
	Short: "Walk the graph out from a symbol with path confidences",
	Long:  "Breadth-first over calls, defines and inherits edges up to --depth hops (max 100). Each node carries the weakest edge confidence on its best path.",
	Args:  cobra.ExactArgs(1),
	RunE:  runImpact,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show graph counts and resolution coverage",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	searchCmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum results")
	searchCmd.Flags().StringSliceVar(&flagKinds, "kind", nil, "only symbols of these kinds (e.g. class,function)")
	searchCmd.Flags().BoolVar(&flagExact, "exact", false, "keyword matches only, no vector scoring")
	impactCmd.Flags().IntVar(&flagDepth, "depth", 3, "maximum hops (0-100)")
	impactCmd.Flags().StringVar(&flagDirection, "direction", string(coderev.Outgoing), "outgoing|incoming")
}

// openQueryWorkspace opens the workspace for the current directory and
// requires an existing database.
func openQueryWorkspace() (*workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting cwd: %w", err)
	}
	return openWorkspace(cwd, true, false)
}

// resolveSymbol turns a command argument into exactly one symbol URI.
func resolveSymbol(q *coderev.QueryBuilder, ref string) (string, error) {
	syms, err := q.Lookup(ref)
	if err != nil {
		return "", fmt.Errorf("looking up symbol: %w", err)
	}
	switch len(syms) {
	case 0:
		return "", fmt.Errorf("no symbol matches %q", ref)
	case 1:
		return syms[0].URI, nil
	}
	uris := make([]string, 0, len(syms))
	for _, s := range syms {
		uris = append(uris, s.URI)
	}
	return "", fmt.Errorf("%q is ambiguous, use one of:\n  %s", ref, strings.Join(uris, "\n  "))
}

func runSearch(cmd *cobra.Command, args []string) error {
	opts := coderev.SearchOptions{Limit: flagLimit, Exact: flagExact}
	for _, k := range flagKinds {
		kind, err := store.ParseKind(k)
		if err != nil {
			return outputError("search", err)
		}
		opts.Kinds = append(opts.Kinds, kind)
	}
	ws, err := openQueryWorkspace()
	if err != nil {
		return outputError("search", err)
	}
	defer ws.Close()

	results, err := ws.engine.Query().Search(context.Background(), strings.Join(args, " "), opts)
	if err != nil {
		return outputError("search", err)
	}
	return outputResult(CLIResult{Command: "search", Results: searchToCLI(results)})
}

func runCallers(cmd *cobra.Command, args []string) error {
	return runCallEdges("callers", args[0], (*coderev.QueryBuilder).Callers)
}

func runCallees(cmd *cobra.Command, args []string) error {
	return runCallEdges("callees", args[0], (*coderev.QueryBuilder).Callees)
}

func runCallEdges(command, ref string, fn func(*coderev.QueryBuilder, string) ([]coderev.CallEdge, error)) error {
	ws, err := openQueryWorkspace()
	if err != nil {
		return outputError(command, err)
	}
	defer ws.Close()

	q := ws.engine.Query()
	uri, err := resolveSymbol(q, ref)
	if err != nil {
		return outputError(command, err)
	}
	edges, err := fn(q, uri)
	if err != nil {
		return outputError(command, err)
	}
	return outputResult(CLIResult{Command: command, Results: callEdgesToCLI(edges)})
}

func runImpact(cmd *cobra.Command, args []string) error {
	dir, err := coderev.ParseDirection(flagDirection)
	if err != nil {
		return outputError("impact", err)
	}
	ws, err := openQueryWorkspace()
	if err != nil {
		return outputError("impact", err)
	}
	defer ws.Close()

	q := ws.engine.Query()
	uri, err := resolveSymbol(q, args[0])
	if err != nil {
		return outputError("impact", err)
	}
	res, err := q.Impact(uri, flagDepth, coderev.ImpactOptions{Direction: dir})
	if err != nil {
		return outputError("impact", err)
	}
	return outputResult(CLIResult{Command: "impact", Results: impactToCLI(res)})
}

func runStats(cmd *cobra.Command, args []string) error {
	ws, err := openQueryWorkspace()
	if err != nil {
		return outputError("stats", err)
	}
	defer ws.Close()

	stats, err := ws.engine.Query().Stats()
	if err != nil {
		return outputError("stats", err)
	}
	return outputResult(CLIResult{Command: "stats", Results: stats})
}

// outputResult writes a CLIResult in the selected format.
func outputResult(result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(result)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}
