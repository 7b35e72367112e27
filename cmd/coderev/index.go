package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/been-there-done-that/coderev"
)

var (
	flagForce       bool
	flagFull        bool
	flagResolveFull bool
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a repository and resolve references",
	Long:  "Extracts changed files, runs the global resolution pass over the affected references, and embeds new symbols when embeddings are enabled.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIndex,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve [path]",
	Short: "Run the global resolution pass",
	Long:  "Re-resolves references left pending by an interrupted run. With --full every reference is resolved again.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runResolve,
}

var embedCmd = &cobra.Command{
	Use:   "embed [path]",
	Short: "Generate embeddings for symbols that lack one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEmbed,
}

func init() {
	indexCmd.Flags().BoolVar(&flagForce, "force", false, "re-extract every file even when unchanged")
	indexCmd.Flags().BoolVar(&flagFull, "full", false, "resolve every reference instead of the changed ones")
	resolveCmd.Flags().BoolVar(&flagResolveFull, "full", false, "resolve every reference")
}

func runIndex(cmd *cobra.Command, args []string) error {
	start := time.Now()
	dir, err := resolveTargetDir(args)
	if err != nil {
		return outputError("index", err)
	}

	var extra []coderev.Option
	if flagForce {
		extra = append(extra, coderev.WithForce(true))
	}
	if flagFull {
		extra = append(extra, coderev.WithStrategy(coderev.StrategyFull))
	}
	ws, err := openWorkspace(dir, false, true, extra...)
	if err != nil {
		return outputError("index", err)
	}
	defer ws.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, res, err := ws.engine.Sync(ctx)
	if err != nil {
		return outputError("index", fmt.Errorf("indexing: %w", err))
	}
	embeddings := 0
	if stats, err := ws.engine.Query().Stats(); err == nil {
		embeddings = stats.Embeddings
	}

	fmt.Fprintf(os.Stderr, "Indexed %s in %s\n", ws.root, time.Since(start).Round(time.Millisecond))
	return outputResult(CLIResult{
		Command: "index",
		Results: CLIIndex{Database: ws.dbPath, Index: report, Resolve: res, Embeddings: embeddings},
	})
}

func runResolve(cmd *cobra.Command, args []string) error {
	dir, err := resolveTargetDir(args)
	if err != nil {
		return outputError("resolve", err)
	}
	var extra []coderev.Option
	if flagResolveFull {
		extra = append(extra, coderev.WithStrategy(coderev.StrategyFull))
	}
	ws, err := openWorkspace(dir, true, false, extra...)
	if err != nil {
		return outputError("resolve", err)
	}
	defer ws.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := ws.engine.Resolve(ctx)
	if err != nil {
		return outputError("resolve", err)
	}
	return outputResult(CLIResult{Command: "resolve", Results: res})
}

func runEmbed(cmd *cobra.Command, args []string) error {
	dir, err := resolveTargetDir(args)
	if err != nil {
		return outputError("embed", err)
	}
	ws, err := openWorkspace(dir, true, true)
	if err != nil {
		return outputError("embed", err)
	}
	defer ws.Close()
	if !ws.cfg.Embedding.Enabled {
		return outputError("embed", errors.New("embedding is disabled (set embedding.enabled in .coderev/config.yaml)"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := ws.engine.Embed(ctx)
	if err != nil {
		return outputError("embed", err)
	}
	stats, err := ws.engine.Query().Stats()
	if err != nil {
		return outputError("embed", err)
	}
	return outputResult(CLIResult{Command: "embed", Results: CLIEmbed{Embedded: n, Total: stats.Embeddings}})
}
