// Command alphredctl is a small operator CLI for inspecting and driving
// runs against a live executor database: initialize the schema, launch a
// run from an already-published tree, advance or cancel it, and print a
// snapshot.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/smilemakc/alphred/internal/config"
	"github.com/smilemakc/alphred/internal/logging"
	"github.com/smilemakc/alphred/internal/scheduler"
	"github.com/smilemakc/alphred/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	log := logging.New(cfg.LogLevel)
	store := storage.NewBunStore(cfg.DatabaseDSN)
	executor := scheduler.NewExecutor(store, log, cfg.AdvanceCASRetries)
	ctx := context.Background()

	switch os.Args[1] {
	case "init-schema":
		if err := store.InitSchema(ctx); err != nil {
			fatal(err)
		}
		fmt.Println("schema initialized")

	case "launch":
		fs := flag.NewFlagSet("launch", flag.ExitOnError)
		treeKey := fs.String("tree-key", "", "tree_key to launch")
		_ = fs.Parse(os.Args[2:])
		if *treeKey == "" {
			fatal(fmt.Errorf("launch: -tree-key is required"))
		}
		run, err := executor.LaunchRun(ctx, *treeKey)
		if err != nil {
			fatal(err)
		}
		printJSON(run)

	case "advance":
		fs := flag.NewFlagSet("advance", flag.ExitOnError)
		runID := fs.Int64("run-id", 0, "run to advance")
		_ = fs.Parse(os.Args[2:])
		if *runID == 0 {
			fatal(fmt.Errorf("advance: -run-id is required"))
		}
		if err := executor.Advance(ctx, *runID); err != nil {
			fatal(err)
		}
		fmt.Println("advanced")

	case "cancel":
		fs := flag.NewFlagSet("cancel", flag.ExitOnError)
		runID := fs.Int64("run-id", 0, "run to cancel")
		_ = fs.Parse(os.Args[2:])
		if *runID == 0 {
			fatal(fmt.Errorf("cancel: -run-id is required"))
		}
		if err := executor.CancelRun(ctx, *runID); err != nil {
			fatal(err)
		}
		fmt.Println("cancelled")

	case "snapshot":
		fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
		runID := fs.Int64("run-id", 0, "run to inspect")
		_ = fs.Parse(os.Args[2:])
		if *runID == 0 {
			fatal(fmt.Errorf("snapshot: -run-id is required"))
		}
		snapshot, err := executor.GetRunSnapshot(ctx, *runID)
		if err != nil {
			fatal(err)
		}
		printJSON(snapshot)

	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `alphredctl: inspect and drive workflow tree runs

Usage:
  alphredctl init-schema
  alphredctl launch -tree-key=<key>
  alphredctl advance -run-id=<id>
  alphredctl cancel -run-id=<id>
  alphredctl snapshot -run-id=<id>`)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "alphredctl:", err)
	os.Exit(1)
}
