// Command taskattemptd serves the task-attempts orchestrator over HTTP.
// Dispatch is a manual os.Args switch (no flag/cobra library), and the
// serve subcommand parses its own flags with a plain --addr-style loop.
package main

import (
	"fmt"
	"os"

	"github.com/taskattempts/core/internal/config"
	"github.com/taskattempts/core/internal/draftstore"
	"github.com/taskattempts/core/internal/eventbus"
	"github.com/taskattempts/core/internal/orchestrator"
	"github.com/taskattempts/core/internal/server"
	"github.com/taskattempts/core/internal/store"
	"github.com/taskattempts/core/internal/worktree"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "--version", "-v", "version":
		fmt.Println("taskattemptd (dev)")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  taskattemptd serve [--addr <host:port>] [--db <path>] [--worktrees-dir <dir>] [--project <config.yaml>]")
	fmt.Fprintln(os.Stderr, "  taskattemptd --version")
}

func serve(args []string) {
	addr := "127.0.0.1:8080"
	dbPath := "taskattempts.db"
	worktreesDir := "./worktrees"
	projectConfigPath := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		case "--db":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--db requires a value")
				os.Exit(1)
			}
			dbPath = args[i]
		case "--worktrees-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--worktrees-dir requires a value")
				os.Exit(1)
			}
			worktreesDir = args[i]
		case "--project":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--project requires a value")
				os.Exit(1)
			}
			projectConfigPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if projectConfigPath != "" {
		if _, err := config.Load(projectConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "load project config: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create worktrees dir: %v\n", err)
		os.Exit(1)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	bus := eventbus.NewBus(db)
	store.SetHook(bus.HookFunc())

	worktrees := worktree.New(db, worktreesDir)
	drafts := draftstore.New(db)
	orch := orchestrator.New(db, worktrees, drafts, bus)

	srv := server.New(server.Config{Addr: addr}, db, orch, drafts, bus)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
