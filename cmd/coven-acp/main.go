// ABOUTME: Entry point for coven-acp, the host side of ACP agent connections
// ABOUTME: Dispatches serve, prompt, policy, decisions, health and init subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-acp/internal/config"
	"github.com/2389/coven-acp/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         __ _  ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____ / _' |/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| (_| | (__| |_) |
 \___\___/ \_/ \___|_| |_|      \__,_|\___| .__/
                                          |_|
`

func usage() {
	fmt.Println("Usage: coven-acp <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Connect every configured agent and serve health")
	fmt.Println("  prompt -agent ID <text>     Send one prompt and stream the reply")
	fmt.Println("  policy <subcommand>         Show or edit the permission policy")
	fmt.Println("  decisions                   List recent permission decisions")
	fmt.Println("  health [-service ID]        Query the health endpoint")
	fmt.Println("  init                        Write a starter config file")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "prompt":
		err = runPrompt(ctx, args)
	case "policy":
		err = runPolicy(ctx, args)
	case "decisions":
		err = runDecisions(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "init":
		err = runInit(args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// loadConfig reads the config from path, or from the default location when
// path is empty.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}
