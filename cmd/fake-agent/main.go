// ABOUTME: Fake ACP agent for manual and E2E testing, speaking JSON-RPC on stdio.
// ABOUTME: Usage: fake-agent [-name echo] [-load-session] (point an agents[] entry at it)
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/acptest"
)

func main() {
	name := flag.String("name", "fake", "agent name, also the session id prefix")
	loadSession := flag.Bool("load-session", false, "advertise session/load support")
	authMethod := flag.String("auth-method", "", "require this auth method id")
	verbose := flag.Bool("v", false, "log protocol traffic to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}

	agent := acptest.NewAgent(*name)
	agent.LoadSession = *loadSession
	agent.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if *authMethod != "" {
		agent.AuthMethods = []acp.AuthMethod{{ID: *authMethod, Name: *authMethod}}
	}

	if err := agent.Serve(os.Stdin, os.Stdout, func() { os.Exit(0) }); err != nil {
		log.Fatal(err)
	}
}
