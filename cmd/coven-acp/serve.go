// ABOUTME: serve subcommand: connects every configured agent and keeps them running
// ABOUTME: Arbitrates permissions from the store policy and serves gRPC health

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-acp/internal/agent"
	"github.com/2389/coven-acp/internal/config"
	"github.com/2389/coven-acp/internal/health"
	"github.com/2389/coven-acp/internal/permission"
	"github.com/2389/coven-acp/internal/process"
	"github.com/2389/coven-acp/internal/store"
)

func agentSpec(a config.AgentConfig) process.Spec {
	return process.Spec{
		Command: a.Command,
		Args:    a.Args,
		Dir:     a.Cwd,
		Env:     a.Env,
	}
}

func newArbiter(cfg *config.Config, s store.Store, prompter permission.Prompter, logger *slog.Logger) *permission.Arbiter {
	return permission.NewArbiter(permission.Options{
		Policy:    permission.NewStorePolicy(s, permission.Mode(cfg.Permissions.DefaultMode), logger),
		Prompter:  prompter,
		Decisions: s,
		Logger:    logger,
	})
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d\n", len(cfg.Agents))
	if cfg.Health.Addr != "" {
		green.Print("    ▶ ")
		fmt.Printf("Health:    %s\n", cfg.Health.Addr)
	}
	fmt.Println()

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	mgr := agent.NewManager(agent.Options{
		Spawner: agent.ProcessSpawner(cfg.Process.SpawnGrace, logger),
		Calls:   fileCalls(),
		Logger:  logger,
	})
	bus := mgr.Bus()

	// No interactive UI in serve; escalations fall back to auto-approve.
	arbiter := newArbiter(cfg, s, nil, logger)
	defer arbiter.Attach(bus)()

	reporter := health.NewReporter(logger)
	defer reporter.Attach(bus)()

	statusSub := bus.Status.Subscribe(func(st agent.StatusInfo) {
		attrs := []any{"connection_id", st.ConnectionID, "status", string(st.Status)}
		if st.AgentInfo != nil {
			attrs = append(attrs, "agent", st.AgentInfo.Name)
		}
		if st.Error != "" {
			attrs = append(attrs, "error", st.Error)
			logger.Warn("agent status changed", attrs...)
			return
		}
		logger.Info("agent status changed", attrs...)
	})
	defer bus.Status.Unsubscribe(statusSub)

	updateSub := bus.SessionUpdates.Subscribe(func(ev agent.SessionUpdateEvent) {
		logger.Debug("session update",
			"connection_id", ev.ConnectionID,
			"session_id", ev.SessionID,
			"kind", gjson.GetBytes(ev.Update, "sessionUpdate").String())
	})
	defer bus.SessionUpdates.Unsubscribe(updateSub)

	var wg sync.WaitGroup
	healthErr := make(chan error, 1)
	if cfg.Health.Addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthErr <- reporter.Serve(ctx, cfg.Health.Addr)
		}()
	}

	logger.Info("starting coven-acp", "config", path, "agents", len(cfg.Agents))
	for _, a := range cfg.Agents {
		if err := startAgent(ctx, mgr, a, logger); err != nil {
			logger.Error("agent failed to start", "connection_id", a.ID, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-healthErr:
		if err != nil {
			logger.Error("health server stopped", "error", err)
		}
	}

	mgr.DisconnectAll()
	wg.Wait()
	return err
}

// startAgent connects and initializes one agent, opening a session when
// the agent config asks for one.
func startAgent(ctx context.Context, mgr *agent.Manager, a config.AgentConfig, logger *slog.Logger) error {
	if err := mgr.Connect(ctx, a.ID, agentSpec(a)); err != nil {
		return err
	}
	if _, err := mgr.Initialize(ctx, a.ID, agent.InitializeOptions{
		Capabilities: clientCapabilities(),
		ClientInfo:   clientInfo(),
	}); err != nil {
		return err
	}
	if a.SessionCwd == "" {
		return nil
	}
	resp, err := mgr.NewSession(ctx, a.ID, acpNewSession(a.SessionCwd))
	if err != nil {
		return err
	}
	logger.Info("session opened", "connection_id", a.ID, "session_id", resp.SessionID, "cwd", a.SessionCwd)
	return nil
}
