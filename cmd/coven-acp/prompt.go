// ABOUTME: prompt subcommand: one-shot prompt against a configured agent
// ABOUTME: Streams agent text to stdout and asks on the terminal for permissions

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-acp/internal/acp"
	"github.com/2389/coven-acp/internal/agent"
	"github.com/2389/coven-acp/internal/permission"
)

func runPrompt(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prompt", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	agentID := fs.String("agent", "", "agent id from the config")
	cwd := fs.String("cwd", "", "session working directory (default: current directory)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		return errors.New("prompt text is required")
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	id := *agentID
	if id == "" && len(cfg.Agents) == 1 {
		id = cfg.Agents[0].ID
	}
	ac, ok := cfg.Agent(id)
	if !ok {
		return fmt.Errorf("agent %q is not configured", id)
	}

	sessionCwd := *cwd
	if sessionCwd == "" {
		if sessionCwd, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}

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
	defer mgr.DisconnectAll()

	console := newConsolePrompter(os.Stdin, os.Stderr, isatty.IsTerminal(os.Stdin.Fd()))
	arbiter := newArbiter(cfg, s, console, logger)
	console.arbiter = arbiter
	defer arbiter.Attach(mgr.Bus())()

	out := bufio.NewWriter(os.Stdout)
	var outMu sync.Mutex
	sub := mgr.Bus().SessionUpdates.Subscribe(func(ev agent.SessionUpdateEvent) {
		chunk, ok := messageChunk(ev.Update)
		if !ok {
			return
		}
		outMu.Lock()
		defer outMu.Unlock()
		out.WriteString(chunk)
		out.Flush()
	})
	defer mgr.Bus().SessionUpdates.Unsubscribe(sub)

	ac.SessionCwd = ""
	if err := startAgent(ctx, mgr, ac, logger); err != nil {
		return err
	}
	sess, err := mgr.NewSession(ctx, ac.ID, acpNewSession(sessionCwd))
	if err != nil {
		return err
	}

	// Interrupts cancel the turn; the agent still answers the prompt.
	stop := context.AfterFunc(ctx, func() {
		if err := mgr.Cancel(sess.SessionID); err != nil {
			logger.Warn("cancel failed", "session_id", sess.SessionID, "error", err)
		}
	})
	defer stop()

	resp, err := mgr.Prompt(context.WithoutCancel(ctx), sess.SessionID, []acp.ContentBlock{acp.TextBlock(text)})
	if err != nil {
		return err
	}

	outMu.Lock()
	fmt.Fprintln(out)
	out.Flush()
	outMu.Unlock()
	if resp.StopReason != "end_turn" {
		color.New(color.FgHiBlack).Fprintf(os.Stderr, "stop reason: %s\n", resp.StopReason)
	}
	return nil
}

// messageChunk extracts the text of an agent_message_chunk update.
func messageChunk(update []byte) (string, bool) {
	if gjson.GetBytes(update, "sessionUpdate").String() != "agent_message_chunk" {
		return "", false
	}
	content := gjson.GetBytes(update, "content")
	if content.Get("type").String() != "text" {
		return "", false
	}
	return content.Get("text").String(), true
}

// consolePrompter asks permission questions on a terminal. Questions are
// asked one at a time in arrival order.
type consolePrompter struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	arbiter     *permission.Arbiter

	askMu sync.Mutex

	mu        sync.Mutex
	withdrawn map[string]bool
}

func newConsolePrompter(in io.Reader, out io.Writer, interactive bool) *consolePrompter {
	return &consolePrompter{
		in:          bufio.NewReader(in),
		out:         out,
		interactive: interactive,
		withdrawn:   make(map[string]bool),
	}
}

func (c *consolePrompter) Reachable() bool { return c.interactive }

func (c *consolePrompter) PermissionNeeded(p permission.Prompt) error {
	go c.ask(p)
	return nil
}

func (c *consolePrompter) PermissionWithdrawn(requestID string) {
	c.mu.Lock()
	c.withdrawn[requestID] = true
	c.mu.Unlock()
}

func (c *consolePrompter) isWithdrawn(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.withdrawn[requestID]
}

func (c *consolePrompter) ask(p permission.Prompt) {
	c.askMu.Lock()
	defer c.askMu.Unlock()
	if c.isWithdrawn(p.RequestID) {
		return
	}
	c.arbiter.Resolve(p.RequestID, c.question(p))
}

// question prints the request and reads one answer. Anything that does not
// name an option cancels.
func (c *consolePrompter) question(p permission.Prompt) acp.RequestPermissionOutcome {
	yellow := color.New(color.FgYellow, color.Bold)
	yellow.Fprintf(c.out, "\n? permission requested")
	title := p.ToolCall.Title
	if title == "" {
		title = permission.ToolName(p.ToolCall)
	}
	fmt.Fprintf(c.out, ": %s\n", title)
	if cmd := gjson.GetBytes(p.ToolCall.RawInput, "command"); cmd.Exists() {
		color.New(color.FgHiBlack).Fprintf(c.out, "  %s\n", cmd.String())
	}
	for i, o := range p.Options {
		fmt.Fprintf(c.out, "  [%d] %s (%s)\n", i+1, o.Name, o.Kind)
	}
	fmt.Fprint(c.out, "  choice (enter to cancel): ")

	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return acp.Cancelled()
	}
	return pickOption(p.Options, strings.TrimSpace(line))
}

// pickOption maps an answer to an option by 1-based index or option id.
func pickOption(options []acp.PermissionOption, answer string) acp.RequestPermissionOutcome {
	if answer == "" {
		return acp.Cancelled()
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
		return acp.Selected(options[n-1].OptionID)
	}
	for _, o := range options {
		if o.OptionID == answer {
			return acp.Selected(o.OptionID)
		}
	}
	return acp.Cancelled()
}
