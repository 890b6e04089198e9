// ABOUTME: policy subcommand: shows and edits the stored permission policy
// ABOUTME: Writes approval mode and whitelists into the settings store

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-acp/internal/permission"
	"github.com/2389/coven-acp/internal/store"
)

const policyUsage = `Usage: coven-acp policy <subcommand>

Subcommands:
  show                     Print the approval mode and whitelists
  mode <auto|default|manual>
  allow-tool <name>        Add a tool name to the whitelist
  allow-command <token>    Add a command (first word) to the whitelist
  deny-tool <name>         Remove a tool name from the whitelist
  deny-command <token>     Remove a command from the whitelist
`

func runPolicy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("policy", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Print(policyUsage)
		return errors.New("policy subcommand is required")
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	defaultMode := permission.Mode(cfg.Permissions.DefaultMode)
	return applyPolicyCommand(ctx, s, defaultMode, rest, os.Stdout)
}

func applyPolicyCommand(ctx context.Context, s store.SettingsStore, defaultMode permission.Mode, args []string, out io.Writer) error {
	sub, operand := args[0], ""
	if len(args) > 1 {
		operand = strings.TrimSpace(args[1])
	}
	needOperand := func() error {
		if operand == "" {
			return fmt.Errorf("policy %s requires an argument", sub)
		}
		return nil
	}

	switch sub {
	case "show":
		return showPolicy(ctx, s, defaultMode, out)
	case "mode":
		if err := needOperand(); err != nil {
			return err
		}
		mode, err := permission.ParseMode(operand)
		if err != nil {
			return err
		}
		if err := permission.SetApprovalMode(ctx, s, mode); err != nil {
			return err
		}
		fmt.Fprintf(out, "approval mode set to %s\n", mode)
	case "allow-tool", "allow-command", "deny-tool", "deny-command":
		if err := needOperand(); err != nil {
			return err
		}
		key := permission.KeyToolWhitelist
		if strings.HasSuffix(sub, "-command") {
			key = permission.KeyCommandWhitelist
			// Whitelists match the first word only.
			operand = strings.Fields(operand)[0]
		}
		if strings.HasPrefix(sub, "allow-") {
			if err := permission.AddToWhitelist(ctx, s, key, operand); err != nil {
				return err
			}
			fmt.Fprintf(out, "allowed %s\n", operand)
		} else {
			if err := permission.RemoveFromWhitelist(ctx, s, key, operand); err != nil {
				return err
			}
			fmt.Fprintf(out, "removed %s\n", operand)
		}
	default:
		fmt.Fprint(out, policyUsage)
		return fmt.Errorf("unknown policy subcommand %q", sub)
	}
	return nil
}

func showPolicy(ctx context.Context, s store.SettingsStore, defaultMode permission.Mode, out io.Writer) error {
	p := permission.NewStorePolicy(s, defaultMode, nil)
	label := color.New(color.FgCyan)

	label.Fprint(out, "mode:     ")
	fmt.Fprintln(out, p.ApprovalMode(ctx))
	label.Fprint(out, "tools:    ")
	fmt.Fprintln(out, listOrNone(p.ToolWhitelist(ctx)))
	label.Fprint(out, "commands: ")
	fmt.Fprintln(out, listOrNone(p.CommandWhitelist(ctx)))
	return nil
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
