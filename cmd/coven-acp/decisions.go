// ABOUTME: decisions subcommand: lists recent permission decisions from the ledger
// ABOUTME: Filters by connection or session and prints newest first

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/2389/coven-acp/internal/store"
)

func runDecisions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("decisions", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	connectionID := fs.String("connection", "", "only decisions for this connection id")
	sessionID := fs.String("session", "", "only decisions for this session id")
	limit := fs.Int("limit", 20, "maximum entries to list")
	if err := fs.Parse(args); err != nil {
		return err
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

	decisions, err := s.ListDecisions(ctx, store.DecisionFilter{
		ConnectionID: *connectionID,
		SessionID:    *sessionID,
		Limit:        *limit,
	})
	if err != nil {
		return fmt.Errorf("listing decisions: %w", err)
	}
	printDecisions(os.Stdout, decisions)
	return nil
}

func printDecisions(w io.Writer, decisions []store.Decision) {
	if len(decisions) == 0 {
		fmt.Fprintln(w, "no decisions recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tCONNECTION\tSESSION\tTOOL\tCOMMAND\tSOURCE\tOUTCOME")
	for _, d := range decisions {
		outcome := d.Outcome
		if d.OptionID != "" {
			outcome = d.OptionID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(d.CreatedAt),
			d.ConnectionID,
			d.SessionID,
			dash(d.ToolName),
			dash(d.Command),
			d.Source,
			colorOutcome(d.Outcome, outcome),
		)
	}
	tw.Flush()
}

func colorOutcome(kind, text string) string {
	if kind == "cancelled" {
		return color.YellowString(text)
	}
	return color.GreenString(text)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
