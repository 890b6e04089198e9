// ABOUTME: init subcommand: writes a starter config file
// ABOUTME: Refuses to overwrite an existing file unless forced

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/2389/coven-acp/internal/config"
)

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	path := fs.String("path", "", "where to write the config (default: standard location)")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	target := *path
	if target == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		target = p
	}

	if err := writeStarter(target, *force); err != nil {
		return err
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Wrote %s\n", target)
	fmt.Println("Edit the agents section, then run: coven-acp serve")
	return nil
}

func writeStarter(target string, force bool) error {
	if _, err := os.Stat(target); err == nil && !force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(target, []byte(config.Starter), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
