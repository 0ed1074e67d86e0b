package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "sweep":
		return runAdminSweep(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: opline admin <command> [options]

Commands:
  sweep   Remove workflow manifests past their retention window
  help    Show this help message
`)
}

func runAdminSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	workspace := fs.String("workspace", ".", "workspace root the handlers operate on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, *workspace)
	if err != nil {
		return err
	}
	defer d.cleanup()

	n, err := d.engine.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Removed %d expired workflow manifest(s)\n", n)
	return nil
}
