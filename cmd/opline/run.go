package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/service"
)

// runOperation handles `opline run <command> <action>`.
func runOperation(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	workspace := fs.String("workspace", ".", "workspace root the handlers operate on")
	params := paramFlag{}
	fs.Var(params, "param", "operation parameter as key=value (repeatable)")
	confirm := fs.Bool("confirm", false, "confirm a guarded action")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: opline run <command> <action> [--param key=value]")
	}
	command, actionID := fs.Arg(0), fs.Arg(1)
	if *confirm {
		params[action.ConfirmParam] = true
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, *workspace)
	if err != nil {
		return err
	}
	defer d.cleanup()

	env, err := d.resolver.Invoke(ctx, command, actionID, params)
	if err != nil {
		return err
	}
	return printEnvelope(env)
}

// runContinue handles `opline continue <token> <action>`.
func runContinue(args []string) error {
	fs := flag.NewFlagSet("continue", flag.ContinueOnError)
	workspace := fs.String("workspace", ".", "workspace root the handlers operate on")
	params := paramFlag{}
	fs.Var(params, "param", "extra parameter as key=value (repeatable)")
	confirm := fs.Bool("confirm", false, "confirm a guarded action")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: opline continue <token> <action> [--confirm] [--param key=value]")
	}
	encoded, actionID := fs.Arg(0), fs.Arg(1)
	if *confirm {
		params[action.ConfirmParam] = true
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, *workspace)
	if err != nil {
		return err
	}
	defer d.cleanup()

	env, err := d.resolver.Resolve(ctx, encoded, actionID, params)
	if err != nil {
		return err
	}

	// A guarded refusal on an interactive terminal becomes a prompt instead
	// of an exit code.
	if env.Failure == service.FailConfirmationRequired && !*confirm && term.IsTerminal(int(os.Stdin.Fd())) {
		if promptYesNo(env.Message) {
			params[action.ConfirmParam] = true
			env, err = d.resolver.Resolve(ctx, encoded, actionID, params)
			if err != nil {
				return err
			}
		}
	}
	return printEnvelope(env)
}

// promptYesNo asks on stderr and reads one line from stdin. Defaults to no.
func promptYesNo(message string) bool {
	fmt.Fprintf(os.Stderr, "%s\nProceed? [y/N]: ", message)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
