package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/port/checkpoint"
)

// runWorkflow dispatches workflow subcommands (run, resume, list, show).
func runWorkflow(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printWorkflowHelp()
		return nil
	}

	switch args[0] {
	case "run":
		return runWorkflowRun(args[1:])
	case "resume":
		return runWorkflowResume(args[1:])
	case "list":
		return runWorkflowList(args[1:])
	case "show":
		return runWorkflowShow(args[1:])
	default:
		printWorkflowHelp()
		return fmt.Errorf("unknown workflow command: %s", args[0])
	}
}

func printWorkflowHelp() {
	fmt.Fprintf(os.Stderr, `Usage: opline workflow <command> [options]

Commands:
  run <file>       Start a workflow from a YAML definition file
  resume <id>      Answer the checkpoint a suspended workflow waits at
  list             List workflow instances
  show <id>        Print one workflow manifest
  help             Show this help message

Examples:
  opline workflow run refactor.yaml --param pattern=OldName
  opline workflow resume 4f7c... --step gate --option yes
  opline workflow list --status awaiting-checkpoint
`)
}

func runWorkflowRun(args []string) error {
	fs := flag.NewFlagSet("workflow run", flag.ContinueOnError)
	workspace := fs.String("workspace", ".", "workspace root the handlers operate on")
	params := paramFlag{}
	fs.Var(params, "param", "workflow parameter as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: opline workflow run <file> [--param key=value]")
	}

	data, err := os.ReadFile(fs.Arg(0)) //nolint:gosec // G304: user-supplied definition path
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, *workspace)
	if err != nil {
		return err
	}
	defer d.cleanup()

	def, err := d.engine.ParseDefinition(data)
	if err != nil {
		return err
	}

	m, err := d.engine.Start(ctx, def, params)
	if err != nil {
		return err
	}
	return printManifest(m)
}

func runWorkflowResume(args []string) error {
	fs := flag.NewFlagSet("workflow resume", flag.ContinueOnError)
	workspace := fs.String("workspace", ".", "workspace root the handlers operate on")
	step := fs.String("step", "", "checkpoint step id the decision targets (required)")
	option := fs.String("option", "", "chosen option id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: opline workflow resume <id> --step <step> --option <option>")
	}
	if *step == "" || *option == "" {
		return fmt.Errorf("--step and --option are required")
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, *workspace)
	if err != nil {
		return err
	}
	defer d.cleanup()

	m, err := d.engine.Resume(ctx, workflow.Decision{
		WorkflowID:       fs.Arg(0),
		CheckpointStepID: *step,
		ChosenOptionID:   *option,
	})
	if err != nil {
		return err
	}
	return printManifest(m)
}

func runWorkflowList(args []string) error {
	fs := flag.NewFlagSet("workflow list", flag.ContinueOnError)
	workspace := fs.String("workspace", ".", "workspace root the handlers operate on")
	status := fs.String("status", "", "filter by status")
	name := fs.String("name", "", "filter by definition name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, *workspace)
	if err != nil {
		return err
	}
	defer d.cleanup()

	list, err := d.engine.List(ctx, checkpoint.Filter{
		Status: workflow.Status(*status),
		Name:   *name,
	})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No workflows found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTEP\tUPDATED")
	for _, m := range list {
		step := m.Cursor.StepID
		if m.Waiting != nil {
			step = m.Waiting.StepID + " (waiting)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.WorkflowID, m.Definition.Name, m.Status, step, m.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runWorkflowShow(args []string) error {
	fs := flag.NewFlagSet("workflow show", flag.ContinueOnError)
	workspace := fs.String("workspace", ".", "workspace root the handlers operate on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: opline workflow show <id>")
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, *workspace)
	if err != nil {
		return err
	}
	defer d.cleanup()

	m, err := d.engine.Get(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(m)
}

// printManifest prints the manifest and, when suspended, the checkpoint
// prompt and options in a readable form on stderr.
func printManifest(m *workflow.Manifest) error {
	if err := printJSON(m); err != nil {
		return err
	}
	if m.Status == workflow.StatusAwaitingCheckpoint && m.Waiting != nil {
		fmt.Fprintf(os.Stderr, "\nWorkflow %s is waiting at %q: %s\n", m.WorkflowID, m.Waiting.StepID, m.Waiting.Prompt)
		for _, opt := range m.Waiting.Options {
			fmt.Fprintf(os.Stderr, "  --option %s\t%s\n", opt.ID, opt.Label)
		}
		fmt.Fprintf(os.Stderr, "\nResume with: opline workflow resume %s --step %s --option <option>\n",
			m.WorkflowID, m.Waiting.StepID)
	}
	return nil
}
