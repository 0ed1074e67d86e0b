// Command opline resolves continuation tokens and drives checkpointed
// workflows from the command line, and serves the same surface over HTTP
// and MCP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/opline/opline/internal/adapter/fsstore"
	"github.com/opline/opline/internal/adapter/natskv"
	"github.com/opline/opline/internal/adapter/postgres"
	"github.com/opline/opline/internal/config"
	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
	"github.com/opline/opline/internal/logger"
	"github.com/opline/opline/internal/ops"
	"github.com/opline/opline/internal/port/checkpoint"
	"github.com/opline/opline/internal/service"
)

// Exit codes. Results and tokens go to stdout; logs and errors to stderr.
const (
	exitOK            = 0
	exitFatal         = 1
	exitProtocol      = 2 // malformed, signature_invalid, expired, action_not_permitted, results_stale
	exitConfirmation  = 3 // guarded action not confirmed
	exitHandlerFailed = 4
)

func main() {
	if len(os.Args) < 2 || os.Args[1] == "help" || os.Args[1] == "--help" {
		printHelp()
		os.Exit(exitOK)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runOperation(os.Args[2:])
	case "continue":
		err = runContinue(os.Args[2:])
	case "workflow":
		err = runWorkflow(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "mcp":
		err = runMCPStdio(os.Args[2:])
	case "admin":
		err = runAdmin(os.Args[2:])
	case "version":
		fmt.Println("opline 0.1.0")
	default:
		printHelp()
		err = fmt.Errorf("unknown command: %s", os.Args[1])
	}
	if err != nil {
		var ec exitError
		if errors.As(err, &ec) {
			if ec.msg != "" {
				fmt.Fprintln(os.Stderr, "error:", ec.msg)
			}
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitFatal)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: opline <command> [options]

Commands:
  run <command> <action>      Run an operation; prints result and continuation tokens
  continue <token> <action>   Resolve a continuation token with a chosen action
  workflow <subcommand>       Run, resume, list, and inspect workflows
  serve                       Serve the HTTP API and WebSocket event stream
  mcp                         Serve MCP tools over stdio
  admin <subcommand>          Maintenance commands
  version                     Print the version

Examples:
  opline run search analyze --param pattern=OldName
  opline continue <token> apply --confirm
  opline workflow run refactor.yaml --param pattern=OldName
  opline workflow resume <id> --step gate --option yes
`)
}

// exitError carries a process exit code alongside an optional message.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string { return e.msg }

// deps bundles the wired services a subcommand needs.
type deps struct {
	cfg      *config.Config
	log      *slog.Logger
	resolver *service.ResolverService
	engine   *service.EngineService
	store    checkpoint.Store
	cleanup  func()
}

// buildDeps loads config and wires codec, registry, store, and services.
// workspace is the root the built-in handlers operate on.
func buildDeps(ctx context.Context, workspace string) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	codec, err := token.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}
	if codec.Insecure() {
		log.Warn("OPLINE_TOKEN_SECRET is not set; tokens are signed with a weak install-derived key")
	}

	reg := action.NewRegistry()
	if err := ops.Register(reg, workspace); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	resolver, err := service.NewResolverService(codec, reg, nil, log)
	if err != nil {
		return nil, err
	}

	store, storeCleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		resolver.Close()
		return nil, err
	}

	engine, err := service.NewEngineService(resolver, store, cfg.Workflow, nil, nil, log)
	if err != nil {
		resolver.Close()
		storeCleanup()
		return nil, err
	}

	return &deps{
		cfg:      cfg,
		log:      log,
		resolver: resolver,
		engine:   engine,
		store:    store,
		cleanup: func() {
			engine.Close()
			resolver.Close()
			storeCleanup()
		},
	}, nil
}

// openStore selects the checkpoint store adapter by configured backend.
func openStore(ctx context.Context, cfg config.Store) (checkpoint.Store, func(), error) {
	switch cfg.Backend {
	case "fs":
		s, err := fsstore.New(cfg.FS.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return postgres.NewStore(pool), pool.Close, nil
	case "nats":
		s, err := natskv.Connect(ctx, cfg.NATS)
		if err != nil {
			return nil, nil, fmt.Errorf("nats: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// printEnvelope writes the envelope as indented JSON to stdout and converts
// its failure class to the process exit code.
func printEnvelope(env *service.Envelope) error {
	out, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if env.Status != service.StatusError {
		return nil
	}
	switch env.Failure {
	case service.FailConfirmationRequired:
		return exitError{code: exitConfirmation}
	case service.FailHandlerError:
		return exitError{code: exitHandlerFailed}
	default:
		return exitError{code: exitProtocol}
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// paramFlag collects repeated --param key=value flags. Values that parse as
// JSON keep their type; everything else stays a string.
type paramFlag map[string]any

func (p paramFlag) String() string { return "" }

func (p paramFlag) Set(s string) error {
	key, value, found := strings.Cut(s, "=")
	if !found || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		p[key] = parsed
	} else {
		p[key] = value
	}
	return nil
}
