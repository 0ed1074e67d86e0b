package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	ophttp "github.com/opline/opline/internal/adapter/http"
	opmcp "github.com/opline/opline/internal/adapter/mcp"
	opotel "github.com/opline/opline/internal/adapter/otel"
	"github.com/opline/opline/internal/adapter/ws"
	"github.com/opline/opline/internal/config"
	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
	"github.com/opline/opline/internal/logger"
	"github.com/opline/opline/internal/ops"
	"github.com/opline/opline/internal/service"
)

// runServe handles `opline serve`: the HTTP API, the WebSocket event
// stream, and optionally MCP over HTTP.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	workspace := fs.String("workspace", ".", "workspace root the handlers operate on")
	mcpAddr := fs.String("mcp-addr", "", "also serve MCP tools over HTTP on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	ctx := context.Background()

	shutdownTelemetry, err := opotel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error("telemetry shutdown failed", "error", err)
		}
	}()

	var metrics service.MetricsRecorder
	if cfg.Telemetry.Enabled {
		m, err := opotel.NewMetrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metrics = m
	}

	codec, err := token.New(cfg.Token)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	if codec.Insecure() {
		log.Warn("OPLINE_TOKEN_SECRET is not set; tokens are signed with a weak install-derived key")
	}

	reg := action.NewRegistry()
	if err := ops.Register(reg, *workspace); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}

	resolver, err := service.NewResolverService(codec, reg, metrics, log)
	if err != nil {
		return err
	}
	defer resolver.Close()

	store, storeCleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer storeCleanup()

	hub := ws.NewHub()
	engine, err := service.NewEngineService(resolver, store, cfg.Workflow, metrics, hub, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	r := chi.NewRouter()
	r.Use(ophttp.CORS(cfg.Server.CORSOrigin))
	r.Use(ophttp.SecurityHeaders)
	r.Use(ophttp.Logger)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(opotel.HTTPMiddleware(cfg.Logging.Service))
	}

	ophttp.MountRoutes(r, ophttp.NewHandlers(resolver, engine), hub)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var mcpSrv *opmcp.Server
	if *mcpAddr != "" {
		mcpSrv = opmcp.NewServer(opmcp.ServerConfig{
			Addr:    *mcpAddr,
			Name:    cfg.Logging.Service,
			Version: "0.1.0",
		}, resolver, engine)
		go func() {
			if err := mcpSrv.Start(); err != nil {
				log.Error("mcp server failed", "error", err)
			}
		}()
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("mcp shutdown failed", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

// runMCPStdio handles `opline mcp`: MCP tools over stdin/stdout.
func runMCPStdio(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
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

	srv := opmcp.NewServer(opmcp.ServerConfig{
		Name:    d.cfg.Logging.Service,
		Version: "0.1.0",
	}, d.resolver, d.engine)

	return srv.ServeStdio()
}
