// Command gateway runs the schema-validating reverse proxy: it loads a
// route table from a YAML configuration file, then for every incoming
// request resolves a route, validates against that route's JSON Schema or
// OpenAPI operation, and forwards to the configured upstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AncientiCe/schema-gateway/forwarder"
	"github.com/AncientiCe/schema-gateway/gwconfig"
	"github.com/AncientiCe/schema-gateway/middleware"
	"github.com/AncientiCe/schema-gateway/openapi"
	"github.com/AncientiCe/schema-gateway/pipeline"
	"github.com/AncientiCe/schema-gateway/route"
	"github.com/AncientiCe/schema-gateway/schemacache"
)

var (
	configPath     = flag.String("config", "config.yml", "Path to gateway configuration YAML file")
	addr           = flag.String("addr", "127.0.0.1:8080", "HTTP listen address")
	validateConfig = flag.Bool("validate-config", false, "Validate the configuration file and exit")
	logLevel       = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	logger := newLogger(*logLevel)

	cfg, err := gwconfig.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if *validateConfig {
		fmt.Printf("Config valid: %s\n", *configPath)
		return
	}

	handler := buildHandler(cfg, logger)

	if err := preflight(handler); err != nil {
		logger.Error("startup preflight failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           middleware.Logging(logger, handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("gateway listening", "addr", *addr, "config", *configPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("gateway server error: %v", err)
		}
	}()

	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("gateway shutdown failed: %v", err)
	}
	logger.Info("gateway stopped")
}

func buildHandler(cfg *gwconfig.Config, logger *slog.Logger) *pipeline.Handler {
	return &pipeline.Handler{
		Table:   route.NewTable(cfg),
		Schemas: schemacache.New(logger),
		OpenAPI: openapi.New(logger),
		Client:  forwarder.NewClient(),
		Logger:  logger,
	}
}

// preflight eagerly loads every route's validation source so a missing or
// malformed schema/OpenAPI spec is fatal at startup rather than surfacing on
// a route's first request.
func preflight(h *pipeline.Handler) error {
	for _, rt := range h.Table.Routes() {
		switch rt.Source.Kind {
		case route.SourceJSONSchema:
			if _, err := h.Schemas.Load(rt.Source.SchemaPath); err != nil {
				return fmt.Errorf("route %s %s: %w", rt.Method, rt.PathTemplate, err)
			}
		case route.SourceOpenAPI:
			if _, err := h.OpenAPI.LoadOperation(rt.Source.OpenAPISpecPath, rt.PathTemplate, rt.Method, rt.Source.OpenAPIOperationID); err != nil {
				return fmt.Errorf("route %s %s: %w", rt.Method, rt.PathTemplate, err)
			}
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
