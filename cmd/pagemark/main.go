// Command pagemark runs the reference annotation server: the CRUD
// persistence API plus the websocket push channel clients subscribe to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pagemark/pagemark/pkg/bus"
	"github.com/pagemark/pagemark/pkg/config"
	"github.com/pagemark/pagemark/pkg/server"
	"github.com/pagemark/pagemark/pkg/telemetry"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "pagemark: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pagemark <serve|version> [flags]")
	}
	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "version":
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	bind := fs.String("bind", "", "Listen address (overrides config)")
	traceOut := fs.String("trace", "", "Write spans to this file (empty disables tracing)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	shutdownTracing := func(context.Context) error { return nil }
	if *traceOut != "" {
		f, err := os.Create(*traceOut)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		shutdownTracing, err = telemetry.Setup("pagemark", f)
		if err != nil {
			return err
		}
	}

	db, err := server.OpenDB(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	var b bus.Bus
	if cfg.Server.NATSURL != "" {
		nb, err := bus.NewNATSBus(cfg.Server.NATSURL, "pagemark")
		if err != nil {
			return err
		}
		b = nb
		logger.Info("using NATS fan-out", slog.String("url", cfg.Server.NATSURL))
	} else {
		b = bus.NewMemoryBus()
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Config{
		DB:         db,
		Bus:        b,
		Logger:     logger,
		AuthSecret: cfg.Server.AuthSecret,
	})
	sub, err := srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("attach hub: %w", err)
	}
	defer sub.Unsubscribe()

	httpServer := &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Server.Bind))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		srv.Hub().Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
