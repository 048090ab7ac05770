package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rajchodisetti/marketcache/internal/adapters"
	"github.com/Rajchodisetti/marketcache/internal/config"
	"github.com/Rajchodisetti/marketcache/internal/engine"
	"github.com/Rajchodisetti/marketcache/internal/observ"
	"github.com/Rajchodisetti/marketcache/internal/transport"
)

var version = "dev"

func main() {
	var cfgPath string
	var envPath string
	var addr string
	var provider string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with secrets")
	flag.StringVar(&addr, "addr", "", "listen address (overrides config)")
	flag.StringVar(&provider, "provider", "", "upstream provider: fmp or mock (overrides config)")
	flag.Parse()

	if err := config.LoadEnv(envPath); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if provider != "" {
		cfg.Upstream.Provider = provider
	}
	observ.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := adapters.NewProvider(cfg.Upstream)
	if err != nil {
		log.Fatalf("create provider: %v", err)
	}
	if err := p.HealthCheck(ctx); err != nil {
		observ.Warn("provider_health_check_failed", map[string]any{"provider": p.Name(), "error": err})
	}

	eng, err := engine.New(ctx, cfg, p)
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	srv := transport.NewServer(eng)
	go srv.Hub().Run(ctx)

	httpServer := srv.HTTPServer(cfg.Server)
	errCh := make(chan error, 1)
	go func() {
		observ.Log("startup", map[string]any{
			"addr":     cfg.Server.Addr,
			"provider": p.Name(),
			"backend":  cfg.Store.Backend,
			"version":  version,
		})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			observ.Warn("http_server_failed", map[string]any{"error": err})
		}
	}

	observ.Log("shutdown", map[string]any{"timeout": cfg.Server.ShutdownTimeout().String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()

	srv.Hub().Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		observ.Warn("http_shutdown_failed", map[string]any{"error": err})
	}
	if err := eng.Close(); err != nil {
		observ.Warn("engine_close_failed", map[string]any{"error": err})
		os.Exit(1)
	}
}
