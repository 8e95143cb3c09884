package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/qduc/relay/pkg/auth"
	"github.com/qduc/relay/pkg/config"
	"github.com/qduc/relay/pkg/gateway"
	"github.com/qduc/relay/pkg/logger"
	"github.com/qduc/relay/pkg/orchestrator"
	"github.com/qduc/relay/pkg/providers"
	"github.com/qduc/relay/pkg/ratelimit"
	"github.com/qduc/relay/pkg/store"
)

type cli struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format (text or json)." default:"text" env:"LOG_FORMAT"`

	Serve    serveCmd    `cmd:"" default:"1" help:"Run the gateway server."`
	Validate validateCmd `cmd:"" help:"Validate configuration and exit."`
}

type serveCmd struct{}

type validateCmd struct{}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("relay"),
		kong.Description("LLM gateway: one client format, many upstream providers."),
		kong.UsageOnError(),
	)

	log := logger.New(logger.Options{Level: c.LogLevel, Format: c.LogFormat})
	ctx.FatalIfErrorf(ctx.Run(log))
}

func (v *validateCmd) Run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	registry := providers.NewRegistry()
	if err := applyProviders(registry, cfg.Providers, log); err != nil {
		return err
	}
	fmt.Printf("configuration ok: %d provider(s): %v\n", len(registry.IDs()), registry.IDs())
	return nil
}

func (s *serveCmd) Run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	registry := providers.NewRegistry()
	if err := applyProviders(registry, cfg.Providers, log); err != nil {
		return err
	}

	var st *store.Store
	if cfg.PersistTranscripts {
		db, dialect, err := store.Open(cfg.DBURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		st, err = store.New(db, dialect, log)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		defer st.Close()
		log.Info("transcript persistence enabled", "dialect", dialect)
	} else {
		log.Info("transcript persistence disabled")
	}

	var validator *auth.Validator
	if cfg.JWTSecret != "" {
		validator, err = auth.NewHS256Validator(cfg.JWTSecret, "", "")
		if err != nil {
			return fmt.Errorf("failed to build token validator: %w", err)
		}
		log.Info("authentication enabled")
	}

	var limiter *ratelimit.Limiter
	var estimator func(r *http.Request) int64
	if cfg.RateMax > 0 {
		limiter, err = ratelimit.New(ratelimit.Config{
			MaxRequests: cfg.RateMax,
			Window:      cfg.RateWindow(),
		}, ratelimit.NewMemoryStore())
		if err != nil {
			return fmt.Errorf("failed to build rate limiter: %w", err)
		}
		model := ""
		if def := registry.Default(); def != nil {
			model = def.DefaultModel()
		}
		estimator = ratelimit.NewTokenEstimator(model)
		log.Info("rate limiting enabled", "max", cfg.RateMax, "window", cfg.RateWindow())
	}

	toolset := orchestrator.NewToolset()
	orchestrator.RegisterBuiltins(toolset)

	server := gateway.NewServer(gateway.Options{
		Providers:      registry,
		Store:          st,
		Toolset:        toolset,
		Validator:      validator,
		RateLimiter:    limiter,
		TokenEstimator: estimator,
		Logger:         log,
		MaxIterations:  cfg.MaxToolIterations,
		Concurrency:    cfg.ToolConcurrency,
	})

	if cfg.ProvidersFile != "" {
		stop, err := config.WatchProviders(cfg.ProvidersFile, log, func(list []config.ProviderConfig) {
			if err := applyProviders(registry, list, log); err != nil {
				log.Error("provider reload failed", "error", err)
			} else {
				log.Info("providers reloaded", "ids", registry.IDs())
			}
		})
		if err != nil {
			log.Warn("provider file watch unavailable", "error", err)
		} else {
			defer stop()
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	}
	return nil
}

// applyProviders loads the configured providers into the registry,
// replacing whatever was there.
func applyProviders(registry *providers.Registry, list []config.ProviderConfig, log *slog.Logger) error {
	settings := make([]providers.Settings, 0, len(list))
	for _, p := range list {
		settings = append(settings, providers.Settings{
			ID:           p.ID,
			Kind:         providers.Kind(p.Kind),
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			DefaultModel: p.DefaultModel,
			ExtraHeaders: p.ExtraHeaders,
			MaxRetries:   p.MaxRetries,
		})
	}
	if len(settings) == 0 {
		return fmt.Errorf("no providers configured")
	}
	return registry.Reload(settings, log)
}
