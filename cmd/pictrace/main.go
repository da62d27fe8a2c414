// Entry point for the pictrace service: reverse-image search with SSRF
// validation, daily quotas, request deduplication, a provider circuit
// breaker, and a result cache, exposed over HTTP and optionally MCP.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pictrace/pictrace/breaker"
	"github.com/pictrace/pictrace/dedup"
	"github.com/pictrace/pictrace/httpapi"
	"github.com/pictrace/pictrace/kv"
	"github.com/pictrace/pictrace/provider"
	"github.com/pictrace/pictrace/search"
	"github.com/pictrace/pictrace/turnstile"
)

const version = "1.0.0"

func main() {
	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logOut := io.Writer(os.Stdout)
	mcpTransport := env("MCP_TRANSPORT", "")
	if mcpTransport == "stdio" {
		// Stdout belongs to the MCP session.
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	store, closeStore, err := openStore(ctx, cfg, done)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	client := provider.New(cfg.Provider.BaseURL, cfg.Provider.Login, cfg.Provider.Password,
		provider.WithMaxAttempts(cfg.Provider.MaxAttempts),
		provider.WithTimeout(cfg.Provider.Timeout),
		provider.WithLocale(cfg.Provider.LocationCode, cfg.Provider.LanguageCode),
	)

	group := dedup.New[*search.Result]()
	group.StartSweeper(done, time.Minute)

	svc := search.NewService(store, client,
		search.WithDailyLimit(cfg.Limits.DailyPerCaller),
		search.WithTTLs(cfg.Cache.ResultTTL, cfg.Cache.TaskTTL),
		search.WithGroup(group),
		search.WithBreaker(breaker.New("image-search-provider",
			breaker.WithThreshold(cfg.Breaker.Threshold),
			breaker.WithResetTimeout(cfg.Breaker.ResetTimeout),
			breaker.WithHalfOpenMax(cfg.Breaker.HalfOpenMax),
		)),
		search.WithLogger(logger),
	)

	// MCP over stdio replaces the HTTP server entirely.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "pictrace",
			Version: version,
		}, nil)
		svc.RegisterMCP(mcpSrv)
		slog.Info("MCP stdio starting")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			slog.Error("MCP stdio", "error", err)
			os.Exit(1)
		}
		return
	}

	var apiOpts []httpapi.Option
	apiOpts = append(apiOpts, httpapi.WithLogger(logger))
	if cfg.Turnstile.Secret != "" {
		apiOpts = append(apiOpts, httpapi.WithTurnstile(turnstile.New(cfg.Turnstile.Secret)))
	}
	if cfg.Admin.User != "" && cfg.Admin.PasswordHash != "" {
		apiOpts = append(apiOpts, httpapi.WithAdmin(cfg.Admin.User, cfg.Admin.PasswordHash))
	}
	api := httpapi.New(svc, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// loadConfig reads the optional YAML file, layers environment
// overrides on top, and normalizes the result.
func loadConfig() (*search.Config, error) {
	cfg := &search.Config{}
	path := env("CONFIG", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		cfg, err = search.LoadConfig(path)
		if err != nil {
			return nil, err
		}
	} else if os.Getenv("CONFIG") != "" {
		// An explicitly named file must exist.
		return nil, err
	}

	setIf(&cfg.Listen, "LISTEN")
	setIf(&cfg.Store.Backend, "STORE_BACKEND")
	setIf(&cfg.Store.Path, "STORE_PATH")
	setIf(&cfg.Store.Addr, "REDIS_ADDR")
	setIf(&cfg.Store.Password, "REDIS_PASSWORD")
	setIf(&cfg.Provider.BaseURL, "PROVIDER_BASE_URL")
	setIf(&cfg.Provider.Login, "PROVIDER_LOGIN")
	setIf(&cfg.Provider.Password, "PROVIDER_PASSWORD")
	setIf(&cfg.Turnstile.Secret, "TURNSTILE_SECRET")
	setIf(&cfg.Admin.User, "ADMIN_USER")
	setIf(&cfg.Admin.PasswordHash, "ADMIN_PASSWORD_HASH")
	if v := os.Getenv("DAILY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.DailyPerCaller = n
		}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore builds the configured kv backend and starts its sweeper.
func openStore(ctx context.Context, cfg *search.Config, done <-chan struct{}) (kv.Store, func(), error) {
	switch cfg.Store.Backend {
	case "sqlite":
		st, err := kv.OpenSQLite(cfg.Store.Path, kv.WithMkdirAll())
		if err != nil {
			return nil, nil, err
		}
		st.StartSweeper(done, time.Minute)
		return st, func() { st.Close() }, nil
	case "redis":
		st, err := kv.NewRedis(ctx, cfg.Store.Addr, cfg.Store.Password, cfg.Store.DB)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		st := kv.NewMemory()
		st.StartSweeper(done, time.Minute)
		return st, func() {}, nil
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setIf(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
