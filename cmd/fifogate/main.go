// Command fifogate is the FIFO queue gateway server process.
// It loads configuration, opens the queue store, and starts the HTTP server.
//
// Usage:
//
//	fifogate [--config path/to/config.yaml] [--migrate-only]
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

	"github.com/snehjoshi/fifogate/internal/access"
	"github.com/snehjoshi/fifogate/internal/config"
	"github.com/snehjoshi/fifogate/internal/gateway"
	"github.com/snehjoshi/fifogate/internal/metrics"
	"github.com/snehjoshi/fifogate/internal/store"
	"github.com/snehjoshi/fifogate/internal/store/boltstore"
	"github.com/snehjoshi/fifogate/internal/store/sqlstore"
	transphttp "github.com/snehjoshi/fifogate/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fifogate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	migrateOnly := flag.Bool("migrate-only", false, "create the schema and exit")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// ── 3. Open the queue store ──────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := openStore(ctx, cfg, *migrateOnly)
	cancel()
	if err != nil {
		return err
	}
	if *migrateOnly {
		slog.Info("schema ready", "driver", cfg.Store.Driver)
		return st.Close()
	}

	slog.Info("fifogate starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"driver", cfg.Store.Driver,
		"pool_size", cfg.Store.PoolSize,
		"allow_list_entries", len(cfg.Access.AllowedIPs),
		"trust_proxy", cfg.Access.TrustProxy,
	)
	if len(cfg.Access.AllowedIPs) == 0 {
		slog.Warn("access.allowed_ips is empty; every delivery will be refused")
	}

	// ── 4. Wire the gateway ──────────────────────────────────────────────────
	guarded := store.Guard(st, string(cfg.Store.Driver), store.BreakerConfig{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutMs) * time.Millisecond,
	}, logger)

	allow, err := access.New(cfg.Access.AllowedIPs)
	if err != nil {
		_ = guarded.Close()
		return fmt.Errorf("access list: %w", err)
	}

	metricsReg := &metrics.Registry{}
	svc := gateway.New(guarded, allow,
		gateway.WithMetrics(metricsReg),
		gateway.WithLogger(logger),
	)
	metricsReg.Depth = func() (int64, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return svc.Depth(ctx)
	}

	// ── 5. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(svc, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("fifogate ready", "addr", addr, "tls", srv.TLS())
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 6. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 7. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		_ = guarded.Close()
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutCtx, cancelShut := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancelShut()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if err := guarded.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("fifogate stopped")
	return nil
}

// openStore builds the configured backend. SQL schemas are migrated when
// auto_migrate is set or migrate is true; bbolt creates its bucket on open.
func openStore(ctx context.Context, cfg *config.Config, migrate bool) (store.Store, error) {
	sc := cfg.Store
	if sc.Driver == config.DriverBolt {
		bs, err := boltstore.Open(boltstore.Config{
			Path:        sc.Path,
			LockTimeout: sc.AcquireTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return bs, nil
	}

	ss, err := sqlstore.Open(ctx, sqlstore.Config{
		Dialect:        sqlstore.Dialect(sc.Driver),
		DSN:            sc.DSN,
		Path:           sc.Path,
		Host:           sc.Host,
		User:           sc.User,
		Password:       sc.Password,
		Database:       sc.Name,
		PoolSize:       sc.PoolSize,
		AcquireTimeout: sc.AcquireTimeout(),
		OpTimeout:      sc.OpTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", sc.Driver, err)
	}
	if sc.AutoMigrate || migrate {
		if err := ss.Migrate(ctx); err != nil {
			_ = ss.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		slog.Info("schema migrated", "driver", sc.Driver)
	}
	return ss, nil
}
