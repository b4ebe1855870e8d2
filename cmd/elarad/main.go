// cmd/elarad/main.go
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elara-app/elara-go/internal/chain"
	"github.com/elara-app/elara-go/internal/config"
	"github.com/elara-app/elara-go/internal/endpoint"
	"github.com/elara-app/elara-go/internal/ens"
	"github.com/elara-app/elara-go/internal/gateway"
	"github.com/elara-app/elara-go/internal/metrics"
	"github.com/elara-app/elara-go/internal/registration"
	"github.com/elara-app/elara-go/internal/server"
	"github.com/elara-app/elara-go/internal/session"
	"github.com/elara-app/elara-go/internal/storage"
	"github.com/elara-app/elara-go/internal/upload"
)

const (
	shutdownTimeout = 10 * time.Second
	cleanupInterval = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("elarad stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// app holds the wired service.
type app struct {
	handler *server.Handler
	store   storage.Store
	manager *registration.Manager
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires every component from cfg.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	client, err := chain.Dial(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, client.Close)

	naming := ens.Naming{
		AppDomain:     cfg.AppDomain,
		GatewaySuffix: ens.DefaultGatewaySuffix,
		NameSuffix:    ens.DefaultNameSuffix,
	}
	registry := ens.NewRegistry(client, cfg.RegistryAddress, cfg.RegistrarAddress)
	resolver := ens.NewResolver(naming, registry, logger)

	endpoints, err := endpoint.NewRegistry(resolver, cfg.EndpointCacheSize, endpoint.Options{
		DefaultBaseURL: cfg.DefaultBaseURL,
		VMURLTemplate:  cfg.VMURLTemplate,
		Logger:         logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	uploader, err := upload.New(cfg.UploadURL)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("upload client: %w", err)
	}

	issuer, err := session.NewIssuer(ed25519.PrivateKey(cfg.JWTPrivateKey), cfg.JWTIssuer, cfg.JWTAudience, cfg.SessionTTL)
	if err != nil {
		a.close()
		return nil, err
	}

	a.manager = registration.NewManager(
		registration.Deps{Chain: registry, Balances: client, Uploader: uploader},
		registration.Config{
			Naming:       naming,
			ContentHash:  cfg.ContentHash,
			MinBalance:   cfg.MinBalance,
			PollInterval: cfg.PollInterval,
			SettleDelay:  cfg.SettleDelay,
			MaxAttempts:  cfg.MaxAttempts,
			Logger:       logger,
		},
		store,
	)

	a.handler, err = server.New(cfg, server.Deps{
		Store:     store,
		Resolver:  resolver,
		Endpoints: endpoints,
		Gateway:   gateway.New(gateway.WithHTTPClient(&http.Client{Timeout: cfg.GatewayHTTPTimeout}), gateway.WithLogger(logger)),
		Names:     registry,
		Manager:   a.manager,
		Issuer:    issuer,
	}, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.StoreBackend != "postgres" {
		logger.Info("using in-memory store")
		return storage.NewMemory(), func() {}, nil
	}
	pg, err := storage.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.MigratePostgres(ctx, pg.DB()); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("using postgres store")
	return pg, func() { _ = pg.Close() }, nil
}

// run serves until ctx ends, then drains the servers and the registration runs.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           a.handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("elarad starting", "addr", srv.Addr, "env", cfg.Env)
		return listen(srv)
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics listening", "addr", metricsSrv.Addr)
			return listen(metricsSrv)
		})
	}
	g.Go(func() error {
		cleanupLoop(gctx, a.store, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		if err := a.manager.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("registration shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// cleanupLoop drops expired idempotency records until ctx ends.
func cleanupLoop(ctx context.Context, store storage.Store, logger *slog.Logger) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := store.CleanupExpired(ctx, now.UTC()); err != nil && ctx.Err() == nil {
				logger.Warn("idempotency cleanup failed", "error", err)
			}
		}
	}
}
