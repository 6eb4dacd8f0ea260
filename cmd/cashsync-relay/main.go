package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/cashsync/internal/config"
	"github.com/agentworkforce/cashsync/internal/httpapi"
	"github.com/agentworkforce/cashsync/internal/logging"
	"github.com/agentworkforce/cashsync/internal/remotestore"
)

type closableBackend interface {
	httpapi.Backend
	Close() error
}

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("relay failed")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	backend, err := buildBackendFromDSN(cfg.Relay.StoreDSN, cfg.Relay.TablePrefix, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer backend.Close()

	if strings.TrimSpace(cfg.Relay.JWTSecret) == "" {
		if _, ok := backend.(*remotestore.Postgres); ok {
			return errors.New("CASHSYNC_JWT_SECRET is required with a database store")
		}
		logger.Warn("CASHSYNC_JWT_SECRET is not set, using the development secret")
	}

	relay := httpapi.NewServerWithConfig(backend, httpapi.ServerConfig{
		JWTSecret:       cfg.Relay.JWTSecret,
		RateLimitMax:    cfg.Relay.RateLimitMax,
		RateLimitWindow: cfg.Relay.RateLimitWindow,
		MaxBodyBytes:    cfg.Relay.MaxBodyBytes,
		AllowedOrigins:  cfg.Relay.AllowedOrigins,
		Logger:          logging.Component(logger, "relay"),
	})
	server := &http.Server{Addr: cfg.Relay.Addr, Handler: relay}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Relay.Addr).Info("cashsync relay listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		relay.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-rootCtx.Done():
	}

	logger.Info("relay shutting down")
	relay.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildBackendFromDSN selects the relay store: memory:// keeps everything in
// process, postgres:// persists to a database.
func buildBackendFromDSN(dsn, tablePrefix string, logger logrus.FieldLogger) (closableBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return remotestore.NewMemory(), nil
	case "postgres", "postgresql":
		return remotestore.NewPostgres(dsn,
			remotestore.WithTablePrefix(tablePrefix),
			remotestore.WithLogger(logging.Component(logger, "postgres")),
		)
	default:
		return nil, fmt.Errorf("unsupported relay store scheme: %s", parsed.Scheme)
	}
}
