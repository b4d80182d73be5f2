package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
	"github.com/bionicotaku/lingo-utils-oidcx/server"
)

func main() {
	envFile := flag.String("env", "", "Optional path to a .env file (default ./.env when present)")
	flag.Parse()

	if err := run(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "auth-service: %v\n", err)
		os.Exit(1)
	}
}

func run(envFile string) error {
	cfg, err := server.LoadConfig(envFile)
	if err != nil {
		return err
	}
	logger, err := server.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuerCfg := cfg.IssuerConfig()
	if issuerCfg.ExpectedAudience() == "" {
		logger.Warn("audience check disabled: neither OIDC_AUDIENCE nor OIDC_CLIENT_ID is set; tokens for any audience are accepted")
	}

	verifier, closeKeys, err := buildVerifier(ctx, issuerCfg, cfg.LazyDiscovery, logger)
	if err != nil {
		return err
	}
	defer closeKeys()

	opts := []oidcx.GateOption{
		oidcx.WithLogger(logger.Named("gate")),
		oidcx.WithPublicPaths(cfg.PublicPaths...),
	}
	if cfg.DevBypass {
		logger.Warn("AUTH_DEV_BYPASS is enabled: every request is authenticated as a synthetic user")
		opts = append(opts, oidcx.WithDevBypass(oidcx.DefaultDevBypass()))
	}
	gate := oidcx.NewGate(verifier, cfg.ProviderTag(), opts...)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.NewRouter(gate, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auth service listening",
			zap.String("addr", srv.Addr),
			zap.String("provider", string(cfg.ProviderTag())),
			zap.String("issuer", issuerCfg.Issuer),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// buildVerifier discovers the issuer at startup, or defers discovery to the
// first protected request when lazy is set.
func buildVerifier(ctx context.Context, cfg oidcx.IssuerConfig, lazy bool, logger *zap.Logger) (oidcx.TokenVerifier, func(), error) {
	if lazy {
		logger.Info("issuer discovery deferred to first request", zap.String("issuer", cfg.Issuer))
		auth := oidcx.NewAuthenticator(cfg)
		return auth, auth.Close, nil
	}

	keys, err := oidcx.Discover(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("discover issuer: %w", err)
	}
	logger.Info("issuer discovered",
		zap.String("issuer", keys.Issuer()),
		zap.String("jwks_uri", keys.JWKSURI()),
	)
	if err := keys.Warmup(ctx); err != nil {
		logger.Warn("jwks warmup failed; keys will be fetched on first request", zap.Error(err))
	}
	return oidcx.NewVerifier(keys, cfg), keys.Close, nil
}
