package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	cipheradapter "github.com/ericfisherdev/mailgate/internal/adapter/driven/cipher"
	sesadapter "github.com/ericfisherdev/mailgate/internal/adapter/driven/ses"
	sqliteadapter "github.com/ericfisherdev/mailgate/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/mailgate/internal/adapter/driving/http"
	"github.com/ericfisherdev/mailgate/internal/application"
	"github.com/ericfisherdev/mailgate/internal/config"
	"github.com/ericfisherdev/mailgate/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing secrets).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"verify_interval", cfg.VerifyInterval,
		"verify_concurrency", cfg.VerifyConcurrency,
		"provider_endpoint", cfg.ProviderEndpoint,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Build the cipher and the audit signing subkey.
	cipher, err := cipheradapter.New(cfg.MasterSecret, cfg.EncryptionSalt)
	if err != nil {
		return err
	}
	signingKey, err := cipher.DeriveKey("audit-signing")
	if err != nil {
		return err
	}

	// 4. Open database (dual reader/writer with WAL mode) and migrate.
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("database ready", "path", cfg.DBPath)

	// 5. Metrics registry.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 6. Wire adapters.
	credentialStore := sqliteadapter.NewCredentialRepo(db)
	domainStore := sqliteadapter.NewDomainRepo(db)
	auditStore := sqliteadapter.NewAuditRepo(db)

	providerOpts := []sesadapter.Option{sesadapter.WithObserver(m)}
	if cfg.ProviderEndpoint != "" {
		providerOpts = append(providerOpts, sesadapter.WithEndpoint(cfg.ProviderEndpoint))
	}
	provider := sesadapter.NewClient(providerOpts...)

	// 7. Wire services.
	auditor := application.NewAuditor(auditStore, cipher, signingKey, m)
	vault := application.NewCredentialVault(credentialStore, cipher, provider, auditor, m)
	engine := application.NewDomainEngine(domainStore, vault, provider, auditor, m, cfg.MailProviderDomain)

	scheduler := application.NewVerificationScheduler(engine, domainStore, vault, credentialStore, application.SchedulerConfig{
		Interval:           cfg.VerifyInterval,
		Concurrency:        cfg.VerifyConcurrency,
		CheckTimeout:       cfg.VerifyTimeout,
		Expiry:             cfg.VerifyExpiry,
		RevalidateInterval: cfg.RevalidateInterval,
	}, m)
	go scheduler.Start(ctx)

	// 8. Operational HTTP endpoints.
	handler := httphandler.NewServeMux(httphandler.NewHandler(db.Reader, scheduler, reg, slog.Default()), slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.VerifyTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("mailgate started", "listen_addr", cfg.ListenAddr, "verify_interval", cfg.VerifyInterval)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with 10s timeout for HTTP server drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
