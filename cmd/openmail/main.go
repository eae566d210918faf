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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.io/infrasutra/openmail/internal/api"
	"github.io/infrasutra/openmail/internal/auth"
	"github.io/infrasutra/openmail/internal/config"
	"github.io/infrasutra/openmail/internal/inbox"
	"github.io/infrasutra/openmail/internal/ingest"
	"github.io/infrasutra/openmail/internal/metrics"
	"github.io/infrasutra/openmail/internal/smtpserver"
	"github.io/infrasutra/openmail/internal/sse"
	"github.io/infrasutra/openmail/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}
	if cfg.DBPath == "" {
		logger.Warn("DB_PATH not set; accounts and messages are lost on restart")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	hub := sse.NewHub()
	pipeline := ingest.New(db, logger, ingest.WithNotifier(hub), ingest.WithMetrics(m))
	inboxService := inbox.New(db, pipeline, logger, inbox.WithMetrics(m))

	if cfg.SeedDemoAccounts {
		if err := inboxService.Seed(ctx, cfg.SMTPDomain); err != nil {
			logger.Error("seed demo accounts", "error", err)
			os.Exit(1)
		}
		logger.Info("demo accounts ready", "domain", cfg.SMTPDomain, "accounts", len(inbox.DemoUsernames))
	}

	smtpCfg := smtpserver.Config{
		Addr:            fmt.Sprintf(":%d", cfg.SMTPPort),
		Domain:          cfg.SMTPDomain,
		MaxMessageBytes: cfg.SMTPMaxMessageBytes,
	}
	relayUser, relayPassword := "", ""
	if cfg.SMTPAuthEnabled {
		smtpCfg.Auth = auth.NewAuthenticator(cfg.SMTPUsername, cfg.SMTPPassword, db)
		relayUser, relayPassword = cfg.SMTPUsername, cfg.SMTPPassword
		logger.Info("smtp auth enabled", "username", cfg.SMTPUsername)
	} else {
		logger.Warn("smtp auth disabled; server accepts unauthenticated connections")
	}
	smtpSrv := smtpserver.New(pipeline, logger, smtpCfg)

	apiServer := api.NewServer(inboxService, hub, logger,
		api.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		api.WithReadiness(db.Ping),
		api.WithEmailPageSize(int32(cfg.EmailPageSize)),
		api.WithSMTPRelay(fmt.Sprintf("127.0.0.1:%d", cfg.SMTPPort), relayUser, relayPassword),
	)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := smtpSrv.ListenAndServe(); err != nil {
			logger.Error("smtp server stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if err := smtpSrv.Shutdown(ctx); err != nil {
		logger.Error("shutdown smtp", "error", err)
	}
}
