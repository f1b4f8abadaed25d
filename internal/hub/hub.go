// Package hub ties the hub components together into one runnable process.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/conveyor-ci/conveyor/internal/api"
	"github.com/conveyor-ci/conveyor/internal/auth"
	"github.com/conveyor-ci/conveyor/internal/billing"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/store"
	"github.com/conveyor-ci/conveyor/internal/stream"
)

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	billing      *billing.Service
	relay        *stream.Relay
	api          *api.Server
	logger       *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Creates the initial admin user for the builtin provider.
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var workerAuth auth.WorkerAuthProvider
	if wa, ok := authProvider.(auth.WorkerAuthProvider); ok {
		workerAuth = wa
	} else {
		workerAuth = auth.NewService(db, cfg.Auth)
	}

	var billingSvc *billing.Service
	if cfg.Billing.Enabled {
		provider := billing.NewHTTPProvider(cfg.Billing.APIBase, cfg.Billing.SecretKey)
		billingSvc = billing.NewService(db, provider, cfg.Billing, logger)
	}

	relay := stream.New(logger, cfg.Server.AllowedOrigins, cfg.Jobs.LogBufferFrames)
	apiSrv := api.NewServer(cfg, db, authProvider, workerAuth, billingSvc, relay, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		billing:      billingSvc,
		relay:        relay,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" && len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}
	if !cfg.Billing.Enabled {
		logger.Info("billing disabled, all plans unrestricted")
	}

	return h, nil
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	h.api.StartBackgroundTasks(ctx)

	if h.cfg.Storage.JobRetention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.JobRetention.Duration, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, jobRetention, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobCutoff := time.Now().Add(-jobRetention)
			if n, err := h.store.PurgeOldJobs(ctx, jobCutoff); err != nil {
				h.logger.Warn("retention purge: jobs failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old jobs", "count", n)
			}
			if auditRetention <= 0 {
				continue
			}
			auditCutoff := time.Now().Add(-auditRetention)
			if n, err := h.store.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
