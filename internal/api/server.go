// Package api implements the hub's HTTP surface: the dashboard and job API,
// the billing webhook, the worker protocol, and the log-streaming websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/conveyor-ci/conveyor/internal/auth"
	"github.com/conveyor-ci/conveyor/internal/billing"
	"github.com/conveyor-ci/conveyor/internal/config"
	"github.com/conveyor-ci/conveyor/internal/store"
	"github.com/conveyor-ci/conveyor/internal/stream"
)

// SignatureHeader carries the billing provider's webhook signature.
const SignatureHeader = "Conveyor-Billing-Signature"

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	workerAuth   auth.WorkerAuthProvider
	billing      *billing.Service // nil when billing is disabled
	relay        *stream.Relay
	logger       *slog.Logger
	mux          *chi.Mux

	maxBodyBytes int64
	listLimit    int
	maxListLimit int
	startTime    time.Time

	loginRL *rateLimiter
	rl      *rateLimiter
}

// NewServer builds the router. billingSvc may be nil, in which case the
// billing routes return 404.
func NewServer(cfg *config.Config, s store.Store, provider auth.Provider, workerAuth auth.WorkerAuthProvider, billingSvc *billing.Service, relay *stream.Relay, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: provider,
		workerAuth:   workerAuth,
		billing:      billingSvc,
		relay:        relay,
		logger:       logger.With("component", "api"),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		listLimit:    cfg.Jobs.ListLimit,
		maxListLimit: cfg.Jobs.MaxListLimit,
		startTime:    time.Now(),
		loginRL:      newRateLimiter(5, 10),
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, float64(cfg.RateLimit.Burst)),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Get("/api/auth/config", srv.handleAuthConfig)
	mux.With(srv.loginIPRateLimitMiddleware).Post("/api/auth/login", srv.handleLogin)

	if billingSvc != nil {
		mux.Post("/webhooks/billing", srv.handleBillingWebhook)
	}

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.rateLimitMiddleware)

		r.Get("/api/me", srv.handleMe)

		if billingSvc != nil {
			r.Get("/api/billing/subscription", srv.handleGetSubscription)
			r.Post("/api/billing/checkout", srv.handleCheckout)
			r.Post("/api/billing/portal", srv.handlePortal)
		}

		r.Get("/api/v1/jobs", srv.handleListJobs)
		r.Post("/api/v1/jobs", srv.handleCreateJob)
		r.Get("/api/v1/jobs/{jobID}", srv.handleGetJob)
		r.Post("/api/v1/jobs/{jobID}/cancel", srv.handleCancelJob)
		r.Post("/api/v1/jobs/{jobID}/retry", srv.handleRetryJob)

		r.Get("/api/v1/api-keys", srv.handleListAPIKeys)
		r.Post("/api/v1/api-keys", srv.handleCreateAPIKey)
		r.Delete("/api/v1/api-keys/{keyID}", srv.handleDeleteAPIKey)

		r.Group(func(admin chi.Router) {
			admin.Use(srv.adminMiddleware)
			admin.Get("/api/admin/audit", srv.handleListAudit)
			admin.Post("/api/admin/worker-tokens", srv.handleCreateWorkerToken)
		})
	})

	// The websocket route does its own auth so browser clients can pass the
	// token as a query parameter.
	mux.Get("/api/v1/jobs/{jobID}/logs", srv.handleJobLogsWS)

	mux.Group(func(r chi.Router) {
		r.Use(srv.workerAuthMiddleware)
		r.Post("/api/v1/worker/claim", srv.handleWorkerClaim)
		r.Post("/api/v1/worker/jobs/{jobID}/logs", srv.handleWorkerLogs)
		r.Post("/api/v1/worker/jobs/{jobID}/complete", srv.handleWorkerComplete)
	})

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks launches periodic maintenance goroutines. They stop
// when the context is canceled.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.loginRL.startCleanup(ctx)
	s.rl.startCleanup(ctx)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	login, ok := s.authProvider.(auth.LoginProvider)
	if !ok {
		writeError(w, http.StatusNotFound, "password login is not available with hosted auth")
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	token, err := login.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "login.failed", "", "", map[string]string{"email": req.Email})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "login.success", user.ID, "", nil)

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Billing ---

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, s.maxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	err = s.billing.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, billing.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, billing.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "malformed payload")
	default:
		s.logger.Error("webhook processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
	}
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	sub, err := s.billing.EnsureSubscription(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Plan       string `json:"plan"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, http.StatusBadRequest, "success_url and cancel_url are required")
		return
	}

	session, err := s.billing.StartCheckout(r.Context(), identity.UserID, identity.Email, req.Plan, req.SuccessURL, req.CancelURL)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownPlan) {
			writeError(w, http.StatusBadRequest, "unknown plan")
			return
		}
		s.logger.Error("checkout failed", "error", err, "user_id", identity.UserID)
		writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handlePortal(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req struct {
		ReturnURL string `json:"return_url"`
	}
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		writeError(w, http.StatusBadRequest, "return_url is required")
		return
	}

	url, err := s.billing.PortalURL(r.Context(), identity.UserID, req.ReturnURL)
	if err != nil {
		if errors.Is(err, billing.ErrNotSubscribed) {
			writeError(w, http.StatusConflict, "no active subscription")
			return
		}
		s.logger.Error("portal session failed", "error", err, "user_id", identity.UserID)
		writeError(w, http.StatusBadGateway, "failed to create portal session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// --- Jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	status := r.URL.Query().Get("status")
	switch status {
	case "", store.JobPending, store.JobRunning, store.JobCompleted, store.JobFailed, store.JobCancelled:
	default:
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	limit := s.listLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > s.maxListLimit {
		limit = s.maxListLimit
	}

	userID := identity.UserID
	if identity.Role == "admin" && r.URL.Query().Get("all") == "true" {
		userID = ""
	}

	jobs, err := s.store.ListJobs(r.Context(), userID, status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req struct {
		SourceType string `json:"source_type"`
		SourceURL  string `json:"source_url"`
		Command    string `json:"command"`
		Script     string `json:"script"`
	}
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.SourceType != "git" && req.SourceType != "upload" {
		writeError(w, http.StatusBadRequest, "source_type must be \"git\" or \"upload\"")
		return
	}
	if req.SourceType == "git" && !strings.HasPrefix(req.SourceURL, "https://") && !strings.HasPrefix(req.SourceURL, "git@") {
		writeError(w, http.StatusBadRequest, "source_url must be an https or git URL")
		return
	}
	if (req.Command == "") == (req.Script == "") {
		writeError(w, http.StatusBadRequest, "exactly one of command or script is required")
		return
	}

	job := &store.Job{
		ID:         uuid.New().String(),
		UserID:     identity.UserID,
		SourceType: req.SourceType,
		SourceURL:  req.SourceURL,
		Command:    req.Command,
		Script:     req.Script,
		Status:     store.JobPending,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.audit(r, "job.created", identity.UserID, job.ID, nil)

	writeJSON(w, http.StatusCreated, job)
}

// loadOwnedJob fetches the job and enforces ownership. It writes the error
// response and returns nil when access is denied.
func (s *Server) loadOwnedJob(w http.ResponseWriter, r *http.Request) *store.Job {
	identity := getIdentityFromContext(r.Context())
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return nil
	}
	if job == nil || (job.UserID != identity.UserID && identity.Role != "admin") {
		writeError(w, http.StatusNotFound, "job not found")
		return nil
	}
	return job
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadOwnedJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadOwnedJob(w, r)
	if job == nil {
		return
	}
	if job.Status != store.JobPending && job.Status != store.JobRunning {
		writeError(w, http.StatusConflict, "job is not pending or running")
		return
	}

	if err := s.store.UpdateJobStatus(r.Context(), job.ID, store.JobCancelled); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.relay.Finish(job.ID)
	s.audit(r, "job.cancelled", job.UserID, job.ID, nil)

	job.Status = store.JobCancelled
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job := s.loadOwnedJob(w, r)
	if job == nil {
		return
	}
	if job.Status != store.JobFailed && job.Status != store.JobCancelled {
		writeError(w, http.StatusConflict, "only failed or cancelled jobs can be retried")
		return
	}

	retry := &store.Job{
		ID:         uuid.New().String(),
		UserID:     job.UserID,
		SourceType: job.SourceType,
		SourceURL:  job.SourceURL,
		Command:    job.Command,
		Script:     job.Script,
		Status:     store.JobPending,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateJob(r.Context(), retry); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to retry job")
		return
	}
	s.audit(r, "job.retried", job.UserID, retry.ID, map[string]string{"retried_from": job.ID})

	writeJSON(w, http.StatusCreated, retry)
}

func (s *Server) handleJobLogsWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = authHeader[7:]
		}
	}
	identity, err := s.resolveIdentity(r.Context(), token)
	if err != nil || identity == nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil || (job.UserID != identity.UserID && identity.Role != "admin") {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	s.relay.HandleLogsWS(w, r, job.ID)
}

// --- API keys ---

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	keys, err := s.store.ListAPIKeys(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Name) > 100 {
		writeError(w, http.StatusBadRequest, "name must be 1-100 characters")
		return
	}

	key, raw, err := auth.GenerateAPIKey(r.Context(), s.store, identity.UserID, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}
	s.audit(r, "apikey.created", identity.UserID, "", map[string]string{"key_id": key.ID})

	// The raw key is returned exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": key,
		"key":     raw,
	})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	deleted, err := s.store.DeleteAPIKey(r.Context(), identity.UserID, chi.URLParam(r, "keyID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete api key")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "api key not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Workers ---

func (s *Server) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	workerID := getWorkerIDFromContext(r.Context())
	job, err := s.store.ClaimNextJob(r.Context(), workerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to claim job")
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.logger.Info("job claimed", "job_id", job.ID, "worker_id", workerID)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWorkerLogs(w http.ResponseWriter, r *http.Request) {
	workerID := getWorkerIDFromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil || job.WorkerID != workerID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	var req struct {
		Lines []stream.LogLine `json:"lines"`
	}
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for _, line := range req.Lines {
		line.JobID = jobID
		s.relay.Publish(line)
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(req.Lines)})
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	workerID := getWorkerIDFromContext(r.Context())
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job == nil || job.WorkerID != workerID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status != store.JobRunning {
		writeError(w, http.StatusConflict, "job is not running")
		return
	}

	var req struct {
		Status       string  `json:"status"`
		ExitCode     int     `json:"exit_code"`
		BuildMinutes float64 `json:"build_minutes"`
	}
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != store.JobCompleted && req.Status != store.JobFailed {
		writeError(w, http.StatusBadRequest, "status must be \"completed\" or \"failed\"")
		return
	}
	if req.BuildMinutes < 0 {
		writeError(w, http.StatusBadRequest, "build_minutes must not be negative")
		return
	}

	if err := s.store.CompleteJob(r.Context(), jobID, req.Status, req.ExitCode, req.BuildMinutes); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to complete job")
		return
	}
	if minutes := int(math.Ceil(req.BuildMinutes)); minutes > 0 {
		if err := s.store.AddUsageMinutes(r.Context(), job.UserID, minutes); err != nil {
			s.logger.Error("failed to record usage minutes", "error", err, "job_id", jobID)
		}
	}
	s.relay.Finish(jobID)
	s.audit(r, "job.completed", job.UserID, jobID, map[string]any{
		"status":        req.Status,
		"exit_code":     req.ExitCode,
		"build_minutes": req.BuildMinutes,
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

// --- Admin ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = n
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCreateWorkerToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
	}
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      s.workerAuth.GenerateWorkerToken(req.WorkerID),
		"expires_in": int(s.workerAuth.WorkerTokenLifetime().Seconds()),
	})
}

// --- Helpers ---

func (s *Server) audit(r *http.Request, action, userID, jobID string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	event := &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		JobID:     jobID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}
	if err := s.store.LogAuditEvent(r.Context(), event); err != nil {
		s.logger.Warn("failed to log audit event", "error", err, "action", action)
	}
}

func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
