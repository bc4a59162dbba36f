package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/splat-queue/internal/blob"
	"github.com/jonathan/splat-queue/internal/config"
	"github.com/jonathan/splat-queue/internal/db"
	"github.com/jonathan/splat-queue/internal/events"
	"github.com/jonathan/splat-queue/internal/server/middleware"
	"github.com/jonathan/splat-queue/internal/server/ratelimit"
)

// JobStore is the job queue surface of the database.
type JobStore interface {
	CreateJob(ctx context.Context, id uuid.UUID, cfg db.JobConfig, videoRef string, ownerID *uuid.UUID) (*db.Job, error)
	ClaimJob(ctx context.Context) (*db.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*db.Job, error)
	AdvanceJob(ctx context.Context, id uuid.UUID, to db.JobStatus, stages []db.Stage, errMsg *string) (*db.Job, error)
	FinalizeJob(ctx context.Context, id uuid.UUID, resultRef string) (*db.FinalizeResult, error)
	ListJobs(ctx context.Context, filters db.JobFilters) ([]db.Job, error)
	CountJobsByStatus(ctx context.Context) (map[db.JobStatus]int, error)
}

// FeedStore is the posts, likes and comments surface of the database.
type FeedStore interface {
	GetPost(ctx context.Context, id uuid.UUID) (*db.Post, error)
	ListFeed(ctx context.Context, limit, offset int) ([]db.Post, error)
	IncrementView(ctx context.Context, postID uuid.UUID) (bool, error)
	LikePost(ctx context.Context, userID, postID uuid.UUID) (*db.LikeResult, error)
	UnlikePost(ctx context.Context, userID, postID uuid.UUID) (*db.LikeResult, error)
	LikedPostIDs(ctx context.Context, userID uuid.UUID, postIDs []uuid.UUID) (map[uuid.UUID]bool, error)
	CreateComment(ctx context.Context, postID, authorID uuid.UUID, parentID *uuid.UUID, body string) (*db.Comment, error)
	ListComments(ctx context.Context, postID uuid.UUID, limit, offset int) (*db.CommentPage, error)
	ListReplies(ctx context.Context, parentIDs []uuid.UUID) ([]db.Comment, error)
	DeleteComment(ctx context.Context, commentID, requesterID uuid.UUID) (int, error)
}

// Store is everything the API needs from the database. *db.DB implements it.
type Store interface {
	UserStore
	JobStore
	FeedStore
}

// Config holds server configuration
type Config struct {
	Port           int
	WorkerAPIKey   string
	MaxUploadBytes int64
	JWT            *config.JWTConfig
	Password       *config.PasswordConfig
	RateLimit      *ratelimit.Config
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	store       Store
	blobs       blob.Store
	bus         events.Bus
	hub         *events.Hub
	log         zerolog.Logger
	maxUpload   int64
	rateLimiter *ratelimit.Limiter
	jwtService  *JWTService
	userService *UserService
	authHandler *AuthHandler
	now         func() time.Time
	views       sync.WaitGroup // in-flight view increments
}

// New creates a new server instance over an open store, a blob store and an
// event bus. The caller owns and closes all three.
func New(cfg Config, store Store, blobs blob.Store, bus events.Bus, log zerolog.Logger) (*Server, error) {
	if cfg.WorkerAPIKey == "" {
		return nil, fmt.Errorf("worker API key is required")
	}
	if cfg.JWT == nil {
		return nil, fmt.Errorf("JWT config is required")
	}
	if cfg.Password == nil {
		return nil, fmt.Errorf("password config is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 500 << 20
	}

	s := &Server{
		store:     store,
		blobs:     blobs,
		bus:       bus,
		hub:       events.NewHub(),
		log:       log,
		maxUpload: cfg.MaxUploadBytes,
		now:       time.Now,
	}

	s.rateLimiter = ratelimit.NewLimiter(cfg.RateLimit)
	s.userService = NewUserService(store, cfg.Password)
	s.jwtService = NewJWTService(cfg.JWT)
	s.authHandler = NewAuthHandler(s.userService, s.jwtService)

	validator := s.jwtService.AsTokenValidator()
	requireUser := middleware.AuthMiddleware(validator)
	optionalUser := middleware.OptionalAuthMiddleware(validator)
	workerOnly := middleware.APIKeyMiddleware(cfg.WorkerAPIKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Auth
	mux.HandleFunc("POST /api/v1/auth/register", s.authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", s.authHandler.Login)
	mux.Handle("PUT /api/v1/auth/password", requireUser(http.HandlerFunc(s.handleUpdatePassword)))

	// Jobs
	mux.Handle("POST /api/v1/jobs", optionalUser(http.HandlerFunc(s.handleCreateJob)))
	mux.Handle("GET /api/v1/jobs", requireUser(http.HandlerFunc(s.handleListJobs)))
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/result", s.handleJobResult)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", s.handleJobEvents)

	// Worker protocol
	mux.Handle("POST /api/v1/worker/claim", workerOnly(http.HandlerFunc(s.handleClaim)))
	mux.Handle("GET /api/v1/worker/jobs/{id}/video", workerOnly(http.HandlerFunc(s.handleWorkerVideo)))
	mux.Handle("PUT /api/v1/worker/jobs/{id}/status", workerOnly(http.HandlerFunc(s.handleWorkerStatus)))
	mux.Handle("PUT /api/v1/worker/jobs/{id}/result", workerOnly(http.HandlerFunc(s.handleWorkerResult)))

	// Feed, likes and comments
	mux.Handle("GET /api/v1/feed", optionalUser(http.HandlerFunc(s.handleFeed)))
	mux.Handle("GET /api/v1/posts/{id}", optionalUser(http.HandlerFunc(s.handleGetPost)))
	mux.HandleFunc("POST /api/v1/posts/{id}/view", s.handleView)
	mux.Handle("POST /api/v1/posts/{id}/like", requireUser(http.HandlerFunc(s.handleLike)))
	mux.Handle("DELETE /api/v1/posts/{id}/like", requireUser(http.HandlerFunc(s.handleUnlike)))
	mux.HandleFunc("GET /api/v1/posts/{id}/comments", s.handleListComments)
	mux.Handle("POST /api/v1/posts/{id}/comments", requireUser(http.HandlerFunc(s.handleCreateComment)))
	mux.Handle("DELETE /api/v1/comments/{id}", requireUser(http.HandlerFunc(s.handleDeleteComment)))

	s.handler = s.withRateLimit(s.withLogging(s.withCORS(mux)))
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  5 * time.Minute, // large video uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ForwardEvents relays every bus event to local SSE subscribers until ctx is
// done.
func (s *Server) ForwardEvents(ctx context.Context) error {
	return s.bus.StartForwarder(ctx, func(ev events.JobEvent) {
		s.hub.Broadcast(ev)
	})
}

// Start serves requests until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if err := s.ForwardEvents(ctx); err != nil {
		return fmt.Errorf("failed to start event forwarder: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.views.Wait()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.log.Info().Msg("server stopped")
	return nil
}

// publish announces a job change. Delivery is best-effort; the store is
// the source of truth and clients can always poll.
func (s *Server) publish(ctx context.Context, job *db.Job) {
	if job == nil || s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, events.FromJob(job)); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("failed to publish job event")
	}
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := s.extractClientID(r)

		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, clientID, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		evt := s.log.Info()
		if status >= http.StatusInternalServerError {
			evt = s.log.Error()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int64("bytes", rec.bytes).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// handleHealth reports liveness and queue depth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountJobsByStatus(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		jsonResponse(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	jsonResponse(w, http.StatusOK, healthFromCounts(counts))
}

// handleUpdatePassword handles password update requests.
func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	s.authHandler.UpdatePasswordWithUserID(w, r, userID)
}

// jsonResponse writes a JSON response
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorResponse writes an error JSON response
func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// storeError maps err to a response, logging anything the client cannot fix.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	errorResponse(w, status, publicMessage(err))
}

// pathUUID parses the {name} path value as a UUID.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: name, Message: "must be a UUID"}
	}
	return id, nil
}

// queryInt reads an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ErrValidation{Field: name, Message: "must be an integer"}
	}
	return n, nil
}

// extractClientID extracts the client identifier from the request.
// This uses the IP address from RemoteAddr; X-Forwarded-For is not trusted.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, clientID string, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		secs := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	s.log.Warn().
		Str("client", clientID).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("limit", info.Limit).
		Msg("rate limit exceeded")

	jsonResponse(w, http.StatusTooManyRequests, response)
}
