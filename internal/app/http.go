package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tetoegen/api/internal/metrics"
)

const (
	// identityHeader carries the identity the UI rendered when it issued a
	// write. Empty means "whoever is current".
	identityHeader = "X-Identity-ID"

	maxUploadBytes = 10 << 20
)

// Check reports whether a backing dependency is usable.
type Check func(ctx context.Context) error

// StatusRecorder counts responses by status code.
type StatusRecorder interface {
	RecordHTTPStatus(statusCode int)
}

type ServerOptions struct {
	CORSOrigin string
	Logger     *zap.Logger
	Metrics    StatusRecorder
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Checks   map[string]Check
}

type HTTPServer struct {
	service    *Service
	events     *Events
	corsOrigin string
	logger     *zap.Logger
	metrics    StatusRecorder
	gatherer   prometheus.Gatherer
	checks     map[string]Check
}

func NewHTTPServer(service *Service, events *Events, opts ServerOptions) *HTTPServer {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPServer{
		service:    service,
		events:     events,
		corsOrigin: opts.CORSOrigin,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		gatherer:   opts.Gatherer,
		checks:     opts.Checks,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Get("/api/ready", s.handleReady)

	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", s.handleSession)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/foreground", s.handleForeground)
	})
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/signin", s.handleSignIn)
		r.Post("/signup", s.handleSignUp)
		r.Post("/signout", s.handleSignOut)
	})
	r.Get("/auth/callback", s.handleCallback)

	r.Get("/api/usage", s.handleUsage)
	r.Post("/api/analyze", s.handleAnalyze)
	r.Post("/api/tips", s.handleTips)
	r.Delete("/api/cache", s.handleReset)
	r.Get("/api/events", s.handleEvents)

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ready := true
	checks := map[string]any{}
	select {
	case <-s.service.Ready():
		checks["identity"] = map[string]any{"status": "ok"}
	default:
		ready = false
		checks["identity"] = map[string]any{"status": "initializing"}
	}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Snapshot())
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.RefreshIdentity(r.Context())
	if err != nil && snap.Error == "" {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleForeground(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.NotifyForeground(r.Context()))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body SignInInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	snap, err := s.service.SignIn(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body SignUpInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	snap, err := s.service.SignUp(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.SignOut(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCallback lands OAuth redirects and sends the browser back to the app
// with the outcome in the query string.
func (s *HTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := "/?auth_success=true"
	if query.Get("error") != "" {
		s.logger.Warn("oauth provider returned an error",
			zap.String("error", query.Get("error")),
			zap.String("description", query.Get("error_description")),
		)
		target = "/?auth_error=" + url.QueryEscape("oauth_failed")
	} else if _, err := s.service.CompleteRedirect(r.Context(), query.Get("access_token"), query.Get("refresh_token")); err != nil {
		s.logger.Warn("completing oauth sign-in failed", zap.Error(err))
		target = "/?auth_error=" + url.QueryEscape("oauth_failed")
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *HTTPServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	budget, err := s.service.Budget(r.Context(), r.Header.Get(identityHeader))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func (s *HTTPServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "Image exceeds 10MB", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "multipart form with an image field is required", nil)
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "IMAGE_REQUIRED", "An image is required", nil)
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read image", nil)
		return
	}

	snap, err := s.service.Analyze(r.Context(), r.Header.Get(identityHeader), image, header.Header.Get("Content-Type"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleTips(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.LoadTips(r.Context(), r.Header.Get(identityHeader))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.ResetCachedState(r.Context(), r.Header.Get(identityHeader))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.events.serve(w, r, s.service.Snapshot)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	domainErr := toDomainError(err)
	if domainErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", domainErr.Code), zap.Error(err))
	}
	response := map[string]any{
		"code":  domainErr.Code,
		"error": domainErr.Message,
	}
	if domainErr.Details != nil {
		response["details"] = domainErr.Details
	}
	if domainErr.Retryable {
		response["retryable"] = true
	}
	writeJSON(w, domainErr.Status, response)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		if s.metrics != nil {
			s.metrics.RecordHTTPStatus(writer.status)
		}
		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+identityHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
