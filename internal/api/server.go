package api

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/probgate/internal/config"
	"github.com/JakeFAU/probgate/internal/coordinator"
	"github.com/JakeFAU/probgate/internal/id/uuid"
	"github.com/JakeFAU/probgate/internal/metrics"
	"github.com/JakeFAU/probgate/internal/solver"
)

const (
	lookupTimeout    = 3 * time.Second
	readinessTimeout = 2 * time.Second
	formContentType  = "application/x-www-form-urlencoded"
)

//go:embed static/index.html
var indexHTML []byte

var errInvalidJSON = errors.New("invalid JSON")

// Calculator turns a problem description into a decided response.
type Calculator interface {
	Handle(ctx context.Context, requestID, problemText string) coordinator.Response
}

// RecordReader looks up audit records by invocation ID.
type RecordReader interface {
	GetRecord(ctx context.Context, id string) (solver.Record, error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server hosts the HTTP API.
type Server struct {
	router  chi.Router
	calc    Calculator
	records RecordReader
	policy  solver.Policy
	checks  []ReadinessCheck
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer wires routes and middleware. records may be nil when auditing is
// disabled, and policy may be nil to admit every request.
func NewServer(
	calc Calculator,
	records RecordReader,
	policy solver.Policy,
	cfg config.Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		calc:    calc,
		records: records,
		policy:  policy,
		checks:  checks,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	base := strings.TrimRight(cfg.Server.BasePath, "/")
	if base == "" {
		s.mountApp(r, base)
	} else {
		app := chi.NewRouter()
		app.NotFound(notFound)
		app.MethodNotAllowed(methodNotAllowed)
		s.mountApp(app, base)
		r.Mount(base, app)
	}

	s.router = r
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// mountApp registers the application routes. Mount does not rewrite the
// request path, so static files are resolved after stripping base.
func (s *Server) mountApp(r chi.Router, base string) {
	r.Group(func(r chi.Router) {
		if s.cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(s.cfg.Auth.APIKey))
		}
		r.With(s.rateLimitMiddleware).Post("/calculate", s.handleCalculate)
		r.Get("/v1/invocations/{invocation_id}", s.handleGetInvocation)
	})

	if dir := s.cfg.Server.StaticDir; dir != "" {
		if staticDirExists(dir) {
			r.Get("/*", staticHandler(dir, base))
			return
		}
		s.logger.Warn("static dir has no index.html, serving embedded page", zap.String("static_dir", dir))
	}
	r.Get("/", handleIndex)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(indexHTML); err != nil {
		zap.L().Error("write index failed", zap.Error(err))
	}
}

// handleCalculate handles POST /calculate. The decided status and body are
// relayed unchanged; request-layer failures use the same error envelope.
func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	problemText, err := readProblemText(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, errInvalidJSON):
			writeError(w, http.StatusBadRequest, "invalid JSON")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	resp := s.calc.Handle(r.Context(), requestIDFromContext(r.Context()), problemText)
	if resp.InvocationID != "" {
		w.Header().Set("X-Invocation-ID", resp.InvocationID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Warn("write calculate response failed",
			zap.String("invocation_id", resp.InvocationID),
			zap.Error(err),
		)
	}
}

// readProblemText accepts JSON or urlencoded bodies. Any other media type,
// a missing field or an empty body yields the empty string.
func readProblemText(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == formContentType:
		if err := r.ParseForm(); err != nil {
			return "", fmt.Errorf("parse form: %w", err)
		}
		return r.PostForm.Get("problem_text"), nil
	case !isJSONMediaType(mediaType):
		// Drained so the body limit still applies.
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			return "", fmt.Errorf("read body: %w", err)
		}
		return "", nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	var req calculateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &typeErr) && typeErr.Field == "problem_text":
			return "", errors.New("problem_text must be a string")
		case errors.As(err, &typeErr):
			// Valid JSON that is not an object carries no field.
			return "", nil
		}
		return "", errInvalidJSON
	}
	return req.ProblemText, nil
}

func isJSONMediaType(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

type calculateRequest struct {
	ProblemText string `json:"problem_text"`
}

func (s *Server) handleGetInvocation(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "invocation records unavailable")
		return
	}
	id := chi.URLParam(r, "invocation_id")
	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()

	rec, err := s.records.GetRecord(ctx, id)
	if err != nil {
		if errors.Is(err, solver.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invocation not found")
			return
		}
		s.logger.Error("get invocation failed", zap.String("invocation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load invocation")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.policy != nil && !s.policy.Allow(clientKey(r)) {
			metrics.ObserveRateLimited()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewRequestID()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestIDFromContext(r.Context())),
					zap.Any("error", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// staticHandler serves files from dir below prefix. Missing files get the
// JSON 404 envelope instead of the file server's plain-text page.
func staticHandler(dir, prefix string) http.HandlerFunc {
	root := http.Dir(dir)
	files := http.StripPrefix(prefix, http.FileServer(root))
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := root.Open(path.Clean("/" + strings.TrimPrefix(r.URL.Path, prefix)))
		if err != nil {
			notFound(w, r)
			return
		}
		_ = f.Close()
		files.ServeHTTP(w, r)
	}
}

// staticDirExists reports whether dir can serve the landing page.
func staticDirExists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "index.html"))
	return err == nil && !info.IsDir()
}
