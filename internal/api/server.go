// Package api implements the mailroom HTTP API: prompt compilation,
// folder reconciliation, send-event ingestion and voice profile
// management, all scoped to a business id in the path.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/mailroom/internal/buildinfo"
	"github.com/nugget/mailroom/internal/business"
	"github.com/nugget/mailroom/internal/connwatch"
	"github.com/nugget/mailroom/internal/events"
	"github.com/nugget/mailroom/internal/learning"
	"github.com/nugget/mailroom/internal/llm"
	"github.com/nugget/mailroom/internal/mailbox"
	"github.com/nugget/mailroom/internal/prompts"
	"github.com/nugget/mailroom/internal/reconcile"
	"github.com/nugget/mailroom/internal/usage"
)

// maxBodyBytes bounds request bodies. Raw send events carry a whole
// RFC 822 message.
const maxBodyBytes = 8 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// MailboxFactory opens a folder client for provider. token is the
// bearer token from the request, empty when none was sent.
type MailboxFactory func(provider mailbox.Provider, token string) (mailbox.Client, error)

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	resolver   *business.Resolver
	reconciler *reconcile.Reconciler
	store      *learning.Store
	pipeline   *learning.Pipeline
	mailboxes  MailboxFactory
	bus        *events.Bus
	services   *connwatch.Manager
	classifier *llm.Classifier
	usage      *usage.Store
	compile    prompts.CompileOptions

	logger *slog.Logger
	server *http.Server
}

// Deps are the components the API serves.
type Deps struct {
	Resolver   *business.Resolver
	Reconciler *reconcile.Reconciler
	Store      *learning.Store
	Pipeline   *learning.Pipeline
	Mailboxes  MailboxFactory
	Bus        *events.Bus

	// Services is reported by /health; nil reports none.
	Services *connwatch.Manager

	// Classifier and Usage are optional. Without a classifier the
	// classify endpoint answers 503.
	Classifier *llm.Classifier
	Usage      *usage.Store

	// Compile is applied to every compilation; Now is overridden.
	Compile prompts.CompileOptions
}

// NewServer creates a new API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    address,
		port:       port,
		resolver:   deps.Resolver,
		reconciler: deps.Reconciler,
		store:      deps.Store,
		pipeline:   deps.Pipeline,
		mailboxes:  deps.Mailboxes,
		bus:        deps.Bus,
		services:   deps.Services,
		classifier: deps.Classifier,
		usage:      deps.Usage,
		compile:    deps.Compile,
		logger:     logger,
	}
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/businesses/{id}/prompt", s.handleCompilePrompt)
	mux.HandleFunc("POST /v1/businesses/{id}/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /v1/businesses/{id}/send-events", s.handleSendEvent)
	mux.HandleFunc("GET /v1/businesses/{id}/voice-profile", s.handleVoiceProfile)
	mux.HandleFunc("POST /v1/businesses/{id}/voice-profile/baseline", s.handleBaseline)
	mux.HandleFunc("DELETE /v1/businesses/{id}/learning-data", s.handleErase)
	mux.HandleFunc("POST /v1/businesses/{id}/classify", s.handleClassify)
	mux.HandleFunc("GET /v1/businesses/{id}/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Reconciliation of a large taxonomy against a slow provider
		// can take a while.
		WriteTimeout: 5 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// HealthResponse is the body of GET /health. The endpoint answers 200
// even when degraded; the process itself is serving.
type HealthResponse struct {
	Status   string                      `json:"status"`
	Services map[string]connwatch.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Services: s.services.Status()}
	if !s.services.Healthy() {
		resp.Status = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Field   string `json:"field,omitempty"`
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	s.errorDetail(w, errorDetail{Message: message, Type: errType, Code: code})
}

func (s *Server) errorDetail(w http.ResponseWriter, d errorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.Code)
	writeJSON(w, errorBody{Error: d}, s.logger)
}

// decodeBody reads a bounded JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}
