package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
	"github.com/samsaffron/claude-proxy/internal/llm"
)

const serviceName = "claude-code-openai-proxy"

// Backend runs conversations through the claude binary. *llm.ClaudeBin
// implements it.
type Backend interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
	CompleteStream(ctx context.Context, messages []llm.Message) (llm.Stream, error)
	RunTools(ctx context.Context, messages []llm.Message, tools []llm.ToolSpec) (json.RawMessage, error)
}

type Config struct {
	Addr        string
	Token       string   // empty disables auth
	CORSOrigins []string // glob patterns; empty allows all
	ModelID     string
	ModelName   string
	Version     string
}

// Server is the OpenAI-compatible HTTP front end.
type Server struct {
	cfg         Config
	backend     Backend
	originGlobs []glob.Glob
	handler     http.Handler
	server      *http.Server
}

func New(cfg Config, backend Backend) (*Server, error) {
	globs, err := compileOrigins(cfg.CORSOrigins)
	if err != nil {
		return nil, fmt.Errorf("invalid CORS origin: %w", err)
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "claude-code"
	}
	s := &Server{cfg: cfg, backend: backend, originGlobs: globs}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(tracing)
	r.Use(s.corsHandler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusNotFound, "invalid_request_error", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeOpenAIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
	})

	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/v1/models", s.handleModels)
		r.Get("/models", s.handleModels)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/chat/completions", s.handleChatCompletions)
	})
	return r
}

// Start listens on cfg.Addr and serves in the background. It returns an
// error if the listener cannot be opened.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  serviceName,
		"version":  s.cfg.Version,
		"features": []string{"chat", "streaming", "tool_calling"},
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{{
			"id":       s.cfg.ModelID,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "claude-code-proxy",
			"name":     s.cfg.ModelName,
		}},
	})
}
