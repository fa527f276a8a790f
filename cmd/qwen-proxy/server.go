package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/accounts"
	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/chat"
	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/device"
	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/embeddings"
	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/health"
	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/models"
	"github.com/wrale/qwen-device-proxy/cmd/qwen-proxy/handlers/token"
	"github.com/wrale/qwen-device-proxy/internal/broker"
)

type server struct {
	cfg    Config
	router *chi.Mux
	broker *broker.Broker
}

func newServer(cfg Config, b *broker.Broker) *server {
	srv := &server{
		cfg:    cfg,
		router: chi.NewRouter(),
		broker: b,
	}

	// Set up middleware
	srv.router.Use(middleware.RealIP)
	srv.router.Use(requestLogger)
	srv.router.Use(middleware.Recoverer)

	srv.routes()

	return srv
}

func (s *server) routes() {
	s.router.Method(http.MethodGet, "/health", health.New(s.broker).WithVersion(Version))

	limiter := newIPLimiter(s.cfg.InitiateRate, s.cfg.InitiateBurst)

	s.router.Route("/auth", func(r chi.Router) {
		r.Use(requireAPIKey(s.cfg.APIKey))
		r.With(limiter.middleware).Method(http.MethodPost, "/initiate", device.New(s.broker))
		r.Method(http.MethodPost, "/poll", token.New(s.broker))
		r.Method(http.MethodGet, "/accounts", accounts.New(s.broker))
	})

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(requireAPIKey(s.cfg.APIKey))
		r.Method(http.MethodPost, "/chat/completions", chat.New(s.broker, s.cfg.DefaultModel))
		r.Method(http.MethodPost, "/embeddings", embeddings.New(s.broker, s.cfg.DefaultEmbeddingModel))
		r.Method(http.MethodGet, "/models", models.New())
	})
}
