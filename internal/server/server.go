// Package server exposes the chat pipeline over HTTP. One route does the
// work; health and metrics are plumbing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatcore/internal/auth"
	"chatcore/internal/chat"
	"chatcore/internal/metrics"
	"chatcore/internal/ratelimit"
)

type Config struct {
	Chat        *chat.Service
	Verifier    *auth.Verifier
	Limiter     *ratelimit.Limiter
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	HealthPath  string
	MetricsPath string
	CORSOrigins []string
}

type Server struct {
	chat     *chat.Service
	verifier *auth.Verifier
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// New builds the router. A nil Limiter disables rate limiting, which is the
// mode tests and single-user deployments run in.
func New(cfg Config) http.Handler {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	s := &Server{
		chat:     cfg.Chat,
		verifier: cfg.Verifier,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, cfg.MetricsPath, promhttp.Handler())
	r.Post("/v1/chat", s.handleChat)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := s.verifier.VerifyRequest(ctx, r)
	if err != nil {
		s.metrics.AuthFailuresTotal.Inc()
		writeError(w, http.StatusUnauthorized, auth.ErrInvalidCredentials.Error())
		return
	}

	if s.limiter != nil {
		allowed, _, resetAt, err := s.limiter.Allow(ctx, userID, time.Now())
		if err != nil {
			// Redis being down must not take chat down with it.
			s.logger.Warn().Err(err).Msg("rate limit check failed, allowing request")
		} else if !allowed {
			s.metrics.RateLimitedTotal.Inc()
			w.Header().Set("Retry-After", resetAt.UTC().Format(http.TimeFormat))
			writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Try again later.")
			return
		}
	}

	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	resp, rerr := s.chat.HandleTurn(ctx, userID, req)
	if rerr != nil {
		if rerr.Status >= http.StatusInternalServerError {
			s.logger.Error().Err(errors.Unwrap(rerr)).
				Str("kind", string(rerr.Kind)).
				Str("user_id", userID).
				Msg("chat turn failed")
		}
		writeError(w, rerr.Status, rerr.Message)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Shutdown drains an http.Server within the given grace period.
func Shutdown(srv *http.Server, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return srv.Shutdown(ctx)
}
