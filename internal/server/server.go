package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/davencooke/predmarket/internal/domain"
	"github.com/davencooke/predmarket/internal/server/handler"
	"github.com/davencooke/predmarket/internal/server/middleware"
	"github.com/davencooke/predmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	APISecret   string // if set, HMAC-signed requests are also accepted

	// RateLimit caps requests per client IP per minute. Zero disables the
	// HTTP-level limiter; the service layer still enforces its own.
	RateLimit int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Questions *handler.QuestionHandler
	Bets      *handler.BetHandler
	Settle    *handler.SettleHandler
}

// Server is the headless HTTP + WebSocket API server for the settlement
// engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, auth, logging, CORS) and attaches
// the WebSocket hub. limiter may be nil to skip HTTP rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health and status (no auth required for health).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Question lifecycle.
	mux.HandleFunc("GET /api/questions", handlers.Questions.ListQuestions)
	mux.HandleFunc("POST /api/questions", handlers.Questions.CreateQuestion)
	mux.HandleFunc("GET /api/questions/{key}", handlers.Questions.GetQuestion)
	mux.HandleFunc("POST /api/questions/{key}/pause", handlers.Questions.Pause)
	mux.HandleFunc("POST /api/questions/{key}/unpause", handlers.Questions.Unpause)

	// Role grants.
	mux.HandleFunc("POST /api/admins", handlers.Questions.AddMarketAdmin)
	mux.HandleFunc("POST /api/questions/{key}/admins", handlers.Questions.AddAdmin)
	mux.HandleFunc("POST /api/questions/{key}/trusted-sources", handlers.Questions.AddTrustedSource)

	// Betting.
	mux.HandleFunc("GET /api/questions/{key}/bets", handlers.Bets.ListBets)
	mux.HandleFunc("POST /api/questions/{key}/bets", handlers.Bets.PlaceBet)
	mux.HandleFunc("GET /api/questions/{key}/bets/{bettor}", handlers.Bets.GetBet)

	// Resolution and withdrawal.
	mux.HandleFunc("POST /api/questions/{key}/resolve", handlers.Settle.Resolve)
	mux.HandleFunc("POST /api/questions/{key}/withdraw", handlers.Settle.Withdraw)
	mux.HandleFunc("GET /api/questions/{key}/payouts", handlers.Settle.ListPayouts)

	// Audit trail.
	mux.HandleFunc("GET /api/audit", handlers.Questions.AuditTrail)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey, cfg.APISecret)(h)

	// Apply per-IP rate limiting ahead of auth so floods are cut early.
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = corsMiddleware(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// corsMiddleware returns middleware that sets CORS headers for the allowed
// origins. If no origins are specified, it defaults to allowing all origins.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" {
				allowed := len(allowedOrigins) == 0 // allow all if none specified
				for _, o := range allowedOrigins {
					if strings.EqualFold(o, "*") || strings.EqualFold(o, origin) {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Market-Api-Key, X-Market-Timestamp, X-Market-Signature")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}

			// Handle preflight requests.
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
