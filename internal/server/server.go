package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wingmanux/wingman/internal/config"
	"github.com/wingmanux/wingman/internal/metrics"
	"github.com/wingmanux/wingman/internal/server/middleware"
	"github.com/wingmanux/wingman/internal/tunnel"
)

// Server owns the relay's full HTTP surface: subdomain ingress, the control
// API, the developer attach endpoint, health and metrics. All tunnel state
// lives in the value, never in package globals; tests construct their own.
type Server struct {
	cfg        *config.Config
	log        zerolog.Logger
	router     chi.Router
	httpServer *http.Server

	directory *tunnel.Directory
	registry  *tunnel.Registry
	broker    *tunnel.Broker
	tokens    *tunnel.TokenService
	metrics   *metrics.Metrics

	upgrader   websocket.Upgrader
	attachGate *rate.Limiter
}

func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	m := metrics.New()

	directory := tunnel.NewDirectory(tunnel.DirectoryConfig{
		BaseDomain:    cfg.BaseDomain,
		Scheme:        cfg.Scheme,
		TTL:           cfg.SessionTTL,
		SweepInterval: cfg.SweepInterval,
		ExpiryGrace:   cfg.ExpiryGrace,
		Capacity:      cfg.MaxSessions,
		Reserved:      cfg.ReservedSubdomains,
	}, logger)

	broker := tunnel.NewBroker(tunnel.BrokerConfig{
		OverallTimeout: cfg.RequestTimeout,
		BodyTimeout:    cfg.BodyTimeout,
		AbandonGrace:   cfg.AbandonGrace,
		InlineBodyMax:  cfg.InlineBodyMax,
	}, m, logger)

	var store *tunnel.TokenStore
	if cfg.DataDir != "" {
		var err error
		store, err = tunnel.NewTokenStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("server: token store: %w", err)
		}
	}

	s := &Server{
		cfg:       cfg,
		log:       logger,
		directory: directory,
		registry:  tunnel.NewRegistry(),
		broker:    broker,
		tokens:    tunnel.NewTokenService(store, logger),
		metrics:   m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The register frame is the authority on who may attach; the
			// Origin header is not.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		attachGate: rate.NewLimiter(rate.Limit(cfg.AttachRateLimit), int(cfg.AttachRateLimit)+1),
	}
	directory.Hooks = s

	s.setupRouter()

	return s, nil
}

// OnSessionDown implements tunnel.SessionHooks: when a session closes or
// expires, its link is torn down, outstanding requests fail, and its share
// tokens are revoked.
func (s *Server) OnSessionDown(sessionID string, status tunnel.Status) {
	if link, ok := s.registry.Get(sessionID); ok {
		link.Close(tunnel.CloseSession)
	}
	s.broker.FailSession(sessionID)
	if n := s.tokens.RevokeSession(sessionID); n > 0 {
		s.log.Info().Str("session", sessionID).Int("tokens", n).Msg("share tokens revoked with session")
	}
	s.metrics.SessionsActive.Dec()
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.log))
	r.Use(chimiddleware.Recoverer)

	// Tunnel-subdomain traffic leaves the chain here; CORS below is for the
	// control API only and must not decorate tunneled responses.
	r.Use(s.tunnelHost)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/tunnel", func(r chi.Router) {
		r.Post("/create", s.handleCreate)
		r.Get("/status", s.handleStatus)
		r.Delete("/stop", s.handleStop)
		r.Get("/detect", s.handleDetect)
		r.Post("/share", s.handleShareCreate)
		r.Get("/share/{token}", s.handleShareResolve)
		r.Delete("/share/{token}", s.handleShareRevoke)
		r.Get("/shares/{sessionID}", s.handleShareList)
		r.Get("/ws", s.handleAttach)
	})

	s.router = r
}

// Handler exposes the assembled router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Directory exposes the session directory for tests.
func (s *Server) Directory() *tunnel.Directory { return s.directory }

// Run starts the expiry sweeper and the HTTP listener and blocks until ctx
// is cancelled, then drains for up to 30 seconds before closing all
// sessions.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.router,
		// No global read/write timeouts: tunneled requests legitimately
		// block for the broker's overall deadline and attach connections
		// are long-lived. The broker owns per-request deadlines.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.directory.Run(ctx)
		return nil
	})

	g.Go(func() error {
		s.log.Info().Str("addr", s.cfg.Listen).Str("base_domain", s.cfg.BaseDomain).Msg("HTTP server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)

		// Closing the sessions fails whatever outlived the drain and drops
		// every link.
		s.directory.CloseAll()

		if err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) linkConfig() tunnel.LinkConfig {
	return tunnel.LinkConfig{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		HeartbeatMisses:   s.cfg.HeartbeatMisses,
		QueueDepth:        s.cfg.QueueDepth,
		QueueBytes:        s.cfg.QueueBytes,
		// Metadata slack on top of the largest body a frame may carry.
		MaxFrameSize: s.cfg.MaxRequestBody + (128 << 10),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
