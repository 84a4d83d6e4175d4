// Package api serves the brokerlink REST API, the websocket quote stream
// and the gRPC operations service.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"brokerlink/internal/alert"
	"brokerlink/internal/connection"
	"brokerlink/internal/engine"
	"brokerlink/internal/market"
	"brokerlink/internal/notify"
	"brokerlink/internal/store"
	"brokerlink/pkg/brokerlink"
)

// Services are the application services the API exposes.
type Services struct {
	Instruments   store.InstrumentStore
	Connections   *connection.Service
	Engine        *engine.Engine
	Market        *market.Service
	Alerts        *alert.Service
	Scheduler     *alert.Scheduler
	Notifications *notify.Service
	Queue         *notify.Queue
}

// Config holds listener settings.
type Config struct {
	Host         string
	Port         int
	GRPCPort     int
	PollInterval time.Duration     // websocket quote cadence
	Ticker       market.TickerFunc // nil uses a real ticker
	Log          zerolog.Logger
}

// Server hosts the HTTP and gRPC endpoints.
type Server struct {
	cfg     Config
	svc     Services
	router  *chi.Mux
	http    *http.Server
	grpc    *grpc.Server
	hub     *Hub
	log     zerolog.Logger
	started time.Time
}

// New creates a Server and registers all routes and gRPC services.
func New(cfg Config, svc Services) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "api").Logger(),
		started: time.Now(),
	}
	s.hub = NewHub(market.NewPoller(svc.Market, cfg.PollInterval, cfg.Ticker), s.log)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.grpcLogging))
	s.registerGRPC(s.grpc)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// GRPC returns the gRPC server.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", brokerlink.UserHeader},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ws/quotes", s.handleQuotesWS)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(requireUser)

		r.Route("/brokers", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Post("/alpaca/connect", s.handleConnectAlpaca)
			r.Post("/zerodha/connect", s.handleConnectZerodha)
			r.Post("/{broker}/validate", s.handleValidateConnection)
		})
		r.Route("/instruments", func(r chi.Router) {
			r.Post("/upsert", s.handleUpsertInstrument)
			r.Get("/{id}", s.handleGetInstrument)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", s.handlePlaceOrder)
			r.Get("/", s.handleListOrders)
			r.Post("/sync", s.handleSyncOrders)
			r.Get("/{id}", s.handleGetOrder)
			r.Post("/{id}/cancel", s.handleCancelOrder)
		})
		r.Route("/portfolio", func(r chi.Router) {
			r.Get("/positions", s.handlePositions)
			r.Get("/summary", s.handleSummary)
			r.Get("/snapshots/{broker}", s.handleSnapshots)
		})
		r.Route("/market", func(r chi.Router) {
			r.Get("/{instrumentId}/quote", s.handleQuote)
			r.Get("/{instrumentId}/candles", s.handleCandles)
		})
		r.Route("/alerts", func(r chi.Router) {
			r.Post("/", s.handleCreateAlert)
			r.Get("/", s.handleListAlerts)
			r.Post("/evaluate-now", s.handleEvaluateNow)
			r.Patch("/{id}", s.handleSetAlertEnabled)
		})
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/device/register", s.handleRegisterDevice)
			r.Get("/devices", s.handleListDevices)
			r.Delete("/devices/{token}", s.handleDeleteDevice)
			r.Get("/inbox", s.handleInbox)
		})
	})
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until ctx is
// cancelled or a listener fails. Both servers are shut down before return.
func (s *Server) ListenAndServe(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.GRPCPort)))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info().Str("addr", grpcLis.Addr().String()).Msg("gRPC server listening")
		if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown closes websocket streams and stops both servers gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down API")
	s.hub.Close()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	err := s.http.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	return err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
