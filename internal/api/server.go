// Package api exposes the agent's status surface: a JSON HTTP API, a
// websocket stream of order transitions, and the gRPC health service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sourcegraph/conc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"sentinel/internal/engine"
	"sentinel/internal/live"
	"sentinel/internal/risk"
	"sentinel/internal/store"
)

// Deps are the components the API reads from.
type Deps struct {
	Manager *engine.Manager
	Ledger  *risk.Ledger
	Store   store.Store
	Model   *live.LiveModel
	Health  *Health
	// Guard is re-armed on resume; nil when no drawdown guard runs.
	Guard *engine.RiskGuard
}

// Server hosts the HTTP API and the gRPC health service.
type Server struct {
	deps     Deps
	httpAddr string
	grpcAddr string
	log      *slog.Logger

	http *http.Server
	grpc *grpc.Server
	// base is the parent of every request context; cancelling it ends
	// open streams, which http.Server.Shutdown does not track.
	base   context.Context
	cancel context.CancelFunc

	httpLn net.Listener
	grpcLn net.Listener
}

// NewServer creates a Server listening on httpAddr and grpcAddr. An empty
// grpcAddr disables the gRPC listener.
func NewServer(httpAddr, grpcAddr string, deps Deps) *Server {
	s := &Server{
		deps:     deps,
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		log:      slog.Default().With("component", "api"),
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.base },
	}
	s.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpc, deps.Health.GRPC())
	return s
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/orders/{key}", s.handleOrder)
	mux.HandleFunc("GET /api/risk", s.handleRisk)
	mux.HandleFunc("GET /api/signals", s.handleSignals)
	mux.HandleFunc("POST /api/halt", s.handleHalt)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("GET /api/stream", s.handleStream)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds both listeners and serves them on lifecycle. Bind failures
// are returned before anything is served.
func (s *Server) Start(lifecycle *conc.WaitGroup) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	s.httpLn = httpLn
	if s.grpcAddr != "" {
		grpcLn, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
		s.grpcLn = grpcLn
	}

	lifecycle.Go(func() {
		s.log.Info("http server listening", "addr", httpLn.Addr().String())
		if err := s.http.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", "error", err)
		}
	})
	if s.grpcLn != nil {
		lifecycle.Go(func() {
			s.log.Info("grpc health server listening", "addr", s.grpcLn.Addr().String())
			if err := s.grpc.Serve(s.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.log.Error("grpc server failed", "error", err)
			}
		})
	}
	return nil
}

// HTTPAddr returns the bound HTTP address, or the configured one before
// Start.
func (s *Server) HTTPAddr() string {
	if s.httpLn != nil {
		return s.httpLn.Addr().String()
	}
	return s.httpAddr
}

// Shutdown stops both servers, waiting for in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
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
