package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"

	"github.com/rs/zerolog/log"
)

// Server is the admin HTTP listener: admin routes, pprof and optionally
// /metrics on one port
type Server struct {
	addr     string
	handler  http.Handler
	server   *http.Server
	listener net.Listener

	baseCtx context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewServer builds the admin server. metrics may be nil.
func NewServer(addr string, handlers *AdminHandlers, token string, metrics http.Handler) *Server {
	httpMux := http.NewServeMux()

	// Register pprof handlers for profiling
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if metrics != nil {
		httpMux.Handle("/metrics", metrics)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	RegisterRoutes(httpMux, handlers, token)

	// Cancelled on Stop so open live streams end
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		handler: httpMux,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:     s.handler,
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
	}

	log.Info().Str("address", listener.Addr().String()).Msg("Starting admin server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.server != nil {
			log.Info().Msg("Stopping admin server")
			err = s.server.Shutdown(ctx)
		}
	})
	return err
}
