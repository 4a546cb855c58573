// Package server exposes the collaboration core over websockets and QUIC and
// routes application messages between room members.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/zeuscollab/internal/config"
	"github.com/zeusync/zeuscollab/internal/core/document"
	"github.com/zeusync/zeuscollab/internal/core/observability/log"
	"github.com/zeusync/zeuscollab/internal/core/registry"
	"github.com/zeusync/zeuscollab/internal/core/rooms"
	"github.com/zeusync/zeuscollab/internal/core/statesync"
	"github.com/zeusync/zeuscollab/internal/core/transport/websocket"
)

// Server represents a collaboration server
type Server struct {
	config config.ServerConfig

	registry *registry.Registry
	rooms    *rooms.Broadcaster
	docs     *document.Manager
	state    *statesync.Manager
	router   *Router
	gatherer prometheus.Gatherer
	upgrader *websocket.Upgrader
	logger   log.Log

	mu   sync.Mutex
	addr net.Addr
	quic net.Addr

	running atomic.Bool
	closed  atomic.Bool
}

// New wires the components together: the broadcaster sends through the
// registry, documents follow room lifetimes and the router receives every
// application message. gatherer backs /metrics and may be nil.
func New(
	cfg config.ServerConfig,
	reg *registry.Registry,
	b *rooms.Broadcaster,
	docs *document.Manager,
	state *statesync.Manager,
	router *Router,
	gatherer prometheus.Gatherer,
	logger log.Log,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}

	b.Bind(reg)
	docs.Attach(b)
	router.Attach(reg)

	s := &Server{
		config:   cfg,
		registry: reg,
		rooms:    b,
		docs:     docs,
		state:    state,
		router:   router,
		gatherer: gatherer,
		upgrader: websocket.NewUpgrader(websocket.Config{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			ReadLimit:        cfg.ReadLimit,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}),
		logger: log.OrNop(logger).Named("server"),
	}

	s.logger.Info("Server created",
		log.String("listen_addr", cfg.Addr),
		log.String("quic_addr", cfg.QUICAddr),
		log.String("ws_path", cfg.WSPath))
	return s
}

// Run serves HTTP, and QUIC when configured, until ctx is cancelled or a
// listener fails. It shuts the listeners down before returning but leaves
// the components running; see Close.
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}
	defer s.running.Store(false)

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrListenerFailed, s.config.Addr, err)
	}
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.HandshakeTimeout,
	}

	var ql *quicListener
	if s.config.QUICAddr != "" {
		ql, err = s.listenQUIC()
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	if ql != nil {
		s.quic = ql.Addr()
	}
	s.mu.Unlock()

	s.logger.Info("Server listening", log.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if ql != nil {
		g.Go(func() error {
			s.acceptQUIC(gctx, ql)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Stopping listeners")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if ql != nil {
			_ = ql.Close()
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	s.logger.Info("Server stopped")
	return err
}

// Addr returns the bound HTTP address once Run is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// QUICAddr returns the bound QUIC address once Run is listening.
func (s *Server) QUICAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quic
}

// Close closes every connection and releases the components. Pending state
// is flushed on a best-effort basis.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info("Closing server")

	s.router.Detach()
	err := s.registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if ferr := s.state.Flush(ctx); ferr != nil {
		s.logger.Warn("Final state flush failed", log.Error(ferr))
	}
	s.state.Close()
	s.docs.Close()
	s.rooms.Close()

	s.logger.Info("Server closed")
	return err
}
