// Package server implements the TCP acceptor: it binds the SOCKS4/4A
// listening port and hands each accepted connection to its own Session.
//
// The original's Server (server.cpp) owns a single event_base and
// dispatches every I/O readiness callback from one thread. Go's
// net.Listener plus one goroutine per accepted connection is the
// idiomatic equivalent: the runtime's netpoller is the actual
// event-multiplexing reactor underneath both designs.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/senlinzhan/socks4ad/internal/metrics"
	"github.com/senlinzhan/socks4ad/internal/registry"
	"github.com/senlinzhan/socks4ad/internal/resolver"
	"github.com/senlinzhan/socks4ad/internal/session"
	"github.com/senlinzhan/socks4ad/internal/socket"
)

// Server binds one TCP listener and accepts SOCKS4/4A connections on it.
type Server struct {
	port        int
	maxSessions int

	registry *registry.Registry
	resolver *resolver.Resolver
	metrics  *metrics.Metrics
	log      *slog.Logger
	sessCfg  session.Config

	addr atomic.Value // net.Addr, set once Run has bound the listener
}

// Option configures optional Server behavior.
type Option func(*Server)

// WithMaxSessions caps concurrently registered sessions; zero means
// unbounded. A new connection is closed on accept when the registry
// already holds n sessions. Connections still in the handshake are not
// registered, so they are not counted against the cap. An unbounded
// acceptor lets a connection flood grow the registry (and the
// goroutines/fds behind it) without limit, so production deployments
// should set this.
func WithMaxSessions(n int) Option {
	return func(s *Server) { s.maxSessions = n }
}

// New constructs a Server bound to port (not yet listening; call Run).
func New(port int, reg *registry.Registry, res *resolver.Resolver, m *metrics.Metrics, log *slog.Logger, sessCfg session.Config, opts ...Option) *Server {
	s := &Server{
		port:     port,
		registry: reg,
		resolver: res,
		metrics:  m,
		log:      log,
		sessCfg:  sessCfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run binds the listener and accepts connections until ctx is cancelled
// or the listener fails. An Accept failure other than the listener being
// closed out from under it is unrecoverable, so it is logged and the
// loop stops rather than spinning on a broken listener.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: socket.TuneListen}
	ln, err := lc.Listen(ctx, "tcp4", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.port, err)
	}
	s.addr.Store(ln.Addr())
	defer ln.Close()

	s.log.Info("accepting connections", "port", s.port)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Info("listener closed, stopping acceptor")
				return nil
			}
			s.log.Error("accept failed, stopping acceptor", "error", err)
			return err
		}

		if s.maxSessions > 0 && s.registry.Len() >= s.maxSessions {
			s.log.Warn("at session capacity, rejecting connection", "max_sessions", s.maxSessions)
			conn.Close()
			continue
		}

		go s.serve(ctx, conn)
	}
}

// Addr returns the bound listener's address, or nil if Run has not yet
// finished binding. Intended for tests that bind to port 0.
func (s *Server) Addr() net.Addr {
	a, _ := s.addr.Load().(net.Addr)
	return a
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	sess := session.New(ctx, conn, session.Deps{
		Registry: s.registry,
		Resolver: s.resolver,
		Metrics:  s.metrics,
		Logger:   s.log,
		Config:   s.sessCfg,
	})
	sess.Serve()
}
