// Package session implements the per-connection SOCKS4/4A state machine:
// handshake, outbound dial, bidirectional relay and half-close teardown.
//
// It is the Go re-expression of the original's Tunnel (tunnel.cpp) plus
// the handshake half of Server::readCallback (server.cpp): where the
// original drove both directions from bufferevent read callbacks on a
// single reactor thread, a Session here drives them from two goroutines,
// synchronized only around the shared teardown state.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/senlinzhan/socks4ad/internal/metrics"
	"github.com/senlinzhan/socks4ad/internal/protocol"
	"github.com/senlinzhan/socks4ad/internal/registry"
	"github.com/senlinzhan/socks4ad/internal/resolver"
	"github.com/senlinzhan/socks4ad/internal/socket"
)

// State is the Session's lifecycle stage.
type State int

const (
	Handshake State = iota
	Dialing
	Connected
	ActiveShutdown
	PassiveShutdown
	Closing
)

func (s State) String() string {
	switch s {
	case Handshake:
		return "handshake"
	case Dialing:
		return "dialing"
	case Connected:
		return "connected"
	case ActiveShutdown:
		return "active_shutdown"
	case PassiveShutdown:
		return "passive_shutdown"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// relayBufPool is a pool of 32 KiB buffers for the Connected-state
// splice, reused across sessions to avoid a fresh allocation per
// io.CopyBuffer call.
var relayBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 32*1024)
		return &buf
	},
}

// Config carries the handshake/dial knobs a Session needs from
// internal/config without importing it directly (avoids an import
// cycle and keeps Session testable with literal values).
type Config struct {
	HandshakeBufferCap int
	DialTimeout        time.Duration
}

// Deps bundles a Session's collaborators.
type Deps struct {
	Registry *registry.Registry
	Resolver *resolver.Resolver
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Config   Config
}

// Session is the central per-connection entity: it owns exactly one
// inbound and (after a successful handshake) exactly one outbound
// stream, and drives them through Handshake -> Dialing -> Connected ->
// teardown.
type Session struct {
	deps Deps
	log  *slog.Logger

	inbound  net.Conn
	outbound net.Conn

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State

	destroyOnce sync.Once
}

// New creates a Session for a freshly accepted inbound connection. The
// Session is not registered with the registry until the handshake
// succeeds, so a connection that never completes a valid handshake
// never becomes visible there.
func New(parent context.Context, inbound net.Conn, deps Deps) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		deps:    deps,
		log:     deps.Logger.With("remote_addr", inbound.RemoteAddr().String()),
		inbound: inbound,
		ctx:     ctx,
		cancel:  cancel,
		state:   Handshake,
	}
}

// Serve runs the Session to completion: handshake, dial, relay,
// teardown. It returns once the Session has been fully destroyed.
func (s *Session) Serve() {
	req, remainder, ok := s.runHandshake()
	if !ok {
		s.closeInboundOnly()
		return
	}

	s.deps.Registry.Insert(s.inbound, s)
	s.deps.Metrics.SessionsTotal.Inc()
	s.deps.Metrics.SessionsActive.Set(float64(s.deps.Registry.Len()))

	s.setState(Dialing)
	if !s.dial(req) {
		s.destroy()
		return
	}

	s.setState(Connected)
	s.log.Info("session connected", "variant", req.Variant.String())
	s.splice(remainder)
}

// runHandshake reads from inbound until a complete request decodes (or
// the connection is invalid/too large/closed). On success it returns the
// parsed request and any bytes read past the header: a client may pipeline
// its first payload bytes right behind the handshake in the same write,
// and those must still reach the target once the relay starts.
func (s *Session) runHandshake() (protocol.Request, []byte, bool) {
	bufCap := s.deps.Config.HandshakeBufferCap
	if bufCap <= 0 {
		bufCap = 4096
	}

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 512)

	for {
		req, consumed, status, err := protocol.Decode(buf)
		switch status {
		case protocol.Ok:
			resp := protocol.EncodeGranted(req)
			if _, werr := s.inbound.Write(resp[:]); werr != nil {
				s.log.Warn("write handshake reply failed", "error", werr)
				s.deps.Metrics.HandshakeErrors.WithLabelValues("reply_write").Inc()
				return protocol.Request{}, nil, false
			}
			return req, buf[consumed:], true
		case protocol.Invalid:
			s.log.Warn("invalid handshake", "error", err)
			s.deps.Metrics.HandshakeErrors.WithLabelValues(invalidReason(err)).Inc()
			return protocol.Request{}, nil, false
		case protocol.Incomplete:
			// fall through to read more
		}

		if len(buf) >= bufCap {
			s.log.Warn("handshake buffer exceeded cap", "cap", bufCap)
			s.deps.Metrics.HandshakeErrors.WithLabelValues("buffer_overflow").Inc()
			return protocol.Request{}, nil, false
		}

		n, rerr := s.inbound.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			return protocol.Request{}, nil, false
		}
	}
}

func invalidReason(err error) string {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return string(pe.Reason)
	}
	return "unknown"
}

// closeInboundOnly handles a failed or abandoned handshake: the Session
// was never registered, so there is nothing beyond the inbound stream to
// tear down.
func (s *Session) closeInboundOnly() {
	s.inbound.Close()
	s.cancel()
}

// dial opens the outbound stream: direct connect for SOCKS4, async
// resolve-then-connect for SOCKS4A. It reports success/failure; on
// failure the caller destroys the Session (closing the inbound stream,
// which is already registered by this point).
func (s *Session) dial(req protocol.Request) bool {
	dialer := &net.Dialer{Control: socket.TuneDial}
	if s.deps.Config.DialTimeout > 0 {
		dialer.Timeout = s.deps.Config.DialTimeout
	}

	var addr string
	if req.Variant == protocol.Socks4a {
		ip, err := s.resolveHostname(req.Hostname)
		if err != nil {
			s.log.Warn("resolve failed", "hostname", req.Hostname, "error", err)
			s.deps.Metrics.DialErrors.WithLabelValues("socks4a").Inc()
			return false
		}
		addr = net.JoinHostPort(ip.String(), fmt.Sprint(req.DstPort))
	} else {
		ip := net.IP(req.DstIP[:])
		addr = net.JoinHostPort(ip.String(), fmt.Sprint(req.DstPort))
	}

	conn, err := dialer.DialContext(s.ctx, "tcp4", addr)
	if err != nil {
		s.log.Warn("connect failed", "addr", addr, "error", err)
		s.deps.Metrics.DialErrors.WithLabelValues(req.Variant.String()).Inc()
		return false
	}

	s.outbound = conn
	return true
}

// resolveHostname waits for the async resolver, honoring Session
// cancellation: if the Session is destroyed before the lookup returns,
// the in-flight lookup is abandoned rather than awaited.
func (s *Session) resolveHostname(host string) (net.IP, error) {
	ch := s.deps.Resolver.Resolve(s.ctx, host)
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.IP, nil
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// splice runs the Connected-state bidirectional copy and the half-close
// teardown protocol. remainder is forwarded to outbound ahead of any
// further bytes read from inbound.
func (s *Session) splice(remainder []byte) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.copyInboundToOutbound(remainder)
	}()
	go func() {
		defer wg.Done()
		s.copyOutboundToInbound()
	}()

	wg.Wait()
}

func (s *Session) copyInboundToOutbound(remainder []byte) {
	bufp := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(bufp)

	var src io.Reader = s.inbound
	if len(remainder) > 0 {
		src = io.MultiReader(bytes.NewReader(remainder), s.inbound)
	}

	n, err := io.CopyBuffer(s.outbound, src, *bufp)
	s.deps.Metrics.BytesTotal.WithLabelValues("inbound_to_outbound").Add(float64(n))

	if err != nil {
		s.onIOError(err)
		return
	}
	s.onInboundEOF()
}

func (s *Session) copyOutboundToInbound() {
	bufp := relayBufPool.Get().(*[]byte)
	defer relayBufPool.Put(bufp)

	n, err := io.CopyBuffer(s.inbound, s.outbound, *bufp)
	s.deps.Metrics.BytesTotal.WithLabelValues("outbound_to_inbound").Add(float64(n))

	if err != nil {
		s.onIOError(err)
		return
	}
	s.onOutboundEOF()
}

// onInboundEOF implements the inbound-EOF edges of the state machine.
// The copyInboundToOutbound goroutine runs exactly once, so this is
// called at most once: either it starts the active-shutdown path
// (Connected -> ActiveShutdown, we close outbound for write), or — if
// outbound had already EOF'd first, putting us in PassiveShutdown — this
// inbound EOF is the matching peer close that completes teardown
// (PassiveShutdown -> Closing).
func (s *Session) onInboundEOF() {
	s.mu.Lock()
	switch s.state {
	case Connected:
		s.state = ActiveShutdown
		s.mu.Unlock()
		s.log.Debug("inbound EOF, shutting down outbound for write")
		shutdownWrite(s.outbound)
	case PassiveShutdown:
		s.state = Closing
		s.mu.Unlock()
		s.destroy()
	default:
		s.mu.Unlock()
	}
}

// onOutboundEOF implements the outbound-EOF edges, symmetric to
// onInboundEOF: starts the passive-shutdown path (Connected ->
// PassiveShutdown, we close inbound for write), or — if inbound had
// already EOF'd first (ActiveShutdown) — completes teardown
// (ActiveShutdown -> Closing).
func (s *Session) onOutboundEOF() {
	s.mu.Lock()
	switch s.state {
	case Connected:
		s.state = PassiveShutdown
		s.mu.Unlock()
		s.log.Debug("outbound EOF, shutting down inbound for write")
		shutdownWrite(s.inbound)
	case ActiveShutdown:
		s.state = Closing
		s.mu.Unlock()
		s.destroy()
	default:
		s.mu.Unlock()
	}
}

// onIOError handles a read/write error on either stream: any state at or
// past Dialing transitions directly to Closing, since a broken stream
// can't be torn down gracefully through the normal half-close sequence.
func (s *Session) onIOError(err error) {
	if errors.Is(err, net.ErrClosed) {
		return // the other direction already destroyed the Session
	}
	s.mu.Lock()
	if s.state == Closing {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	s.mu.Unlock()
	s.log.Warn("relay i/o error", "error", err)
	s.destroy()
}

// shutdownWrite half-closes conn for write, after the caller's
// io.CopyBuffer loop has already drained everything buffered for it —
// satisfying "shut for write after the current write buffer drains"
// without a reactor-level drain callback, since the copy itself blocks
// until every queued byte has been handed to the kernel.
func shutdownWrite(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
}

// setState sets the Session's state under lock (used for transitions
// that cannot race with the relay goroutines, e.g. Dialing/Connected).
func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the Session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close implements registry.Entry. It is equivalent to the natural
// teardown triggered by onInboundEOF/onOutboundEOF/onIOError, and is what
// registry.CloseAll calls on every live Session when a shutdown's grace
// period elapses and remaining sessions must be forced down.
func (s *Session) Close() error {
	s.destroy()
	return nil
}

// destroy removes the Session from the registry, cancels its context
// (aborting any in-flight resolve) and closes both streams. It is
// idempotent: the relay's two goroutines, an I/O error and an external
// Close may all race to call it, but only the first has any effect —
// this is the single point where a Session is reclaimed, satisfying the
// "destruction happens only via registry removal" rule.
func (s *Session) destroy() {
	s.destroyOnce.Do(func() {
		s.deps.Registry.Remove(s.inbound)
		s.deps.Metrics.SessionsActive.Set(float64(s.deps.Registry.Len()))
		s.cancel()
		s.inbound.Close()
		if s.outbound != nil {
			s.outbound.Close()
		}
		s.log.Info("session closed")
	})
}
