// Package server implements the bridge's TCP listener.
//
// Request processing pipeline:
//
//	Accept conn → handleConn
//	  → read goroutine: protocol.Reader frames messages off the byte stream
//	  → conn goroutine: Codec.Decode → Middleware Chain → bridge.Enqueue → Future.Wait → write response
//
// Requests on one connection are handled one at a time, in arrival order.
// Different connections run independently and interleave at the bridge.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"host-bridge/bridge"
	"host-bridge/codec"
	"host-bridge/middleware"
	"host-bridge/protocol"
	"host-bridge/registry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultAddr is where the bridge listens unless configured otherwise.
const DefaultAddr = "127.0.0.1:8080"

// registryTTL is the lease TTL (seconds) used when announcing the listener.
const registryTTL = 10

var (
	ErrNotLoopback = errors.New("server: listen address must be a loopback address")
	ErrConnClosed  = errors.New("server: connection closed")
)

// Server accepts requester connections and feeds their requests to the bridge.
type Server struct {
	bridge      *bridge.Bridge
	codec       codec.Codec
	logger      *zap.Logger
	maxBuffered int
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(bridgeHandler)))
	registry    registry.Registry      // nil if not announcing the listener
	hostName    string
	version     string

	listener net.Listener
	shutdown atomic.Bool // Set before closing the listener so Accept errors are expected
	done     chan struct{}

	mu    sync.Mutex
	conns map[string]*conn
	wg    sync.WaitGroup // Tracks connection goroutines
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxBufferedBytes caps unframed data per connection.
func WithMaxBufferedBytes(n int) Option {
	return func(s *Server) {
		s.maxBuffered = n
	}
}

// WithRegistry announces the listener address under hostName while serving.
func WithRegistry(reg registry.Registry, hostName, version string) Option {
	return func(s *Server) {
		s.registry = reg
		s.hostName = hostName
		s.version = version
	}
}

// NewServer creates a server that submits requests to b.
func NewServer(b *bridge.Bridge, opts ...Option) *Server {
	s := &Server{
		bridge: b,
		codec:  &codec.JSONCodec{},
		logger: zap.NewNop(),
		conns:  make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "server"))
	return s
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// loopbackAddr checks that address binds to loopback only. An empty host is
// turned into 127.0.0.1 rather than the wildcard address.
func loopbackAddr(address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", fmt.Errorf("server: invalid listen address %q: %w", address, err)
	}
	switch host {
	case "":
		return net.JoinHostPort("127.0.0.1", port), nil
	case "localhost":
		return address, nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return "", fmt.Errorf("%w: %q", ErrNotLoopback, address)
	}
	return address, nil
}

// Start binds address and begins accepting connections in the background.
// It returns once the listener is bound.
func (s *Server) Start(address string) error {
	address, err := loopbackAddr(address)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", address, err)
	}
	s.listener = listener

	// Build the middleware chain once at startup (not per-request)
	s.handler = middleware.Chain(s.middlewares...)(s.bridgeHandler)

	if s.registry != nil {
		err := s.registry.Register(s.hostName, registry.ServiceInstance{
			Addr:    listener.Addr().String(),
			Version: s.version,
			PID:     os.Getpid(),
		}, registryTTL)
		if err != nil {
			s.logger.Warn("failed to announce listener", zap.Error(err))
		}
	}

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.acceptLoop()
	}()

	s.logger.Info("bridge listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Serve starts the server on address and blocks until it is shut down.
func (s *Server) Serve(address string) error {
	if err := s.Start(address); err != nil {
		return err
	}
	s.Wait()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Wait blocks until the accept loop has exited.
func (s *Server) Wait() {
	if s.done != nil {
		<-s.done
	}
}

// Connections reports how many connections are open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	var backoff time.Duration
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Error("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		c := s.track(nc)
		if c == nil {
			continue
		}
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

// track adds a connection to the active set. It returns nil if the server is
// shutting down, in which case nc has been closed.
func (s *Server) track(nc net.Conn) *conn {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &conn{
		id:     uuid.NewString(),
		nc:     nc,
		ctx:    ctx,
		cancel: cancel,
		reader: protocol.NewReader(nc, s.maxBuffered),
		writer: protocol.NewWriter(nc),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		nc.Close()
		return nil
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	return c
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.close(ErrConnClosed)
}

// Shutdown stops accepting, closes every connection, and waits up to timeout
// for connection goroutines to finish. Commands still waiting on the bridge for
// a closed connection are abandoned.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil && s.listener != nil {
		// Deregister first so requesters stop discovering this listener
		if err := s.registry.Deregister(s.hostName, s.listener.Addr().String()); err != nil {
			s.logger.Warn("failed to deregister listener", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.close(ErrConnClosed)
	}

	done := make(chan struct{})
	go func() {
		s.Wait()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("bridge stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for %d connections to finish", s.Connections())
	}
}
