package duplex

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Handler is the interface for handling incoming sessions.
type Handler interface {
	// Handle is called with an opened channel for each session. The session
	// lasts until Handle returns; a channel still open at that point is aborted.
	Handle(ctx context.Context, ch *Channel)
}

// HandlerFunc adapts a func to Handler.
type HandlerFunc func(ctx context.Context, ch *Channel)

// Handle calls f(ctx, ch).
func (f HandlerFunc) Handle(ctx context.Context, ch *Channel) { f(ctx, ch) }

// Server accepts TCP connections and runs duplex sessions on them. A
// connection whose session closed cleanly hosts the next session; one whose
// session aborted or faulted is closed.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	channelOpts     []Option

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. This gives running sessions time to complete.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerChannelOption sets the options of every channel the server creates.
// The codec option is required.
func ServerChannelOption(opt ...Option) ServerOption {
	return func(s *Server) {
		s.channelOpts = append(s.channelOpts, opt...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound or the channel options are invalid.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if _, err := buildOptions(s.channelOpts); err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}
	s.listener = listener

	return s, nil
}

// Serve starts accepting connections and running sessions on them.
// It blocks until the context is canceled or an unrecoverable error occurs.
// When the context is canceled, it stops accepting new connections gracefully.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration before stopping. Call Close() to bypass the timeout.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		go s.serveConn(ctx, conn, handler)
	}
}

// serveConn runs sessions on conn one after another until one of them does
// not hand the connection back healthy.
func (s *Server) serveConn(ctx context.Context, conn *net.TCPConn, handler Handler) {
	opts, _ := buildOptions(s.channelOpts) // validated by New
	t := newStreamTransport(conn, opts)

	for sessions := 0; ; sessions++ {
		if sessions > 0 {
			// idle until the peer starts the next session or hangs up
			ready, err := t.WaitForMessage(ctx)
			if err != nil || !ready {
				s.logger.Debug("connection done", "remote_addr", conn.RemoteAddr(), "sessions", sessions)
				_ = conn.Close()
				return
			}
		}

		// the connection is reused, so Close must consume the peer's session end
		reclaimed := make(chan bool, 1)
		chOpts := append(append([]Option(nil), s.channelOpts...),
			DrainOnCloseOption(true),
			ReclaimerOption(ReclaimerFunc(func(abort bool) { reclaimed <- abort })))

		ch, err := NewChannel(t, t, chOpts...)
		if err != nil {
			s.logger.Error("create channel", "error", err)
			_ = conn.Close()
			return
		}
		if err := ch.Open(ctx); err != nil {
			s.logger.Warn("open channel", "remote_addr", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
			return
		}

		handler.Handle(ctx, ch)
		ch.Abort()

		if abort := <-reclaimed; abort {
			_ = conn.Close()
			return
		}
	}
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
// Any blocked Accept calls will return with an error.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
