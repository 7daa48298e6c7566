package duplex

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler is the interface for handling accepted connections.
type Handler interface {
	// Handle is called on its own goroutine for each accepted connection.
	// The implementation owns t and must close it, usually by wrapping it
	// in a Conn and disconnecting that.
	Handle(ctx context.Context, t Transport, remote net.Addr)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, t Transport, remote net.Addr)

func (f HandlerFunc) Handle(ctx context.Context, t Transport, remote net.Addr) {
	f(ctx, t, remote)
}

// Server accepts TCP connections and turns them into transports: a
// descriptor transport for plain connections, a stream transport over
// crypto/tls when a TLS configuration is set.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	tlsConfig       *tls.Config
	streamOpts      []StreamOption

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
// When the context is canceled, the server waits up to this duration
// before closing the listener. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerTLSOption serves TLS with cfg.
func ServerTLSOption(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// ServerStreamOption sets the options of the stream transports created for
// TLS connections.
func ServerStreamOption(opts ...StreamOption) ServerOption {
	return func(s *Server) {
		s.streamOpts = opts
	}
}

// Listen creates a new server bound to the specified address.
func Listen(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and dispatches them to the handler until the
// context is canceled or an unrecoverable error occurs. Call Close to bypass
// the shutdown timeout.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr(), "tls", s.tlsConfig != nil)

	go func() {
		<-ctx.Done()

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
		// unblock Accept
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
			return errors.Wrap(err, "accept")
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		t, err := s.transport(conn)
		if err != nil {
			s.logger.Warn("cannot wrap connection", "remote_addr", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
			continue
		}
		go handler.Handle(ctx, t, conn.RemoteAddr())
	}
}

func (s *Server) transport(conn *net.TCPConn) (Transport, error) {
	if s.tlsConfig != nil {
		return NewStreamTransport(tls.Server(conn, s.tlsConfig), s.streamOpts...), nil
	}
	return plainTransport(conn)
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

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

// Dial connects to addr. With a non-nil cfg the connection is wrapped in a
// TLS client stream transport and the handshake is completed before
// returning; otherwise a plain transport is returned.
func Dial(ctx context.Context, addr string, cfg *tls.Config, opts ...StreamOption) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	if cfg == nil {
		tc, ok := conn.(*net.TCPConn)
		if !ok {
			return NewStreamTransport(conn, opts...), nil
		}
		_ = tc.SetNoDelay(true)
		return plainTransport(tc)
	}

	st := NewStreamTransport(tls.Client(conn, cfg), opts...)
	if err := st.Handshake(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
