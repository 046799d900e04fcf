// Description: server package
// The unix socket server. It binds the socket path, accepts connections and
// runs one Session per connection. Sessions authenticate with the shared
// secret and then list, download and upload files of a single flat store.

package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jakobek09/FileServer-UDS/auth"
	"github.com/jakobek09/FileServer-UDS/filesystem"
	"github.com/jakobek09/FileServer-UDS/protocol"
)

// DefaultSocketPath is where the server listens when no path is configured
const DefaultSocketPath = "/tmp/unix_socket"

// ErrServerClosed is returned by Serve after a call to Shutdown.
var ErrServerClosed = errors.New("server closed")

type Server struct {
	// SocketPath is the file system path of the unix socket
	SocketPath string

	// Framing selects the wire codec of every session, framed when empty
	Framing protocol.Framing

	// MaxPayload bounds an uploaded file in the framed codec, 0 uses protocol.DefaultMaxPayload
	MaxPayload int

	// MaxSessions refuses connections above this many active sessions, 0 means no limit
	MaxSessions int

	store  filesystem.FS
	secret auth.Secret
	logger *slog.Logger

	mu         sync.Mutex
	listener   net.Listener
	inShutdown atomic.Bool
	sessions   *SessionManager
	sessionsWG sync.WaitGroup
}

func NewServer(socketPath string, store filesystem.FS, secret auth.Secret) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		SocketPath: socketPath,
		Framing:    protocol.FramingFramed,
		store:      store,
		secret:     secret,
		sessions:   NewSessionManager(),
		logger:     slog.Default(),
	}
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Logger returns the logger for the server.
func (s *Server) Logger() *slog.Logger {
	l := s.logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("module", "socket-server")
}

// Listen removes a stale socket left at SocketPath and binds a new one.
// Anything at the path that is not a socket is left alone and reported.
func (s *Server) Listen() error {
	if s.inShutdown.Load() {
		return ErrServerClosed
	}
	if err := removeStaleSocket(s.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("error starting server: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.Logger().Info("listening", "socket", s.SocketPath, "framing", s.framing())
	return nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error checking socket path: %w", err)
	}
	if info.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error removing stale socket: %w", err)
	}
	return nil
}

// Serve accepts connections until Shutdown is called. A failed accept is
// logged and the loop keeps accepting.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening, call Listen first")
	}

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.Logger().Error("Error accepting connection", "error", err, "retryIn", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		s.mu.Lock()
		if s.inShutdown.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return ErrServerClosed
		}
		s.sessionsWG.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.sessionsWG.Done()
			s.handleConnection(conn)
		}()
	}
}

// ListenAndServe binds the socket and serves it, it only returns on error or after Shutdown.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// TryListenAndServe binds the socket and serves in the background.
// Bind errors are returned, serve errors within d are returned as well, after that it returns nil.
func (s *Server) TryListenAndServe(d time.Duration) error {
	if err := s.Listen(); err != nil {
		return err
	}

	errC := make(chan error, 1)
	go func() {
		if err := s.Serve(); err != nil && !errors.Is(err, ErrServerClosed) {
			s.Logger().Error("server stopped", "error", err)
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return err
	case <-time.After(d):
		return nil
	}
}

// Addr returns the address of the listener, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Count returns the number of active sessions.
func (s *Server) Count() int {
	return s.sessions.Count()
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Shutdown stops accepting, closes every session connection and waits for
// the session goroutines to return or for ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	var result *multierror.Error

	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("error closing listener: %w", err))
		}
	}

	for _, session := range s.sessions.List() {
		if err := session.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("error closing session %s: %w", session.ID, err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.Logger().Info("server stopped")
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("waiting for %d sessions: %w", s.Count(), ctx.Err()))
	}
	return result.ErrorOrNil()
}

func (s *Server) framing() protocol.Framing {
	if s.Framing == "" {
		return protocol.FramingFramed
	}
	return s.Framing
}

func (s *Server) handleConnection(conn net.Conn) {
	session, err := NewSession(s, conn)
	if err != nil {
		s.Logger().Error("Error creating session", "error", err)
		_ = conn.Close()
		return
	}
	defer session.Close()

	if !s.sessions.TryAdd(session.ID, session, s.MaxSessions) {
		session.Logger().Warn("refusing connection, too many sessions", "maxSessions", s.MaxSessions)
		_ = session.codec.WriteControl(protocol.TooManySessions)
		return
	}
	defer s.sessions.Remove(session.ID)

	// a connection accepted while Shutdown was closing sessions is not in its snapshot
	if s.inShutdown.Load() {
		return
	}

	session.Serve()
}
