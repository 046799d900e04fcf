// Description: sftp package
// An optional SSH/SFTP gateway to the same flat store the unix socket
// server exposes. Any ssh user name is accepted, the password must be the
// shared secret.

package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jakobek09/FileServer-UDS/auth"
	"github.com/jakobek09/FileServer-UDS/filesystem"
	"github.com/jakobek09/FileServer-UDS/keys"
	"github.com/jakobek09/FileServer-UDS/tools"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrServerClosed is returned by ListenAndServe after Close.
var ErrServerClosed = errors.New("sftp: server closed")

type Server struct {
	Addr       string
	PrivateKey []byte

	logger    *slog.Logger
	fs        filesystem.FSWithFile
	secret    auth.Secret
	sshConfig *ssh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewSFTPServer(addr string, fs filesystem.FSWithFile, secret auth.Secret) *Server {
	return &Server{
		Addr:   addr,
		fs:     fs,
		secret: secret,
		conns:  make(map[net.Conn]struct{}),
		logger: slog.Default(),
	}
}

// SetPrivateKey sets the PEM host key of the server.
// if not called the server will generate a new key
func (s *Server) SetPrivateKey(pk []byte) {
	s.PrivateKey = pk
}

// SetPrivateKeyFile loads the host key from path, generating and saving one when the file does not exist.
func (s *Server) SetPrivateKeyFile(path string) error {
	pk, err := keys.LoadOrGenerate(path, s.Logger())
	if err != nil {
		return err
	}
	s.PrivateKey = pk
	return nil
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
	return l.With("module", "sftp-server")
}

// Listen configures ssh and binds Addr.
func (s *Server) Listen() error {
	if s.PrivateKey == nil {
		pk, err := keys.LoadOrGenerate("", s.Logger())
		if err != nil {
			return fmt.Errorf("error generating host key: %w", err)
		}
		s.PrivateKey = pk
	}

	s.sshConfig = &ssh.ServerConfig{
		PasswordCallback: s.AuthHandler,
	}

	privateKey, err := ssh.ParsePrivateKey(s.PrivateKey)
	if err != nil {
		s.Logger().Error("Error parsing private key", "error", err)
		return fmt.Errorf("error parsing private key: %w", err)
	}
	s.sshConfig.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Logger().Error("Failed to listen", "error", err)
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.Logger().Info("Listening on " + listener.Addr().String())
	return nil
}

// Serve accepts ssh connections until Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("sftp server is not listening, call Listen first")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.Logger().Error("Failed to accept incoming connection", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.track(conn, true) {
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.sshHandler(conn)
		}()
	}
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// TryListenAndServe tries to start the SFTP server if there isn't an error after a certain time it returns nil
func (s *Server) TryListenAndServe(d time.Duration) error {
	if err := s.Listen(); err != nil {
		return err
	}

	errC := make(chan error, 1)
	go func() {
		if err := s.Serve(); err != nil && !errors.Is(err, ErrServerClosed) {
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

// ListenAddr returns the bound address, useful when Addr asked for port 0.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops the listener and every ssh connection, then waits for them up to ctx.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.listener = nil
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	var result *multierror.Error
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	for conn := range conns {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		return true
	}
	delete(s.conns, conn)
	return true
}

// AuthHandler is called by the SSH server when a client attempts to authenticate.
func (s *Server) AuthHandler(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	s.Logger().Debug("Login attempt", "user", c.User(), "remote", c.RemoteAddr().String())
	if s.secret != nil && s.secret.Verify(string(pass)) {
		return &ssh.Permissions{}, nil
	}
	return nil, fmt.Errorf("password rejected for %q", c.User())
}

func (s *Server) sshHandler(conn net.Conn) {
	defer conn.Close()

	// Upgrade the connection to an SSH connection.
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.Logger().Debug("Failed to handshake", "error", err)
		return
	}
	defer sshConn.Close()

	logger := s.Logger().With("ssh-User", sshConn.User(), "RemoteAddr", sshConn.RemoteAddr().String())
	logger.Info(
		"New SSH connection",
		"ClientVersion", string(sshConn.ClientVersion()),
		"ServerVersion", string(sshConn.ServerVersion()),
	)
	// The incoming Request channel must be serviced.
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		// The SFTP server operates over a single channel of type "session".
		logger.Debug("Incoming channel", "channelType", newChannel.ChannelType())
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			logger.Error("Could not accept channel", "error", err)
			return
		}

		go s.filterHandler(requests, logger)

		handlers := NewFileSys(&Sessions{fs: s.fs, logger: logger, user: sshConn.User()})
		server := sftp.NewRequestServer(channel, handlers)
		if err := server.Serve(); errors.Is(err, io.EOF) {
			logger.Info("sftp client exited session.")
		} else if err != nil {
			logger.Error("sftp server completed with error", "error", err)
		}
		server.Close()
	}
}

// filterHandler only accepts the sftp subsystem on a session channel.
func (s *Server) filterHandler(in <-chan *ssh.Request, logger *slog.Logger) {
	for req := range in {
		logger.Debug("Request", "type", req.Type, "payload", tools.Summary(req.Payload, 64))

		ok := false
		switch req.Type {
		case "subsystem":
			if len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp" {
				ok = true
			}
		}
		if err := req.Reply(ok, nil); err != nil {
			logger.Error("Failed to reply", "error", err)
			return
		}
	}
}
