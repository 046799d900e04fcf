package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jakobek09/FileServer-UDS/filesystem"
	"github.com/jakobek09/FileServer-UDS/protocol"
	"github.com/jakobek09/FileServer-UDS/tools"
	"github.com/jakobek09/FileServer-UDS/transfer"
)

// State is where a session is in its lifecycle
type State int

const (
	StateAuthenticating State = iota
	StateCommandWait
	StateAwaitingUpload
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateCommandWait:
		return "command-wait"
	case StateAwaitingUpload:
		return "awaiting-upload"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type handlerMap map[protocol.Command]func(arg string) error

// Session represents one client connection.
// Everything but Close is only touched by the goroutine running Serve.
type Session struct {
	ID        string
	StartedAt time.Time

	server *Server
	conn   net.Conn
	codec  protocol.Codec
	logger *slog.Logger

	state         State
	pendingUpload string           // file name of the accepted upload, empty otherwise
	prompted      bool             // a command prompt is out and not yet answered
	buffer        *transfer.Buffer // owned by this session only
	handlers      handlerMap

	closeOnce sync.Once
	closeErr  error
}

func NewSession(s *Server, conn net.Conn) (*Session, error) {
	session := &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		server:    s,
		conn:      conn,
		state:     StateAuthenticating,
		buffer:    transfer.NewBuffer(),
	}
	session.logger = s.Logger().With("session", session.ID)

	var rw io.ReadWriter = conn
	if session.logger.Enabled(context.Background(), slog.LevelDebug) {
		rw = tools.NewLogConn(conn, session.logger)
	}
	codec, err := protocol.NewCodec(s.framing(), rw, s.MaxPayload)
	if err != nil {
		return nil, err
	}
	session.codec = codec

	session.handlers = handlerMap{
		protocol.List:     session.ListCommand,     // list the regular files of the store
		protocol.Download: session.DownloadCommand, // send one file as a payload
		protocol.Upload:   session.UploadCommand,   // accept the next payload as a file
	}
	return session, nil
}

// Logger returns the logger of the session.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// State returns the current state, only meaningful from the serving goroutine or after Serve returns.
func (s *Session) State() State {
	return s.state
}

// Close closes the connection, a blocked Serve returns.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Serve runs the session until the client exits or disconnects.
func (s *Session) Serve() {
	defer func() {
		if r := recover(); r != nil {
			s.Logger().Error("Recovered from panic", "panic", r, "stack", string(debug.Stack()))
		}
		s.state = StateClosed
		_ = s.Close()
		s.Logger().Info("session closed", "duration", time.Since(s.StartedAt).Round(time.Millisecond).String())
	}()

	s.Logger().Info("session opened", "framing", s.codec.Framing())

	if err := s.authenticate(); err != nil {
		s.logEnd(err)
		return
	}

	for {
		if s.pendingUpload == "" && !s.prompted {
			if err := s.reply(protocol.CommandPrompt); err != nil {
				s.logEnd(err)
				return
			}
			s.prompted = true
		}

		msg, err := s.codec.ReadMessage()
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			if err := s.rejectPayload(); err != nil {
				s.logEnd(err)
				return
			}
			continue
		}
		if err != nil {
			s.logEnd(err)
			return
		}

		if msg.IsPayload() {
			if err := s.handlePayload(msg.Body); err != nil {
				s.logEnd(err)
				return
			}
			continue
		}

		s.prompted = false
		line := strings.TrimSuffix(msg.Text(), "\r")

		if s.pendingUpload != "" {
			// the client sent a command instead of the file
			s.Logger().Warn("upload cancelled, no payload received", "file", s.pendingUpload)
			s.pendingUpload = ""
			s.state = StateCommandWait
			if err := s.reply(protocol.NoUploadData); err != nil {
				s.logEnd(err)
				return
			}
		}

		cmd, arg := protocol.ParseCommand(line)
		if cmd == protocol.Exit {
			s.Logger().Info("client exited")
			return
		}

		handler, ok := s.handlers[cmd]
		if !ok {
			s.Logger().Debug("unknown command", "line", line)
			if err := s.reply(protocol.UnknownCommand); err != nil {
				s.logEnd(err)
				return
			}
			continue
		}
		if err := handler(arg); err != nil {
			s.logEnd(err)
			return
		}
	}
}

// authenticate loops until the client sends the secret, there is no attempt limit.
func (s *Session) authenticate() error {
	s.state = StateAuthenticating
	for {
		if err := s.reply(protocol.PasswordPrompt); err != nil {
			return err
		}
		msg, err := s.codec.ReadMessage()
		if err != nil && !errors.Is(err, protocol.ErrPayloadTooLarge) {
			return err
		}

		if err == nil && !msg.IsPayload() {
			password := strings.TrimSuffix(msg.Text(), "\r")
			if s.server.secret != nil && s.server.secret.Verify(password) {
				s.state = StateCommandWait
				s.Logger().Info("client authenticated")
				return s.reply(protocol.PasswordAccepted)
			}
		}

		s.Logger().Warn("wrong password")
		if err := s.reply(protocol.PasswordRejected); err != nil {
			return err
		}
	}
}

// ListCommand sends the header, one line per regular file and the terminator.
func (s *Session) ListCommand(arg string) error {
	entries, err := s.server.store.List()
	if err != nil {
		s.Logger().Error("error listing files", "error", err)
		return s.reply(protocol.ListFailed)
	}

	if err := s.reply(protocol.ListHeader); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.reply(entry.Name); err != nil {
			return err
		}
	}
	s.Logger().Debug("listed files", "count", len(entries))
	return s.reply(protocol.ListEnd)
}

// DownloadCommand sends the file as one payload followed by the success line.
// Nothing but the not found line is sent for a missing file.
func (s *Session) DownloadCommand(name string) error {
	if ok, err := s.checkName(name); !ok {
		return err
	}

	data, err := s.server.store.Read(name)
	if err != nil {
		if !errors.Is(err, filesystem.ErrNotFound) {
			s.Logger().Error("error reading file", "file", name, "error", err)
		}
		return s.reply(protocol.FileNotFound(name))
	}

	n, err := s.codec.WritePayload(data)
	if err != nil {
		return fmt.Errorf("error sending file: %w", err)
	}
	if n < len(data) {
		s.Logger().Warn("download truncated by the framing", "file", name, "size", len(data), "sent", n)
	}
	s.Logger().Info("file downloaded", "file", name, "bytes", n)
	return s.reply(protocol.DownloadOK(name))
}

// UploadCommand records the name and acknowledges, the file arrives as the next payload.
func (s *Session) UploadCommand(name string) error {
	if ok, err := s.checkName(name); !ok {
		return err
	}

	s.pendingUpload = name
	s.state = StateAwaitingUpload
	return s.reply(protocol.UploadReady(name))
}

// handlePayload stages the payload in the session buffer and writes it under the pending name.
// A payload that arrives outside of an upload is dropped.
func (s *Session) handlePayload(body []byte) error {
	s.buffer.Stage(body)
	data := s.buffer.TakeAndClear()

	name := s.pendingUpload
	if name == "" {
		s.Logger().Warn("discarding payload outside of an upload", "bytes", len(data))
		return nil
	}
	s.pendingUpload = ""
	s.prompted = false
	s.state = StateCommandWait

	if len(data) == 0 {
		return s.reply(protocol.NoUploadData)
	}
	if err := s.server.store.Write(name, data); err != nil {
		s.Logger().Error("error writing file", "file", name, "error", err)
		return s.reply(protocol.UploadFailed)
	}
	s.Logger().Info("file uploaded", "file", name, "bytes", len(data))
	return s.reply(protocol.UploadOK(name))
}

// rejectPayload answers a payload the codec drained for being over the size limit.
func (s *Session) rejectPayload() error {
	name := s.pendingUpload
	if name == "" {
		s.Logger().Warn("discarding oversized payload outside of an upload")
		return nil
	}
	s.pendingUpload = ""
	s.prompted = false
	s.state = StateCommandWait
	s.Logger().Warn("upload too large", "file", name, "maxPayload", s.server.MaxPayload)
	return s.reply(protocol.PayloadTooLarge(name))
}

// checkName replies to a missing or unsafe file name, ok is false when it did.
func (s *Session) checkName(name string) (ok bool, err error) {
	if name == "" {
		return false, s.reply(protocol.MissingFileName)
	}
	if !filesystem.ValidName(name) {
		s.Logger().Warn("rejected file name", "file", name)
		return false, s.reply(protocol.InvalidFileName(name))
	}
	return true, nil
}

func (s *Session) reply(line string) error {
	if err := s.codec.WriteControl(line); err != nil {
		return fmt.Errorf("error writing reply: %w", err)
	}
	return nil
}

func (s *Session) logEnd(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.Logger().Info("client disconnected")
	default:
		s.Logger().Error("session ended", "error", err)
	}
}
