// Description: client package
// A client for the unix socket file server. Every call waits for the
// server's reply before it returns, the command prompt marks the end
// of a reply.

package client

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strings"

	"github.com/jakobek09/FileServer-UDS/protocol"
)

var (
	// ErrAuthRejected is returned by Login for a wrong secret, Login can be called again.
	ErrAuthRejected = errors.New("password rejected")
	// ErrNotFound is returned by Download for a file the server does not have.
	ErrNotFound = fmt.Errorf("file not found on server: %w", fs.ErrNotExist)
	// ErrRejected wraps any other refusal, the server's line follows the colon.
	ErrRejected = errors.New("request rejected")
	// ErrTooManySessions means the server refused the connection.
	ErrTooManySessions = errors.New("too many sessions")
	// ErrUnexpectedReply means the client and server are out of step.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

type Client struct {
	conn   net.Conn
	codec  protocol.Codec
	logger *slog.Logger

	// lines of a legacy read that held more than one reply
	pending []string
	// an unterminated line at the end of a legacy read
	partial string
}

// reply is one line or one payload
type reply struct {
	line      string
	payload   []byte
	isPayload bool
}

// Dial connects to the server socket.
func Dial(ctx context.Context, socketPath string, framing protocol.Framing) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", socketPath, err)
	}
	c, err := NewClient(conn, framing)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient speaks the given framing over an open connection.
func NewClient(conn net.Conn, framing protocol.Framing) (*Client, error) {
	return NewClientWithLimit(conn, framing, 0)
}

// NewClientWithLimit is NewClient with a bound on downloaded payloads,
// 0 uses protocol.DefaultMaxPayload. A larger download fails with
// protocol.ErrPayloadTooLarge and the client stays usable.
func NewClientWithLimit(conn net.Conn, framing protocol.Framing, maxPayload int) (*Client, error) {
	codec, err := protocol.NewCodec(framing, conn, maxPayload)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, codec: codec, logger: slog.Default()}, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(l *slog.Logger) {
	c.logger = l
}

// Logger returns the logger for the client.
func (c *Client) Logger() *slog.Logger {
	l := c.logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("module", "client")
}

// Framing returns the framing spoken on the connection.
func (c *Client) Framing() protocol.Framing {
	return c.codec.Framing()
}

// Login waits for the password prompt and sends secret. On ErrAuthRejected the
// server asks again and Login may be retried on the same connection.
func (c *Client) Login(secret string) error {
	r, err := c.next()
	if err != nil {
		return err
	}
	switch {
	case r.line == protocol.TooManySessions:
		return ErrTooManySessions
	case !isPrompt(r, protocol.PasswordPrompt):
		return fmt.Errorf("%w: %q while waiting for the password prompt", ErrUnexpectedReply, r.line)
	}

	if err := c.codec.WriteControl(secret); err != nil {
		return fmt.Errorf("error sending password: %w", err)
	}

	if r, err = c.next(); err != nil {
		return err
	}
	switch r.line {
	case protocol.PasswordAccepted:
		return c.expectPrompt()
	case protocol.PasswordRejected:
		return ErrAuthRejected
	}
	return fmt.Errorf("%w: %q after the password", ErrUnexpectedReply, r.line)
}

// List returns the names of the files on the server.
func (c *Client) List() ([]string, error) {
	lines, _, err := c.command(protocol.List)
	if err != nil {
		return nil, err
	}

	var names []string
	inList := false
	for _, line := range lines {
		switch {
		case line == protocol.ListFailed:
			return nil, fmt.Errorf("%w: %s", ErrRejected, line)
		case line == protocol.ListHeader:
			inList = true
		case line == protocol.ListEnd:
			return names, nil
		case inList:
			names = append(names, line)
		}
	}
	return nil, fmt.Errorf("%w: listing was not terminated", ErrUnexpectedReply)
}

// Download returns the content of the named file. In legacy framing
// files larger than protocol.LegacyChunkCapacity come back truncated.
func (c *Client) Download(name string) ([]byte, error) {
	lines, payloads, err := c.command(protocol.Download + " " + name)
	if err != nil {
		return nil, err
	}

	for _, line := range lines {
		switch line {
		case protocol.DownloadOK(name):
			if len(payloads) != 1 {
				return nil, fmt.Errorf("%w: %d payloads for one download", ErrUnexpectedReply, len(payloads))
			}
			return payloads[0], nil
		case protocol.FileNotFound(name):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
	}
	return nil, rejected(lines)
}

// Upload sends data as the named file and returns how many bytes were sent,
// fewer than len(data) only when the legacy framing truncated them.
func (c *Client) Upload(name string, data []byte) (int, error) {
	if err := c.codec.WriteControl(protocol.Upload + " " + name); err != nil {
		return 0, fmt.Errorf("error sending command: %w", err)
	}

	r, err := c.next()
	if err != nil {
		return 0, err
	}
	if r.isPayload || r.line != protocol.UploadReady(name) {
		lines, _, err := c.readUntilPrompt(r)
		if err != nil {
			return 0, err
		}
		return 0, rejected(lines)
	}

	n, err := c.codec.WritePayload(data)
	if err != nil {
		return n, fmt.Errorf("error sending file: %w", err)
	}
	if n < len(data) {
		c.Logger().Warn("upload truncated by the framing", "file", name, "size", len(data), "sent", n)
	}

	lines, _, err := c.readUntilPrompt()
	if err != nil {
		return n, err
	}
	for _, line := range lines {
		if line == protocol.UploadOK(name) {
			return n, nil
		}
	}
	return n, rejected(lines)
}

// Exit ends the session and closes the connection.
func (c *Client) Exit() error {
	err := c.codec.WriteControl(protocol.Exit)
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection without saying goodbye.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes a raw control line, the reply is read with ReadReply.
func (c *Client) Send(line string) error {
	return c.codec.WriteControl(line)
}

// ReadReply returns the lines up to the next command prompt.
func (c *Client) ReadReply() ([]string, error) {
	lines, _, err := c.readUntilPrompt()
	return lines, err
}

func (c *Client) command(line string) ([]string, [][]byte, error) {
	if err := c.codec.WriteControl(line); err != nil {
		return nil, nil, fmt.Errorf("error sending command: %w", err)
	}
	return c.readUntilPrompt()
}

// readUntilPrompt collects lines and payloads until the command prompt, first
// is an already read reply that belongs to the same response.
func (c *Client) readUntilPrompt(first ...reply) (lines []string, payloads [][]byte, err error) {
	for _, r := range first {
		if isPrompt(r, protocol.CommandPrompt) {
			return lines, payloads, nil
		}
		lines, payloads = collect(r, lines, payloads)
	}
	// an oversized payload was drained by the codec, the reply still ends with the prompt
	var tooLarge error
	for {
		r, err := c.next()
		if errors.Is(err, protocol.ErrPayloadTooLarge) {
			tooLarge = err
			continue
		}
		if err != nil {
			return lines, payloads, err
		}
		if isPrompt(r, protocol.CommandPrompt) {
			return lines, payloads, tooLarge
		}
		lines, payloads = collect(r, lines, payloads)
	}
}

func (c *Client) expectPrompt() error {
	r, err := c.next()
	if err != nil {
		return err
	}
	if !isPrompt(r, protocol.CommandPrompt) {
		return fmt.Errorf("%w: %q while waiting for the command prompt", ErrUnexpectedReply, r.line)
	}
	return nil
}

func (c *Client) next() (reply, error) {
	if len(c.pending) > 0 {
		line := c.pending[0]
		c.pending = c.pending[1:]
		return reply{line: line}, nil
	}

	msg, err := c.codec.ReadMessage()
	if err != nil {
		return reply{}, fmt.Errorf("error reading reply: %w", err)
	}
	if msg.IsPayload() {
		return reply{payload: msg.Body, isPayload: true}, nil
	}

	// a legacy read can end inside a line, the rest comes with the next read
	text := c.partial + string(msg.Body)
	c.partial = ""
	if i := strings.LastIndexByte(text, '\n'); i < len(text)-1 && c.codec.Framing() == protocol.FramingLegacy && !endsWithPrompt(text[i+1:]) {
		c.partial = text[i+1:]
		text = text[:i+1]
		if text == "" {
			return c.next()
		}
	}

	lines := protocol.Message{Kind: protocol.KindControl, Body: []byte(text)}.Lines()
	if len(lines) == 0 {
		return reply{}, nil
	}
	c.pending = append(c.pending, lines[1:]...)
	return reply{line: lines[0]}, nil
}

func collect(r reply, lines []string, payloads [][]byte) ([]string, [][]byte) {
	if r.isPayload {
		return lines, append(payloads, r.payload)
	}
	return append(lines, r.line), payloads
}

// endsWithPrompt reports whether a trailing fragment is a prompt, which
// peers may send without a newline.
func endsWithPrompt(s string) bool {
	s = strings.TrimSpace(s)
	return s == strings.TrimSpace(protocol.CommandPrompt) || s == strings.TrimSpace(protocol.PasswordPrompt)
}

func isPrompt(r reply, prompt string) bool {
	return !r.isPayload && strings.TrimSpace(r.line) == strings.TrimSpace(prompt)
}

func rejected(lines []string) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: no reply", ErrUnexpectedReply)
	}
	return fmt.Errorf("%w: %s", ErrRejected, strings.Join(lines, " "))
}
