package tools

import (
	"context"
	"log/slog"
	"net"
)

// maxLoggedBody caps how much of a read or write ends up in the debug log
const maxLoggedBody = 128

// LogConn is a net.Conn that logs every read and write at debug level.
// Bodies are reduced to their printable characters and cut at maxLoggedBody,
// file payloads would otherwise flood the log.
type LogConn struct {
	net.Conn
	logger *slog.Logger
}

func (c *LogConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 && c.logger.Enabled(context.Background(), slog.LevelDebug) { // log only non empty reads
		c.logger.Debug("Request", "bytes", n, "body", Summary(b[:n], maxLoggedBody))
	}
	return n, err
}

func (c *LogConn) Write(b []byte) (int, error) {
	if c.logger.Enabled(context.Background(), slog.LevelDebug) {
		c.logger.Debug("Respond", "bytes", len(b), "body", Summary(b, maxLoggedBody))
	}
	return c.Conn.Write(b)
}

// NewLogConn wraps conn, with a nil logger conn is returned as is.
func NewLogConn(conn net.Conn, logger *slog.Logger) net.Conn {
	if logger == nil {
		return conn
	}
	return &LogConn{Conn: conn, logger: logger}
}
