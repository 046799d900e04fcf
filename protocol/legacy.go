package protocol

import (
	"bytes"
	"io"
	"strings"
	"time"
)

const (
	// PayloadMarker prefixes file bytes in the legacy framing.
	PayloadMarker = "||"
	// LegacyFrameSize is the size of a single legacy read or write.
	LegacyFrameSize = 1024
	// LegacyChunkCapacity is what is left of a frame after the marker.
	// Downloads larger than this are truncated by the legacy framing.
	LegacyChunkCapacity = LegacyFrameSize - len(PayloadMarker)
	// LegacyPayloadGap is the pause between a payload and the next control line.
	// Without it a stream socket can hand both to the peer in one read, and the
	// control text would be taken for file bytes.
	LegacyPayloadGap = 200 * time.Millisecond
)

// LegacyCodec classifies whatever a single Read returns:
// a chunk starting with PayloadMarker is a payload, anything else is a control line.
//
// It assumes one complete message arrives per read. That only holds for small
// messages on a local socket and when the peer waits for a reply between writes,
// nothing is reassembled across reads.
type LegacyCodec struct {
	rw  io.ReadWriter
	buf []byte

	// PayloadGap delays the first control line written after a payload.
	PayloadGap time.Duration
	payloadAt  time.Time
}

var _ Codec = &LegacyCodec{}

func NewLegacyCodec(rw io.ReadWriter) *LegacyCodec {
	return &LegacyCodec{
		rw:         rw,
		buf:        make([]byte, LegacyFrameSize),
		PayloadGap: LegacyPayloadGap,
	}
}

// ReadMessage performs exactly one Read. A read of zero bytes is a disconnect.
func (c *LegacyCodec) ReadMessage() (Message, error) {
	n, err := c.rw.Read(c.buf)
	if n <= 0 {
		if err == nil {
			err = io.EOF
		}
		return Message{}, err
	}

	chunk := c.buf[:n]
	if bytes.HasPrefix(chunk, []byte(PayloadMarker)) {
		body := make([]byte, n-len(PayloadMarker))
		copy(body, chunk[len(PayloadMarker):])
		return Message{Kind: KindPayload, Body: body}, nil
	}

	body := make([]byte, n)
	copy(body, chunk)
	return Message{Kind: KindControl, Body: body}, nil
}

func (c *LegacyCodec) WriteControl(line string) error {
	if !c.payloadAt.IsZero() {
		if wait := c.PayloadGap - time.Since(c.payloadAt); wait > 0 {
			time.Sleep(wait)
		}
		c.payloadAt = time.Time{}
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := io.WriteString(c.rw, line)
	return err
}

// WritePayload sends at most LegacyChunkCapacity bytes in one write, the rest is dropped.
// The next WriteControl waits until PayloadGap has passed.
func (c *LegacyCodec) WritePayload(data []byte) (int, error) {
	if len(data) > LegacyChunkCapacity {
		data = data[:LegacyChunkCapacity]
	}
	frame := make([]byte, 0, len(PayloadMarker)+len(data))
	frame = append(frame, PayloadMarker...)
	frame = append(frame, data...)
	if _, err := c.rw.Write(frame); err != nil {
		return 0, err
	}
	c.payloadAt = time.Now()
	return len(data), nil
}

func (c *LegacyCodec) ChunkCapacity() int {
	return LegacyChunkCapacity
}

func (c *LegacyCodec) Framing() Framing {
	return FramingLegacy
}
