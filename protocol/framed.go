package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Frame layout: | type (1 byte) | body length (4 bytes, big endian) | body |
//
// A control line is a single frameControl. A payload is zero or more
// frameMore followed by exactly one frameLast, so the reader knows where
// it ends without sniffing the content.
const (
	frameControl byte = 'C'
	frameMore    byte = 'P'
	frameLast    byte = 'F'

	HeaderSize = 5
	// MaxFrameBody bounds the body of one frame, larger headers are malformed.
	MaxFrameBody = 64 * 1024
	// FrameChunkSize is how many payload bytes the writer puts in one frame.
	FrameChunkSize = 32 * 1024
	// DefaultMaxPayload bounds a reassembled payload.
	DefaultMaxPayload = 64 * 1024 * 1024
)

// FramedCodec is the length prefixed framing. Reads accumulate until the
// declared length is satisfied, so message boundaries do not depend on how
// the transport splits the stream.
type FramedCodec struct {
	rw         io.ReadWriter
	maxPayload int
	header     [HeaderSize]byte
}

var _ Codec = &FramedCodec{}

func NewFramedCodec(rw io.ReadWriter, maxPayload int) *FramedCodec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &FramedCodec{rw: rw, maxPayload: maxPayload}
}

func (c *FramedCodec) readHeader() (typ byte, size int, err error) {
	if _, err = io.ReadFull(c.rw, c.header[:]); err != nil {
		return 0, 0, err
	}
	size = int(binary.BigEndian.Uint32(c.header[1:]))
	if size > MaxFrameBody {
		return 0, 0, fmt.Errorf("%w: frame body of %d bytes", ErrMalformedFrame, size)
	}
	return c.header[0], size, nil
}

// ReadMessage reads one control frame or a complete payload.
func (c *FramedCodec) ReadMessage() (Message, error) {
	typ, size, err := c.readHeader()
	if err != nil {
		return Message{}, err
	}

	switch typ {
	case frameControl:
		body := make([]byte, size)
		if _, err := io.ReadFull(c.rw, body); err != nil {
			return Message{}, unexpected(err)
		}
		return Message{Kind: KindControl, Body: body}, nil
	case frameMore, frameLast:
		return c.readPayload(typ, size)
	}
	return Message{}, fmt.Errorf("%w: unknown frame type 0x%02x", ErrMalformedFrame, typ)
}

func (c *FramedCodec) readPayload(typ byte, size int) (Message, error) {
	var body []byte
	tooLarge := false
	for {
		if !tooLarge && len(body)+size > c.maxPayload {
			tooLarge = true
			body = nil
		}
		if tooLarge {
			if _, err := io.CopyN(io.Discard, c.rw, int64(size)); err != nil {
				return Message{}, unexpected(err)
			}
		} else {
			start := len(body)
			body = append(body, make([]byte, size)...)
			if _, err := io.ReadFull(c.rw, body[start:]); err != nil {
				return Message{}, unexpected(err)
			}
		}

		if typ == frameLast {
			break
		}

		var err error
		typ, size, err = c.readHeader()
		if err != nil {
			return Message{}, unexpected(err)
		}
		if typ != frameMore && typ != frameLast {
			return Message{}, fmt.Errorf("%w: frame type 0x%02x inside a payload", ErrMalformedFrame, typ)
		}
	}

	if tooLarge {
		return Message{Kind: KindPayload}, ErrPayloadTooLarge
	}
	if body == nil {
		body = []byte{}
	}
	return Message{Kind: KindPayload, Body: body}, nil
}

func (c *FramedCodec) writeFrame(typ byte, body []byte) error {
	frame := make([]byte, HeaderSize+len(body))
	frame[0] = typ
	binary.BigEndian.PutUint32(frame[1:HeaderSize], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	_, err := c.rw.Write(frame)
	return err
}

func (c *FramedCodec) WriteControl(line string) error {
	line = strings.TrimSuffix(line, "\n")
	if len(line) > MaxFrameBody {
		return fmt.Errorf("control line of %d bytes exceeds the frame size", len(line))
	}
	return c.writeFrame(frameControl, []byte(line))
}

// WritePayload streams the whole of data as FrameChunkSize frames.
func (c *FramedCodec) WritePayload(data []byte) (int, error) {
	sent := 0
	for {
		chunk := data[sent:]
		typ := frameLast
		if len(chunk) > FrameChunkSize {
			chunk = chunk[:FrameChunkSize]
			typ = frameMore
		}
		if err := c.writeFrame(typ, chunk); err != nil {
			return sent, err
		}
		sent += len(chunk)
		if typ == frameLast {
			return sent, nil
		}
	}
}

func (c *FramedCodec) ChunkCapacity() int {
	return 0
}

func (c *FramedCodec) Framing() Framing {
	return FramingFramed
}

// unexpected turns an EOF in the middle of a message into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
