package protocol

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrPayloadTooLarge is returned by ReadMessage when a framed payload exceeds the configured limit.
	// The oversized payload has been drained from the stream, the session can continue.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrMalformedFrame means the stream can no longer be trusted and the connection should be closed.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Kind tells a control line apart from file bytes
type Kind byte

const (
	KindControl Kind = 'C'
	KindPayload Kind = 'P'
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindPayload:
		return "payload"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Message is one unit read off the wire.
type Message struct {
	Kind Kind
	Body []byte
}

func (m Message) IsPayload() bool {
	return m.Kind == KindPayload
}

// Text returns the control line up to the first newline.
func (m Message) Text() string {
	line, _, _ := strings.Cut(string(m.Body), "\n")
	return line
}

// Lines splits a control message into its lines.
// A legacy read can hold several lines when the peer wrote them back to back.
func (m Message) Lines() []string {
	s := strings.TrimSuffix(string(m.Body), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Codec reads and writes messages on a single byte stream.
type Codec interface {
	// ReadMessage blocks until one message is available.
	// io.EOF means the peer disconnected.
	ReadMessage() (Message, error)
	// WriteControl sends one control line, the newline is added when the framing needs it.
	WriteControl(line string) error
	// WritePayload sends file bytes. It returns how many of them were sent,
	// which is less than len(data) only when the codec truncates.
	WritePayload(data []byte) (int, error)
	// ChunkCapacity is the most payload bytes a single WritePayload can carry, 0 means no limit.
	ChunkCapacity() int
	Framing() Framing
}

// Framing selects a Codec implementation.
type Framing string

const (
	// FramingFramed uses a length prefixed header for every frame.
	FramingFramed Framing = "framed"
	// FramingLegacy sniffs the first two bytes of every read for the payload marker.
	FramingLegacy Framing = "legacy"
)

// ParseFraming accepts "framed" or "legacy", an empty string selects framed.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FramingFramed:
		return FramingFramed, nil
	case FramingLegacy:
		return FramingLegacy, nil
	}
	return "", fmt.Errorf("unknown framing %q, expected %q or %q", s, FramingFramed, FramingLegacy)
}

// NewCodec returns the codec for the framing over rw.
// maxPayload bounds a reassembled framed payload, 0 uses DefaultMaxPayload.
// The legacy codec is bounded by its frame size instead.
func NewCodec(f Framing, rw io.ReadWriter, maxPayload int) (Codec, error) {
	switch f {
	case FramingFramed, "":
		return NewFramedCodec(rw, maxPayload), nil
	case FramingLegacy:
		return NewLegacyCodec(rw), nil
	}
	return nil, fmt.Errorf("unknown framing %q", f)
}
