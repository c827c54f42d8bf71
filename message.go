package duplex

import (
	"context"
	"io"
)

// Message is the interface for messages carried by a channel.
// Implementations should provide the message length and body.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// Codec is the interface for message encoding and decoding.
// Applications implement it to define their own serialization format
// (e.g., JSON, Protocol Buffers, etc.).
//
// Decode reads from an io.Reader that ends at the message boundary, so a codec
// may simply read to io.EOF.
type Codec interface {
	// Decode reads and decodes one complete message from the reader.
	Decode(r io.Reader) (Message, error)
	// Encode encodes a Message into raw bytes for transmission.
	Encode(Message) ([]byte, error)
}

// Transport performs the physical writes of a channel. Calls are serialized by
// the channel; implementations need not be safe for concurrent use.
type Transport interface {
	// WriteMessage writes one encoded message.
	WriteMessage(ctx context.Context, payload []byte) error
	// WriteSessionEnd writes the marker ending the local output session.
	WriteSessionEnd(ctx context.Context) error
}

// MessageSource yields the messages of the input session. Calls are serialized
// by the channel.
type MessageSource interface {
	// Receive returns the next message. A nil message with a nil error is the
	// only signal that the peer ended its output session.
	Receive(ctx context.Context) (Message, error)
	// WaitForMessage reports whether a Receive would return without blocking.
	// It returns false with a nil error when ctx ends first.
	WaitForMessage(ctx context.Context) (bool, error)
}

// Reclaimer is told, at most once per channel, what to do with the physical
// connection. abort=false means the connection is healthy and may be pooled;
// abort=true means it must be discarded.
type Reclaimer interface {
	Reclaim(abort bool)
}

// ReclaimerFunc adapts a func to Reclaimer.
type ReclaimerFunc func(abort bool)

// Reclaim calls f(abort).
func (f ReclaimerFunc) Reclaim(abort bool) { f(abort) }

// Decorator transforms an outbound message before it is encoded. Decorators run
// in the order they were configured, while the send serializer is held.
type Decorator func(ctx context.Context, s *Session, msg Message) (Message, error)

// BytesMessage is a Message over a byte slice.
type BytesMessage []byte

// Length returns len(m).
func (m BytesMessage) Length() int { return len(m) }

// Body returns m.
func (m BytesMessage) Body() []byte { return m }

// AddressedMessage is a Message stamped with session and destination.
type AddressedMessage struct {
	Message
	SessionID string
	To        string
}

// AddressingDecorator stamps every message with the session id and the given
// destination. Messages that are already addressed pass through unchanged.
func AddressingDecorator(to string) Decorator {
	return func(_ context.Context, s *Session, msg Message) (Message, error) {
		if _, ok := msg.(*AddressedMessage); ok {
			return msg, nil
		}
		return &AddressedMessage{Message: msg, SessionID: s.ID(), To: to}, nil
	}
}

// RawCodec sends message bodies as they are and decodes everything up to the
// message boundary into a BytesMessage.
type RawCodec struct{}

// Decode reads r to EOF.
func (RawCodec) Decode(r io.Reader) (Message, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return BytesMessage(body), nil
}

// Encode returns the message body.
func (RawCodec) Encode(msg Message) ([]byte, error) {
	return msg.Body(), nil
}
