package duplex

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Frame layout: [kind:1][length:4 big-endian][payload].
const (
	frameData       byte = 1
	frameSessionEnd byte = 2
	frameHeaderLen       = 5
)

// payloadReader reads exactly one frame payload and then reports io.EOF, so a
// codec may read to the end of it.
type payloadReader struct {
	r         io.Reader
	remaining int64
}

func (l *payloadReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	if err == io.EOF && l.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return
}

// reset starts a new payload of n bytes. The underlying bufio.Reader keeps its
// own buffer state and continues from where the header ended.
func (l *payloadReader) reset(n int64) {
	l.remaining = n
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// StreamTransport frames messages over a net.Conn. It is both the Transport
// and the MessageSource of a channel. Writes must be serialized by the caller,
// and so must reads; a Channel does both.
//
// Every call is bounded by its context: the context deadline becomes the
// connection deadline through a TimeoutGuard, and cancellation expires it.
type StreamTransport struct {
	conn          net.Conn
	reader        *bufio.Reader
	payload       *payloadReader
	codec         Codec
	clock         clock.Clock
	maxReadLength int

	// readGuard bounds reads of the current receive; owned by the reader.
	readGuard *TimeoutGuard
	rheader   [frameHeaderLen]byte
}

var (
	_ Transport     = (*StreamTransport)(nil)
	_ MessageSource = (*StreamTransport)(nil)
)

// NewStreamTransport creates a transport over conn. The codec option is required.
func NewStreamTransport(conn net.Conn, opt ...Option) (*StreamTransport, error) {
	opts, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	return newStreamTransport(conn, opts), nil
}

func newStreamTransport(conn net.Conn, opts options) *StreamTransport {
	t := &StreamTransport{conn: conn}
	t.configure(opts)
	t.reader = bufio.NewReader(readerFunc(t.readConn))
	t.payload = &payloadReader{r: t.reader}
	return t
}

// configure applies the codec, clock and size limit of opts. It must not run
// while the transport is in use.
func (t *StreamTransport) configure(opts options) {
	t.codec = opts.codec
	t.clock = opts.clock
	t.maxReadLength = opts.maxReadLength
}

// NewStreamChannel creates a channel over conn, framed by a StreamTransport.
func NewStreamChannel(conn net.Conn, opt ...Option) (*Channel, error) {
	t, err := NewStreamTransport(conn, opt...)
	if err != nil {
		return nil, err
	}
	return NewChannel(t, t, opt...)
}

// LocalAddr returns the local network address.
func (t *StreamTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (t *StreamTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (t *StreamTransport) Close() error {
	return t.conn.Close()
}

// WriteMessage writes payload as one data frame.
func (t *StreamTransport) WriteMessage(ctx context.Context, payload []byte) error {
	return t.writeFrame(ctx, frameData, payload)
}

// WriteSessionEnd writes the session end frame.
func (t *StreamTransport) WriteSessionEnd(ctx context.Context) error {
	return t.writeFrame(ctx, frameSessionEnd, nil)
}

func (t *StreamTransport) writeFrame(ctx context.Context, kind byte, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return ErrMessageTooLarge
	}

	g, release, err := t.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	// one write per frame keeps frames whole on the wire
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:frameHeaderLen], uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)

	if _, err := g.Write(buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Receive reads the next frame. It returns nil, nil on the session end frame.
func (t *StreamTransport) Receive(ctx context.Context) (Message, error) {
	release, err := t.armRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := io.ReadFull(t.reader, t.rheader[:]); err != nil {
		return nil, errors.Wrap(err, "read frame header")
	}

	n := int64(binary.BigEndian.Uint32(t.rheader[1:]))
	switch t.rheader[0] {
	case frameSessionEnd:
		if n != 0 {
			return nil, errors.Errorf("session end frame with %d byte payload", n)
		}
		return nil, nil
	case frameData:
	default:
		return nil, errors.Errorf("unknown frame kind %d", t.rheader[0])
	}

	if n > int64(t.maxReadLength) {
		return nil, ErrMessageTooLarge
	}

	t.payload.reset(n)
	msg, err := t.codec.Decode(t.payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode message")
	}
	// skip what the codec left unread
	if t.payload.remaining > 0 {
		if _, err := io.Copy(io.Discard, t.payload); err != nil {
			return nil, errors.Wrap(err, "skip payload")
		}
	}
	return msg, nil
}

// WaitForMessage reports whether a frame is ready to be read. It returns
// false, nil when ctx ends first.
func (t *StreamTransport) WaitForMessage(ctx context.Context) (bool, error) {
	if t.reader.Buffered() > 0 {
		return true, nil
	}

	release, err := t.armRead(ctx)
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			return false, nil
		}
		return false, err
	}
	defer release()

	if _, err := t.reader.Peek(1); err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			return false, nil
		}
		return false, errors.Wrap(err, "wait for frame")
	}
	return true, nil
}

func (t *StreamTransport) armRead(ctx context.Context) (func(), error) {
	g, release, err := t.guard(ctx)
	if err != nil {
		return nil, err
	}
	t.readGuard = g
	return func() {
		t.readGuard = nil
		release()
	}, nil
}

// guard builds a TimeoutGuard from the time left until the ctx deadline and
// binds it to ctx.
func (t *StreamTransport) guard(ctx context.Context) (*TimeoutGuard, func(), error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		if timeout = t.clock.Until(deadline); timeout <= 0 {
			return nil, nil, &TimeoutError{Op: "stream"}
		}
	}

	g, err := NewTimeoutGuard(t.conn, timeout, t.clock)
	if err != nil {
		return nil, nil, err
	}
	stop := g.Bind(ctx)
	return g, func() {
		stop()
		g.Release()
	}, nil
}

func (t *StreamTransport) readConn(p []byte) (int, error) {
	if t.readGuard != nil {
		return t.readGuard.Read(p)
	}
	return t.conn.Read(p)
}
