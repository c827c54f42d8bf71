package duplex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var errBoom = errors.New("boom")

// recordingTransport appends every write to an in-memory wire, one byte at a
// time with a yield in between, so unserialized writers would interleave.
type recordingTransport struct {
	mu   sync.Mutex
	wire []byte

	writes atomic.Int32
	ends   atomic.Int32

	hold    chan struct{} // when set, writes block until it is closed
	entered chan string
	err     error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{entered: make(chan string, 64)}
}

func (t *recordingTransport) WriteMessage(_ context.Context, payload []byte) error {
	t.writes.Add(1)
	if t.err != nil {
		return t.err
	}
	select {
	case t.entered <- string(payload):
	default:
	}
	if t.hold != nil {
		<-t.hold
	}
	t.record(payload)
	return nil
}

func (t *recordingTransport) WriteSessionEnd(context.Context) error {
	t.ends.Add(1)
	if t.err != nil {
		return t.err
	}
	t.record([]byte("<end>"))
	return nil
}

func (t *recordingTransport) record(p []byte) {
	for _, b := range p {
		t.mu.Lock()
		t.wire = append(t.wire, b)
		t.mu.Unlock()
		runtime.Gosched()
	}
	t.mu.Lock()
	t.wire = append(t.wire, '|')
	t.mu.Unlock()
}

func (t *recordingTransport) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.wire)
}

// openingTransport adds an open handshake to a recordingTransport.
type openingTransport struct {
	*recordingTransport
	open func(ctx context.Context) error
}

func (t *openingTransport) Open(ctx context.Context) error { return t.open(ctx) }

// queueSource hands out queued messages, then nil once ended.
type queueSource struct {
	mu     sync.Mutex
	queue  []Message
	ended  bool
	closed bool
	err    error
	notify chan struct{}

	receives atomic.Int32
}

func newQueueSource() *queueSource {
	return &queueSource{notify: make(chan struct{}, 1)}
}

func (s *queueSource) push(bodies ...string) {
	s.mu.Lock()
	for _, b := range bodies {
		s.queue = append(s.queue, BytesMessage(b))
	}
	s.mu.Unlock()
	s.wake()
}

func (s *queueSource) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

func (s *queueSource) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.wake()
}

func (s *queueSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *queueSource) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *queueSource) next(pop bool) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.err != nil:
		return nil, true, s.err
	case s.closed:
		return nil, true, io.ErrClosedPipe
	case len(s.queue) > 0:
		m := s.queue[0]
		if pop {
			s.queue = s.queue[1:]
		}
		return m, true, nil
	case s.ended:
		return nil, true, nil
	}
	return nil, false, nil
}

func (s *queueSource) Receive(ctx context.Context) (Message, error) {
	s.receives.Add(1)
	for {
		if m, ok, err := s.next(true); ok {
			return m, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *queueSource) WaitForMessage(ctx context.Context) (bool, error) {
	for {
		if _, ok, err := s.next(false); ok {
			return err == nil, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return false, nil
		}
	}
}

type reclaimRecorder struct {
	mu    sync.Mutex
	calls []bool
}

func (r *reclaimRecorder) Reclaim(abort bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, abort)
}

func (r *reclaimRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

func newTestChannel(t *testing.T, tr Transport, src MessageSource, opt ...Option) (*Channel, *reclaimRecorder) {
	t.Helper()

	rec := &reclaimRecorder{}
	opts := append([]Option{
		CodecOption(RawCodec{}),
		LoggerOption(discardLogger()),
		ReclaimerOption(rec),
	}, opt...)

	ch, err := NewChannel(tr, src, opts...)
	require.NoError(t, err)
	return ch, rec
}

func newOpenChannel(t *testing.T, tr Transport, src MessageSource, opt ...Option) (*Channel, *reclaimRecorder) {
	t.Helper()

	ch, rec := newTestChannel(t, tr, src, opt...)
	require.NoError(t, ch.Open(context.Background()))
	require.Equal(t, StateOpened, ch.State())
	return ch, rec
}

func TestNewChannel_Invalid(t *testing.T) {
	_, err := NewChannel(nil, newQueueSource(), CodecOption(RawCodec{}))
	require.ErrorIs(t, err, ErrInvalidTransport)

	_, err = NewChannel(newRecordingTransport(), nil, CodecOption(RawCodec{}))
	require.ErrorIs(t, err, ErrInvalidTransport)

	_, err = NewChannel(newRecordingTransport(), newQueueSource())
	require.ErrorIs(t, err, ErrInvalidCodec)
}

func TestChannel_NotOpen(t *testing.T) {
	ch, _ := newTestChannel(t, newRecordingTransport(), newQueueSource())
	ctx := context.Background()

	var notOpen *NotOpenError
	require.ErrorAs(t, ch.Send(ctx, BytesMessage("x")), &notOpen)
	require.Equal(t, StateCreated, notOpen.State)

	_, err := ch.Receive(ctx)
	require.ErrorAs(t, err, &notOpen)

	require.ErrorIs(t, ch.Send(ctx, nil), ErrNilMessage)
}

func TestChannel_ConcurrentSendsKeepAcceptanceOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	// decorators run under the send serializer, so they see acceptance order
	record := func(_ context.Context, _ *Session, m Message) (Message, error) {
		mu.Lock()
		order = append(order, string(m.Body()))
		mu.Unlock()
		return m, nil
	}

	tr := newRecordingTransport()
	ch, _ := newOpenChannel(t, tr, newQueueSource(), DecoratorOption(record))

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		body := fmt.Sprintf("message-%02d", i)
		g.Go(func() error {
			return ch.Send(context.Background(), BytesMessage(body))
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, order, 20)
	require.Equal(t, strings.Join(order, "|")+"|", tr.String())
}

func TestChannel_SlowWriteKeepsOrder(t *testing.T) {
	tr := newRecordingTransport()
	tr.hold = make(chan struct{})
	ch, _ := newOpenChannel(t, tr, newQueueSource())
	ctx := context.Background()

	errA := make(chan error, 1)
	go func() { errA <- ch.Send(ctx, BytesMessage("AAAA")) }()
	require.Equal(t, "AAAA", <-tr.entered)

	errB := make(chan error, 1)
	go func() { errB <- ch.Send(ctx, BytesMessage("BBBB")) }()

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, tr.String())
	require.Len(t, tr.entered, 0, "B reached the transport while A was writing")

	close(tr.hold)
	require.NoError(t, <-errA)
	require.NoError(t, <-errB)
	require.Equal(t, "AAAA|BBBB|", tr.String())
}

func TestChannel_CloseWaitsForInFlightSend(t *testing.T) {
	tr := newRecordingTransport()
	tr.hold = make(chan struct{})
	ch, rec := newOpenChannel(t, tr, newQueueSource())
	ctx := context.Background()

	errSend := make(chan error, 1)
	go func() { errSend <- ch.Send(ctx, BytesMessage("A")) }()
	<-tr.entered

	errClose := make(chan error, 1)
	go func() { errClose <- ch.Close(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, tr.ends.Load())

	close(tr.hold)
	require.NoError(t, <-errSend)
	require.NoError(t, <-errClose)

	require.Equal(t, "A|<end>|", tr.String())
	require.Equal(t, StateClosed, ch.State())
	require.Equal(t, []bool{false}, rec.get())
}

func TestChannel_ConcurrentCloseOutputSession(t *testing.T) {
	tr := newRecordingTransport()
	ch, rec := newOpenChannel(t, tr, newQueueSource())

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error { return ch.CloseOutputSession(context.Background()) })
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, 1, tr.ends.Load())
	require.True(t, ch.IsOutputSessionClosed())
	require.False(t, ch.IsInputSessionClosed())
	require.Empty(t, rec.get(), "input session still open")

	var closed *SessionClosedError
	require.ErrorAs(t, ch.Send(context.Background(), BytesMessage("late")), &closed)
	require.EqualValues(t, 0, tr.writes.Load())
	require.Equal(t, StateOpened, ch.State())
}

func TestChannel_FaultPoisons(t *testing.T) {
	tr := newRecordingTransport()
	src := newQueueSource()
	ch, rec := newOpenChannel(t, tr, src)
	ctx := context.Background()

	require.NoError(t, ch.Send(ctx, BytesMessage("ok")))
	ch.Fault(errBoom)
	require.Equal(t, StateFaulted, ch.State())

	_, err := ch.Receive(ctx)
	_, waitErr := ch.WaitForMessage(ctx)
	errs := []error{
		ch.Send(ctx, BytesMessage("no")),
		err,
		waitErr,
		ch.CloseOutputSession(ctx),
		ch.Close(ctx),
		ch.Open(ctx),
	}
	for i, err := range errs {
		var faulted *FaultedError
		require.ErrorAs(t, err, &faulted, "call %d", i)
		require.ErrorIs(t, err, errBoom, "call %d", i)
	}

	require.EqualValues(t, 1, tr.writes.Load())
	require.Zero(t, tr.ends.Load())
	require.Zero(t, src.receives.Load())
	require.Equal(t, []bool{true}, rec.get())

	ch.Abort()
	require.Equal(t, StateFaulted, ch.State())
	require.Equal(t, []bool{true}, rec.get())
}

func TestChannel_SendFailureFaults(t *testing.T) {
	tr := newRecordingTransport()
	ch, rec := newOpenChannel(t, tr, newQueueSource())
	tr.err = errBoom

	err := ch.Send(context.Background(), BytesMessage("x"))
	var ce *CommunicationError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, "send", ce.Op)
	require.Equal(t, StateFaulted, ch.State())

	err = ch.Send(context.Background(), BytesMessage("y"))
	var faulted *FaultedError
	require.ErrorAs(t, err, &faulted)
	require.ErrorIs(t, err, errBoom)
	require.EqualValues(t, 1, tr.writes.Load())
	require.Equal(t, []bool{true}, rec.get())
}

func TestChannel_EncodeFailureFaults(t *testing.T) {
	codec := &mockCodec{encodeFunc: func(Message) ([]byte, error) { return nil, errBoom }}
	tr := newRecordingTransport()
	ch, _ := newOpenChannel(t, tr, newQueueSource(), CodecOption(codec))

	require.ErrorIs(t, ch.Send(context.Background(), BytesMessage("x")), errBoom)
	require.Equal(t, StateFaulted, ch.State())
	require.Zero(t, tr.writes.Load())
}

func TestChannel_ReceiveFailureFaults(t *testing.T) {
	src := newQueueSource()
	ch, rec := newOpenChannel(t, newRecordingTransport(), src)
	src.fail(errBoom)

	_, err := ch.Receive(context.Background())
	var ce *CommunicationError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, StateFaulted, ch.State())
	require.Equal(t, []bool{true}, rec.get())
}

func TestChannel_Receive(t *testing.T) {
	src := newQueueSource()
	ch, _ := newOpenChannel(t, newRecordingTransport(), src)
	src.push("one", "two")

	for _, want := range []string{"one", "two"} {
		msg, err := ch.Receive(context.Background())
		require.NoError(t, err)
		require.Equal(t, want, string(msg.Body()))
	}
	require.False(t, ch.IsInputSessionClosed())
}

func TestChannel_ConcurrentEndOfSessionReclaimsOnce(t *testing.T) {
	tr := newRecordingTransport()
	src := newQueueSource()
	ch, rec := newOpenChannel(t, tr, src)
	ctx := context.Background()

	require.NoError(t, ch.CloseOutputSession(ctx))
	src.end()

	results := make(chan Message, 2)
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			msg, err := ch.Receive(ctx)
			results <- msg
			return err
		})
	}
	require.NoError(t, g.Wait())
	close(results)
	for msg := range results {
		require.Nil(t, msg)
	}

	require.True(t, ch.IsInputSessionClosed())
	require.EqualValues(t, 1, src.receives.Load())
	require.Equal(t, []bool{false}, rec.get())

	// receiving after the end stays quiet
	msg, err := ch.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestChannel_SendSerializerTimeout(t *testing.T) {
	tr := newRecordingTransport()
	tr.hold = make(chan struct{})
	ch, _ := newOpenChannel(t, tr, newQueueSource(), SendTimeoutOption(50*time.Millisecond))

	errA := make(chan error, 1)
	go func() { errA <- ch.Send(context.Background(), BytesMessage("A")) }()
	<-tr.entered

	err := ch.Send(context.Background(), BytesMessage("B"))
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "send", te.Op)
	require.Equal(t, 50*time.Millisecond, te.Duration)
	require.Equal(t, StateOpened, ch.State(), "a serializer timeout must not fault")

	close(tr.hold)
	require.NoError(t, <-errA)
	require.Equal(t, "A|", tr.String())
}

func TestChannel_SendCanceledWhileWaiting(t *testing.T) {
	tr := newRecordingTransport()
	tr.hold = make(chan struct{})
	ch, _ := newOpenChannel(t, tr, newQueueSource())

	errA := make(chan error, 1)
	go func() { errA <- ch.Send(context.Background(), BytesMessage("A")) }()
	<-tr.entered

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	require.ErrorIs(t, ch.Send(ctx, BytesMessage("B")), context.Canceled)
	require.Equal(t, StateOpened, ch.State())

	close(tr.hold)
	require.NoError(t, <-errA)
}

func TestChannel_Close(t *testing.T) {
	tr := newRecordingTransport()
	ch, rec := newOpenChannel(t, tr, newQueueSource())
	ctx := context.Background()

	require.NoError(t, ch.Close(ctx))
	require.Equal(t, StateClosed, ch.State())
	require.True(t, ch.IsOutputSessionClosed())
	require.True(t, ch.IsInputSessionClosed())
	require.Equal(t, "<end>|", tr.String())
	require.Equal(t, []bool{false}, rec.get())

	require.NoError(t, ch.Close(ctx))
	require.EqualValues(t, 1, tr.ends.Load())

	var notOpen *NotOpenError
	require.ErrorAs(t, ch.Send(ctx, BytesMessage("x")), &notOpen)

	msg, err := ch.Receive(ctx)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestChannel_CloseBeforeOpenAborts(t *testing.T) {
	tr := newRecordingTransport()
	ch, rec := newTestChannel(t, tr, newQueueSource())

	require.NoError(t, ch.Close(context.Background()))
	require.Equal(t, StateClosed, ch.State())
	require.Zero(t, tr.ends.Load())
	require.Equal(t, []bool{true}, rec.get())
}

func TestChannel_Abort(t *testing.T) {
	tr := newRecordingTransport()
	ch, rec := newOpenChannel(t, tr, newQueueSource())

	ch.Abort()
	ch.Abort()
	require.Equal(t, StateClosed, ch.State())
	require.Zero(t, tr.ends.Load())
	require.Equal(t, []bool{true}, rec.get())

	require.ErrorIs(t, ch.Open(context.Background()), ErrInvalidTransition)
}

func TestChannel_AbortInterruptsReceive(t *testing.T) {
	src := newQueueSource()
	// no reclaimer: the channel closes the source itself
	ch, err := NewChannel(newRecordingTransport(), src,
		CodecOption(RawCodec{}), LoggerOption(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := ch.Receive(context.Background())
		done <- result{msg, err}
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Abort()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Nil(t, r.msg)
	case <-time.After(5 * time.Second):
		t.Fatal("Receive did not return after Abort")
	}
	require.Equal(t, StateClosed, ch.State())
}

func TestChannel_CloseDrainsInput(t *testing.T) {
	logger := &mockLogger{}
	tr := newRecordingTransport()
	src := newQueueSource()
	ch, rec := newOpenChannel(t, tr, src, DrainOnCloseOption(true), LoggerOption(logger))

	src.push("x", "y")
	src.end()

	require.NoError(t, ch.Close(context.Background()))
	require.Equal(t, StateClosed, ch.State())
	require.Equal(t, []string{
		"discarding message received while closing",
		"discarding message received while closing",
	}, logger.warned())
	require.Equal(t, []bool{false}, rec.get())
}

func TestChannel_CloseDrainTimeoutFaults(t *testing.T) {
	ch, rec := newOpenChannel(t, newRecordingTransport(), newQueueSource(),
		DrainOnCloseOption(true), CloseTimeoutOption(50*time.Millisecond))

	err := ch.Close(context.Background())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, StateFaulted, ch.State())
	require.Equal(t, []bool{true}, rec.get())
}

func TestChannel_OpenHandshake(t *testing.T) {
	t.Run("failure faults", func(t *testing.T) {
		tr := &openingTransport{
			recordingTransport: newRecordingTransport(),
			open:               func(context.Context) error { return errBoom },
		}
		ch, rec := newTestChannel(t, tr, newQueueSource())

		err := ch.Open(context.Background())
		var ce *CommunicationError
		require.ErrorAs(t, err, &ce)
		require.ErrorIs(t, err, errBoom)
		require.Equal(t, StateFaulted, ch.State())
		require.Equal(t, []bool{true}, rec.get())
	})

	t.Run("timeout", func(t *testing.T) {
		tr := &openingTransport{
			recordingTransport: newRecordingTransport(),
			open: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}
		ch, _ := newTestChannel(t, tr, newQueueSource(), OpenTimeoutOption(50*time.Millisecond))

		var te *TimeoutError
		require.ErrorAs(t, ch.Open(context.Background()), &te)
		require.Equal(t, "open", te.Op)
		require.Equal(t, StateFaulted, ch.State())
	})
}

// addressCodec writes addressed messages as to>session:body.
type addressCodec struct{ RawCodec }

func (addressCodec) Encode(msg Message) ([]byte, error) {
	am, ok := msg.(*AddressedMessage)
	if !ok {
		return nil, errors.New("message is not addressed")
	}
	return []byte(am.To + ">" + am.SessionID + ":" + string(am.Body())), nil
}

func TestChannel_AddressingDecorator(t *testing.T) {
	tr := newRecordingTransport()
	ch, _ := newOpenChannel(t, tr, newQueueSource(),
		CodecOption(addressCodec{}),
		IDGeneratorOption(NewIDGenerator("urn:test")),
		DecoratorOption(AddressingDecorator("peer")))

	require.NoError(t, ch.Send(context.Background(), BytesMessage("hi")))

	id := ch.Session().ID()
	require.Regexp(t, regexp.MustCompile(`^urn:test:[0-9a-f-]{36};id=1$`), id)
	require.Equal(t, "peer>"+id+":hi|", tr.String())
	require.Same(t, ch, ch.Session().Channel())
}

func TestChannel_TryReceive(t *testing.T) {
	src := newQueueSource()
	ch, _ := newOpenChannel(t, newRecordingTransport(), src)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	msg, ok, err := ch.TryReceive(ctx)
	cancel()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, msg)
	require.Equal(t, StateOpened, ch.State())

	src.push("a")
	msg, ok, err = ch.TryReceive(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", string(msg.Body()))

	src.end()
	msg, ok, err = ch.TryReceive(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, msg)

	ready, err := ch.WaitForMessage(context.Background())
	require.NoError(t, err)
	require.True(t, ready, "an ended input session never blocks")
}

func TestChannel_WaitForMessageReceiveTimeout(t *testing.T) {
	ch, _ := newOpenChannel(t, newRecordingTransport(), newQueueSource(),
		ReceiveTimeoutOption(30*time.Millisecond))

	ready, err := ch.WaitForMessage(context.Background())
	require.NoError(t, err)
	require.False(t, ready)
	require.Equal(t, StateOpened, ch.State())
}

func TestChannel_ReceiveTimeoutFaults(t *testing.T) {
	ch, _ := newOpenChannel(t, newRecordingTransport(), newQueueSource(),
		ReceiveTimeoutOption(30*time.Millisecond))

	_, err := ch.Receive(context.Background())
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "receive", te.Op)
	require.Equal(t, StateFaulted, ch.State())
}

// valueEndpoint is a non-comparable value serving as transport and source.
type valueEndpoint struct {
	closes *atomic.Int32
	frames []string
}

func (e valueEndpoint) WriteMessage(context.Context, []byte) error { return nil }
func (e valueEndpoint) WriteSessionEnd(context.Context) error      { return nil }
func (e valueEndpoint) Receive(context.Context) (Message, error)   { return nil, nil }
func (e valueEndpoint) WaitForMessage(context.Context) (bool, error) {
	return true, nil
}
func (e valueEndpoint) Close() error { e.closes.Add(1); return nil }

func TestChannel_DefaultReclaimerValueEndpoint(t *testing.T) {
	var closes atomic.Int32
	ep := valueEndpoint{closes: &closes, frames: []string{"a"}}
	ch, err := NewChannel(ep, ep, CodecOption(RawCodec{}), LoggerOption(discardLogger()))
	require.NoError(t, err)

	require.NotPanics(t, ch.Abort)
	require.EqualValues(t, 2, closes.Load())
}

func TestSameEndpoint(t *testing.T) {
	tr := newStreamTransport(nil, options{codec: RawCodec{}})
	other := newStreamTransport(nil, options{codec: RawCodec{}})

	require.True(t, sameEndpoint(tr, tr))
	require.False(t, sameEndpoint(tr, other))
	require.False(t, sameEndpoint(newRecordingTransport(), newQueueSource()))

	var closes atomic.Int32
	ep := valueEndpoint{closes: &closes}
	require.False(t, sameEndpoint(ep, ep))
}
