package duplex

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Default configuration values.
const (
	// defaultTimeout bounds open, close, send and receive when no timeout is set.
	defaultTimeout = time.Minute
	// defaultMaxPackageLength is the default maximum size of a single message (1MB).
	defaultMaxPackageLength = 1024 * 1024
)

// options holds the configuration for a channel.
type options struct {
	codec       Codec
	logger      Logger
	reclaimer   Reclaimer
	idGenerator *IDGenerator
	metrics     *Metrics
	clock       clock.Clock
	decorators  []Decorator

	openTimeout    time.Duration
	closeTimeout   time.Duration
	sendTimeout    time.Duration
	receiveTimeout time.Duration

	maxReadLength int  // maximum size of a single inbound message
	drainOnClose  bool // wait for the peer's session end on Close
}

// Option is a function that configures channel options.
type Option func(*options)

// buildOptions applies opt and validates the result.
func buildOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	err := checkOptions(&opts)
	return opts, err
}

// checkOptions validates and sets default values for channel options.
// The reclaimer default depends on the transport and is filled in by NewChannel.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.idGenerator == nil {
		opts.idGenerator = defaultIDGenerator
	}

	if opts.clock == nil {
		opts.clock = clock.New()
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	for _, d := range []*time.Duration{
		&opts.openTimeout, &opts.closeTimeout, &opts.sendTimeout, &opts.receiveTimeout,
	} {
		if *d <= 0 {
			*d = defaultTimeout
		}
	}

	return nil
}

// CodecOption returns an Option that sets the message codec.
// The codec is required.
func CodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ReclaimerOption returns an Option that sets who receives the connection once
// both sessions are closed or the channel aborts. Without one, the channel
// closes its transport.
func ReclaimerOption(r Reclaimer) Option {
	return func(o *options) {
		o.reclaimer = r
	}
}

// IDGeneratorOption returns an Option that sets the session id generator.
func IDGeneratorOption(g *IDGenerator) Option {
	return func(o *options) {
		o.idGenerator = g
	}
}

// MetricsOption returns an Option that reports channel activity to m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// ClockOption returns an Option that sets the clock used for I/O deadlines.
func ClockOption(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// DecoratorOption returns an Option that appends outbound message decorators.
func DecoratorOption(d ...Decorator) Option {
	return func(o *options) {
		o.decorators = append(o.decorators, d...)
	}
}

// OpenTimeoutOption returns an Option that bounds Open.
func OpenTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.openTimeout = d
	}
}

// CloseTimeoutOption returns an Option that bounds Close and CloseOutputSession.
func CloseTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.closeTimeout = d
	}
}

// SendTimeoutOption returns an Option that bounds Send, serializer wait included.
func SendTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.sendTimeout = d
	}
}

// ReceiveTimeoutOption returns an Option that bounds Receive, serializer wait included.
func ReceiveTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.receiveTimeout = d
	}
}

// MessageMaxSize returns an Option that sets the maximum inbound message size.
// Larger messages fault the channel with ErrMessageTooLarge.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// DrainOnCloseOption returns an Option that makes Close wait for the peer's
// session end instead of marking the input session closed locally. Messages
// arriving meanwhile are discarded.
func DrainOnCloseOption(drain bool) Option {
	return func(o *options) {
		o.drainOnClose = drain
	}
}
