package duplex

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultScheme prefixes session ids built by the default generator.
const DefaultScheme = "urn:uuid"

// IDGenerator builds session ids of the form <scheme>:<token>;id=<counter>.
// The token is random and fixed per generator; the counter increases with every
// id. Share one generator per process, or inject one per test.
type IDGenerator struct {
	scheme  string
	token   string
	counter atomic.Uint64
}

// NewIDGenerator returns a generator with a fresh random token.
func NewIDGenerator(scheme string) *IDGenerator {
	if scheme == "" {
		scheme = DefaultScheme
	}
	return &IDGenerator{scheme: scheme, token: uuid.NewString()}
}

// Next returns a new id.
func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("%s:%s;id=%d", g.scheme, g.token, n)
}

var defaultIDGenerator = NewIDGenerator(DefaultScheme)

// Session is the logical session a Channel carries.
type Session struct {
	gen *IDGenerator
	// channel is kept for identity and lookup only.
	channel *Channel

	once sync.Once
	id   string
}

func newSession(gen *IDGenerator, ch *Channel) *Session {
	return &Session{gen: gen, channel: ch}
}

// ID returns the session id. It is computed on first use and never changes.
func (s *Session) ID() string {
	s.once.Do(func() {
		s.id = s.gen.Next()
	})
	return s.id
}

// Channel returns the channel carrying this session.
func (s *Session) Channel() *Channel {
	return s.channel
}
