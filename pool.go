package duplex

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// defaultPoolSize is the idle connection limit when NewPool gets a non-positive size.
const defaultPoolSize = 64

// Pool keeps healthy idle connections, one per remote address, for reuse by
// later channels. The least recently returned connection is closed when the
// pool is full.
type Pool struct {
	logger Logger

	mu      sync.Mutex
	idle    *simplelru.LRU[string, *StreamTransport]
	taking  bool // set while a connection leaves the pool for reuse
	closed  bool
	dropped error // close errors of evicted connections, reported by Close
}

// NewPool creates a pool holding at most size idle connections.
func NewPool(size int, logger Logger) (*Pool, error) {
	if size <= 0 {
		size = defaultPoolSize
	}
	if logger == nil {
		logger = defaultLogger()
	}

	p := &Pool{logger: logger}
	idle, err := simplelru.NewLRU[string, *StreamTransport](size, p.evicted)
	if err != nil {
		return nil, err
	}
	p.idle = idle
	return p, nil
}

// evicted runs under p.mu for every entry leaving the LRU.
func (p *Pool) evicted(key string, t *StreamTransport) {
	if p.taking {
		return
	}
	p.logger.Debug("closing idle connection", "remote", key)
	p.dropped = multierr.Append(p.dropped, t.Close())
}

// Get removes and returns the idle connection to key, if any.
func (p *Pool) Get(key string) (*StreamTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.idle.Peek(key)
	if !ok {
		return nil, false
	}
	p.taking = true
	p.idle.Remove(key)
	p.taking = false
	return t, true
}

// Len returns the number of idle connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

// Reclaimer returns the Reclaimer for a channel over t. A healthy connection
// goes back to the pool under key; an aborted one is closed.
func (p *Pool) Reclaimer(key string, t *StreamTransport) Reclaimer {
	return ReclaimerFunc(func(abort bool) {
		if abort {
			p.logger.Debug("discarding connection", "remote", key)
			_ = t.Close()
			return
		}
		p.put(key, t)
	})
}

func (p *Pool) put(key string, t *StreamTransport) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.idle.Contains(key) {
		_ = t.Close()
		return
	}
	p.idle.Add(key, t)
	p.logger.Debug("connection pooled", "remote", key)
}

// Close closes every idle connection. Connections reclaimed afterwards are
// closed instead of pooled.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.idle.Purge()

	err := p.dropped
	p.dropped = nil
	return err
}

// Dial returns an opened channel to addr. It reuses an idle connection from
// pool when there is one and dials otherwise; a reused connection takes on the
// codec and limits of opt. With a pool, the channel drains the peer's session
// end on Close and hands the connection back to the pool. pool may be nil.
func Dial(ctx context.Context, addr string, pool *Pool, opt ...Option) (*Channel, error) {
	built, err := buildOptions(opt)
	if err != nil {
		return nil, err
	}

	var t *StreamTransport
	if pool != nil {
		if t, _ = pool.Get(addr); t != nil {
			t.configure(built)
		}
	}

	if t == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "dial")
		}
		t = newStreamTransport(conn, built)
	}

	opts := append([]Option(nil), opt...)
	if pool != nil {
		opts = append(opts, DrainOnCloseOption(true), ReclaimerOption(pool.Reclaimer(addr, t)))
	}

	ch, err := NewChannel(t, t, opts...)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	if err := ch.Open(ctx); err != nil {
		ch.Abort()
		return nil, err
	}
	return ch, nil
}
