// Package nntppool bounds the number of simultaneous connections held
// open against one server, recycles them with a health check on return,
// and rate-limits how fast new connections are dialed.
package nntppool

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nzbcore/gonzb/internal/nntp"
)

// maxConcurrentDials caps how many connections can be mid-handshake at
// once, independent of pool size -- opening dozens of TLS connections to
// the same server simultaneously is the kind of burst providers throttle.
const maxConcurrentDials = 10

// dialsPerSecond paces the steady-state rate new connections are
// opened at, on top of the concurrency cap above: a provider that
// tolerates 10 simultaneous handshakes may still flag a client that
// opens dozens of short-lived ones back to back once it recycles
// connections quickly.
const dialsPerSecond = 5

// Pool bounds the live connection count for a single server profile. It
// is safe for concurrent use.
type Pool struct {
	cfg       nntp.Config
	tlsConfig *tls.Config
	timeouts  nntp.Timeouts
	maxSize   int

	createSem *semaphore.Weighted
	dialRate  *rate.Limiter

	mu        sync.Mutex
	idle      []*nntp.Conn
	liveCount int
	waiters   []chan struct{}
	closed    bool
}

// New builds a pool bounded to maxSize simultaneous connections against
// the given server. tlsConfig is the connector shared across every
// connection the pool ever dials -- it is never mutated after
// construction. Passing nil for a TLS-enabled server builds one from
// the server config's verification flag.
func New(cfg nntp.Config, maxSize int, tlsConfig *tls.Config, timeouts nntp.Timeouts) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	if cfg.TLS && tlsConfig == nil {
		tlsConfig = &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}
	}
	return &Pool{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		timeouts:  timeouts,
		maxSize:   maxSize,
		createSem: semaphore.NewWeighted(maxConcurrentDials),
		dialRate:  rate.NewLimiter(rate.Limit(dialsPerSecond), maxConcurrentDials),
	}
}

// MaxSize returns the pool's configured connection ceiling.
func (p *Pool) MaxSize() int { return p.maxSize }

// Stats reports current pool occupancy, for progress/diagnostics.
type Stats struct {
	Live int
	Idle int
	Max  int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: p.liveCount, Idle: len(p.idle), Max: p.maxSize}
}

// Acquire returns a ready-to-use connection, reusing an idle one if
// available, dialing a new one if the pool has headroom, or blocking
// until either happens (or ctx is done).
func (p *Pool) Acquire(ctx context.Context) (*nntp.Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("nntppool: pool closed")
		}

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return c, nil
		}

		if p.liveCount < p.maxSize {
			p.liveCount++
			p.mu.Unlock()

			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.liveCount--
				p.mu.Unlock()
				p.wakeOne()
				return nil, err
			}
			return c, nil
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
			// loop: re-check idle/liveCount under lock
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) dial(ctx context.Context) (*nntp.Conn, error) {
	if err := p.createSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.createSem.Release(1)
	if err := p.dialRate.Wait(ctx); err != nil {
		return nil, err
	}
	return nntp.Dial(ctx, p.cfg, p.tlsConfig, p.timeouts)
}

// Release returns a connection to the pool. A connection that is broken
// or fails its recycle health check is closed instead of reused, and the
// pool's live count drops so a waiter (or the next Acquire) can dial a
// replacement.
func (p *Pool) Release(c *nntp.Conn) {
	if c == nil {
		return
	}
	if c.Broken() || !c.IsHealthy() {
		c.Close()
		p.mu.Lock()
		p.liveCount--
		p.mu.Unlock()
		p.wakeOne()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.liveCount--
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.wakeOne()
}

// Discard drops a connection without returning it to the pool, e.g. when
// the caller already knows it can't be reused. It still frees the slot.
func (p *Pool) Discard(c *nntp.Conn) {
	if c == nil {
		return
	}
	c.Close()
	p.mu.Lock()
	p.liveCount--
	p.mu.Unlock()
	p.wakeOne()
}

func (p *Pool) wakeOne() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	close(w)
}

// Close closes every idle connection and rejects further Acquire calls.
// Connections already on loan are unaffected; callers should Discard them
// as they finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	for _, w := range waiters {
		close(w)
	}
}
