package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Window is the length of one fixed rate window.
const Window = 60 * time.Second

const shardCount = 32

type window struct {
	count int
	start time.Time
}

// reset restarts the window when more than Window has elapsed since start.
func (w *window) reset(now time.Time) {
	if now.Sub(w.start) > Window {
		w.count = 0
		w.start = now
	}
}

type counters struct {
	requests window
	tokens   window
}

type shard struct {
	mu      sync.Mutex
	callers map[string]*counters
}

// Limiter is an in-memory fixed-window limiter for requests/minute and
// tokens/minute, keyed by caller id. State is lost on restart.
type Limiter struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{callers: make(map[string]*counters)}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return l.shards[h.Sum32()%shardCount]
}

// with runs fn holding the caller's shard lock, creating counters lazily.
func (l *Limiter) with(id string, fn func(c *counters, now time.Time)) {
	s := l.shardFor(id)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.callers[id]
	if !ok {
		c = &counters{requests: window{start: now}, tokens: window{start: now}}
		s.callers[id] = c
	}
	fn(c, now)
}

// AdmitRequest reports whether another request fits the caller's window.
// The count itself is only advanced by RecordRequest.
func (l *Limiter) AdmitRequest(id string, limit int) bool {
	var ok bool
	l.with(id, func(c *counters, now time.Time) {
		c.requests.reset(now)
		ok = c.requests.count < limit
	})
	return ok
}

// AdmitTokens reports whether tokens more fit the caller's window. A request
// that would land exactly on the limit is rejected.
func (l *Limiter) AdmitTokens(id string, limit, tokens int) bool {
	var ok bool
	l.with(id, func(c *counters, now time.Time) {
		c.tokens.reset(now)
		ok = c.tokens.count+tokens < limit
	})
	return ok
}

// RecordRequest counts one served request.
func (l *Limiter) RecordRequest(id string) {
	l.with(id, func(c *counters, now time.Time) {
		c.requests.reset(now)
		c.requests.count++
	})
}

// RecordTokens counts consumed tokens.
func (l *Limiter) RecordTokens(id string, tokens int) {
	l.with(id, func(c *counters, now time.Time) {
		c.tokens.reset(now)
		c.tokens.count += tokens
	})
}

// Sweep evicts callers whose windows have both expired and returns how many
// were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, c := range s.callers {
			if now.Sub(c.requests.start) > Window && now.Sub(c.tokens.start) > Window {
				delete(s.callers, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked callers.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.callers)
		s.mu.Unlock()
	}
	return n
}

// Start sweeps every interval until ctx is done.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}
