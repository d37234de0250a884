// Package idempotency suppresses re-deliveries of the same event id within a
// time window. It is best effort: storage insert-or-ignore is the backstop.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"moneyflow-events/shared/cachex"
	"moneyflow-events/shared/logx"
	"moneyflow-events/shared/metricsx"
)

type Decision int

const (
	Accepted Decision = iota
	Duplicate
)

func (d Decision) String() string {
	if d == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

var ErrEmptyID = errors.New("event id is empty")

type Guard interface {
	// Admit records id and reports whether it was seen within the window.
	Admit(ctx context.Context, id string) (Decision, error)
}

const (
	DefaultTTL   = 5 * time.Minute
	DefaultSweep = time.Minute
)

// MemoryGuard is a process-local expiring set. Expired entries are purged by a
// single sweep goroutine rather than per-key timers.
type MemoryGuard struct {
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type MemoryOption func(*MemoryGuard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGuard) { g.now = now }
}

func NewMemoryGuard(ttl time.Duration, sweep time.Duration, opts ...MemoryOption) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweep <= 0 {
		sweep = DefaultSweep
	}
	g := &MemoryGuard{
		ttl:   ttl,
		sweep: sweep,
		now:   time.Now,
		seen:  make(map[string]time.Time),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start runs the sweeper until ctx is cancelled or Close is called.
func (g *MemoryGuard) Start(ctx context.Context) {
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}

func (g *MemoryGuard) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

func (g *MemoryGuard) Admit(_ context.Context, id string) (Decision, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Accepted, ErrEmptyID
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen[id]; ok && now.Sub(at) < g.ttl {
		return Duplicate, nil
	}
	g.seen[id] = now
	return Accepted, nil
}

// Sweep drops expired entries and returns how many remain.
func (g *MemoryGuard) Sweep() int {
	now := g.now()
	g.mu.Lock()
	for id, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, id)
		}
	}
	n := len(g.seen)
	g.mu.Unlock()
	metricsx.SetIdempotencyEntries(n)
	return n
}

func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// RedisGuard shares the window across ingest replicas with SET NX PX. When
// Redis is unreachable it accepts and logs.
type RedisGuard struct {
	client *cachex.Client
	ttl    time.Duration
	prefix string
	logger logx.Logger
}

func NewRedisGuard(client *cachex.Client, ttl time.Duration, logger logx.Logger) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl, prefix: "idem:event:", logger: logger}
}

func (g *RedisGuard) Admit(ctx context.Context, id string) (Decision, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Accepted, ErrEmptyID
	}
	created, err := g.client.SetOnce(ctx, g.prefix+id, time.Now().UTC().Format(time.RFC3339Nano), g.ttl)
	if err != nil {
		g.logger.Warn(ctx, "idempotency_degraded", "redis unavailable, admitting event",
			slog.String("event_id", id),
			slog.String("error", err.Error()),
		)
		return Accepted, nil
	}
	if !created {
		return Duplicate, nil
	}
	return Accepted, nil
}
