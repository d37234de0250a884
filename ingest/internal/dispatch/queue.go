package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"moneyflow-events/shared/events"
	"moneyflow-events/shared/logx"
	"moneyflow-events/shared/metricsx"
)

var (
	// ErrQueueUnavailable is returned while the broker is unreachable, while
	// another caller is connecting, or during the post-failure cooldown.
	ErrQueueUnavailable = errors.New("queue sink unavailable")
	ErrPublishFailed    = errors.New("queue publish failed")
)

// Publisher is the broker client the queue sink drives. *mqx.Producer
// satisfies it.
type Publisher interface {
	Ping(ctx context.Context) error
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
	Close() error
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type QueueConfig struct {
	Topic           string
	ErrorTopic      string
	ConnectAttempts int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	Cooldown        time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Topic == "" {
		c.Topic = events.TopicEvents
	}
	if c.ErrorTopic == "" {
		c.ErrorTopic = events.TopicErrors
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	return c
}

// QueueSink publishes events to the broker behind a connection state machine:
// disconnected -> connecting -> connected, and back to disconnected on any
// publish failure.
type QueueSink struct {
	pub    Publisher
	cfg    QueueConfig
	logger logx.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time

	mu         sync.Mutex
	state      State
	retryAfter time.Time
}

type QueueOption func(*QueueSink)

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) QueueOption {
	return func(q *QueueSink) { q.sleep = sleep }
}

func WithNow(now func() time.Time) QueueOption {
	return func(q *QueueSink) { q.now = now }
}

func NewQueueSink(pub Publisher, cfg QueueConfig, logger logx.Logger, opts ...QueueOption) *QueueSink {
	q := &QueueSink{
		pub:    pub,
		cfg:    cfg.withDefaults(),
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	metricsx.SetQueueState(StateDisconnected.String())
	return q
}

func (q *QueueSink) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *QueueSink) Healthy() bool {
	return q.State() == StateConnected
}

// Backoff returns the delay before retry n (0-based): base*2^n capped at max.
func (q *QueueSink) Backoff(n int) time.Duration {
	d := q.cfg.BackoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

func (q *QueueSink) setState(s State) {
	q.state = s
	metricsx.SetQueueState(s.String())
}

// Connect is a no-op when connected. Only one caller runs the retry loop; the
// others fail fast with ErrQueueUnavailable.
func (q *QueueSink) Connect(ctx context.Context) error {
	q.mu.Lock()
	switch q.state {
	case StateConnected:
		q.mu.Unlock()
		return nil
	case StateConnecting:
		q.mu.Unlock()
		return fmt.Errorf("%w: connect in progress", ErrQueueUnavailable)
	}
	if now := q.now(); now.Before(q.retryAfter) {
		q.mu.Unlock()
		return fmt.Errorf("%w: cooling down until %s", ErrQueueUnavailable, q.retryAfter.UTC().Format(time.RFC3339))
	}
	q.setState(StateConnecting)
	q.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < q.cfg.ConnectAttempts; attempt++ {
		lastErr = q.pub.Ping(ctx)
		if lastErr == nil {
			q.mu.Lock()
			q.setState(StateConnected)
			q.retryAfter = time.Time{}
			q.mu.Unlock()
			q.logger.Info(ctx, "queue_connected", "queue sink connected",
				slog.Int("attempt", attempt+1),
			)
			return nil
		}
		if attempt == q.cfg.ConnectAttempts-1 {
			break
		}
		delay := q.Backoff(attempt)
		q.logger.Warn(ctx, "queue_connect_retry", "queue connect failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int64("delay_ms", delay.Milliseconds()),
			slog.String("error", lastErr.Error()),
		)
		if err := q.sleep(ctx, delay); err != nil {
			lastErr = err
			q.mu.Lock()
			q.setState(StateDisconnected)
			q.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrQueueUnavailable, lastErr)
		}
	}

	q.mu.Lock()
	q.setState(StateDisconnected)
	q.retryAfter = q.now().Add(q.cfg.Cooldown)
	q.mu.Unlock()
	q.logger.Error(ctx, "queue_connect_exhausted", "queue connect attempts exhausted",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.Int("attempts", q.cfg.ConnectAttempts),
		slog.String("error", lastErr.Error()),
	)
	return fmt.Errorf("%w: %v", ErrQueueUnavailable, lastErr)
}

// Publish sends one event keyed by its id. A broker failure marks the sink
// disconnected and dead-letters the payload; the dead-letter outcome never
// changes the returned error.
func (q *QueueSink) Publish(ctx context.Context, ev events.Event) error {
	if err := q.Connect(ctx); err != nil {
		return err
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	headers := map[string]string{
		"event_type": ev.EventType,
		"user_id":    ev.UserIDOrAnonymous(),
		"timestamp":  ev.Timestamp,
	}

	start := time.Now()
	err = q.pub.Publish(ctx, q.cfg.Topic, []byte(ev.EventID), value, headers)
	metricsx.ObserveSinkWrite("queue", err, time.Since(start))
	if err == nil {
		return nil
	}

	q.mu.Lock()
	if q.state == StateConnected {
		q.setState(StateDisconnected)
	}
	q.mu.Unlock()
	q.logger.Error(ctx, "queue_publish_failed", "queue publish failed",
		slog.String("error_code", "INTERNAL_ERROR"),
		slog.String("event_id", ev.EventID),
		slog.String("event_type", ev.EventType),
		slog.String("error", err.Error()),
	)
	q.deadLetter(ctx, ev, value, err)
	return fmt.Errorf("%w: %v", ErrPublishFailed, err)
}

func (q *QueueSink) deadLetter(ctx context.Context, ev events.Event, value []byte, cause error) {
	letter, err := json.Marshal(events.DeadLetter{
		OriginalEvent: value,
		Error:         cause.Error(),
		Timestamp:     q.now().UTC(),
	})
	if err == nil {
		err = q.pub.Publish(ctx, q.cfg.ErrorTopic, []byte(ev.EventID), letter, map[string]string{
			"event_type": ev.EventType,
		})
	}
	metricsx.IncDeadLetter(err)
	if err != nil {
		q.logger.Warn(ctx, "dead_letter_failed", "dead-letter publish failed",
			slog.String("event_id", ev.EventID),
			slog.String("error", err.Error()),
		)
	}
}

// KeepConnected calls Connect now and then every interval while the sink is
// not connected, until ctx is done. Dispatch never blocks on reconnecting.
func (q *QueueSink) KeepConnected(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = q.cfg.BackoffBase
	}
	_ = q.Connect(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !q.Healthy() {
				_ = q.Connect(ctx)
			}
		}
	}
}

func (q *QueueSink) Close() error {
	q.mu.Lock()
	q.setState(StateDisconnected)
	q.mu.Unlock()
	return q.pub.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
