package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneyflow-events/shared/events"
	"moneyflow-events/shared/logx"
)

type published struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	mu         sync.Mutex
	pingErrs   []error
	pings      int
	publishErr map[string]error
	msgs       []published
	pingGate   chan struct{}
	closed     bool
}

func (f *fakePublisher) Ping(context.Context) error {
	if f.pingGate != nil {
		<-f.pingGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.pings
	f.pings++
	if i < len(f.pingErrs) {
		return f.pingErrs[i]
	}
	return nil
}

func (f *fakePublisher) Publish(_ context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.publishErr[topic]; err != nil {
		return err
	}
	f.msgs = append(f.msgs, published{topic: topic, key: string(key), value: value, headers: headers})
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

func (f *fakePublisher) onTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return nil
}

func testEvent(id string, eventType string) events.Event {
	return events.Event{
		EventID:   id,
		EventType: eventType,
		Timestamp: "2024-05-01T12:00:00Z",
		User:      events.User{DeviceID: "0b7e6c6e-2f35-4b0c-a7a4-3a8c2e0d9f11"},
		Session:   events.Session{SessionID: "a1f8c9d2-5b6e-4f70-8a91-b2c3d4e5f607", Seq: events.Int64(1)},
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := NewQueueSink(&fakePublisher{}, QueueConfig{BackoffBase: time.Second, BackoffMax: 30 * time.Second}, logx.Nop())
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, q.Backoff(i), "attempt %d", i)
	}
}

func TestConnectRetriesWithIncreasingDelay(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	pub := &fakePublisher{pingErrs: []error{boom, boom, boom}}
	rec := &sleepRecorder{}
	q := NewQueueSink(pub, QueueConfig{ConnectAttempts: 5, BackoffBase: 10 * time.Millisecond, BackoffMax: time.Second}, logx.Nop(), WithSleep(rec.sleep))

	require.NoError(t, q.Connect(context.Background()))
	assert.Equal(t, StateConnected, q.State())
	assert.Equal(t, 4, pub.pings)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, rec.delays)
}

func TestConnectExhaustionStartsCooldown(t *testing.T) {
	boom := errors.New("no brokers")
	pub := &fakePublisher{pingErrs: []error{boom, boom, boom}}
	rec := &sleepRecorder{}
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q := NewQueueSink(pub, QueueConfig{ConnectAttempts: 3, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, Cooldown: 5 * time.Second}, logx.Nop(), WithSleep(rec.sleep), WithNow(clock))

	err := q.Connect(context.Background())
	require.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Equal(t, StateDisconnected, q.State())
	assert.Equal(t, 3, pub.pings)
	assert.Len(t, rec.delays, 2, "no sleep after the last attempt")

	err = q.Connect(context.Background())
	require.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Equal(t, 3, pub.pings, "cooldown fails fast without dialing")

	now = now.Add(6 * time.Second)
	require.NoError(t, q.Connect(context.Background()))
	assert.Equal(t, StateConnected, q.State())
}

func TestConcurrentPublishersFailFastWhileConnecting(t *testing.T) {
	pub := &fakePublisher{pingGate: make(chan struct{})}
	q := NewQueueSink(pub, QueueConfig{}, logx.Nop())

	done := make(chan error, 1)
	go func() { done <- q.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return q.State() == StateConnecting }, time.Second, time.Millisecond)

	err := q.Publish(context.Background(), testEvent("e-2", events.TypeClick))
	assert.ErrorIs(t, err, ErrQueueUnavailable)

	close(pub.pingGate)
	require.NoError(t, <-done)
	assert.Equal(t, StateConnected, q.State())
}

func TestPublishMessageShape(t *testing.T) {
	pub := &fakePublisher{}
	q := NewQueueSink(pub, QueueConfig{}, logx.Nop())

	ev := testEvent("e-1", events.TypeLogin)
	require.NoError(t, q.Publish(context.Background(), ev))

	msgs := pub.onTopic(events.TopicEvents)
	require.Len(t, msgs, 1)
	assert.Equal(t, "e-1", msgs[0].key)
	assert.Equal(t, map[string]string{
		"event_type": events.TypeLogin,
		"user_id":    events.AnonymousUser,
		"timestamp":  "2024-05-01T12:00:00Z",
	}, msgs[0].headers)

	var got events.Event
	require.NoError(t, json.Unmarshal(msgs[0].value, &got))
	assert.Equal(t, ev.EventID, got.EventID)
}

func TestPublishFailureDeadLettersAndDisconnects(t *testing.T) {
	pub := &fakePublisher{publishErr: map[string]error{events.TopicEvents: errors.New("leader not available")}}
	q := NewQueueSink(pub, QueueConfig{}, logx.Nop())

	err := q.Publish(context.Background(), testEvent("e-1", events.TypeClick))
	require.ErrorIs(t, err, ErrPublishFailed)
	assert.Equal(t, StateDisconnected, q.State())

	letters := pub.onTopic(events.TopicErrors)
	require.Len(t, letters, 1)
	var dl events.DeadLetter
	require.NoError(t, json.Unmarshal(letters[0].value, &dl))
	assert.Equal(t, "leader not available", dl.Error)
	assert.Contains(t, string(dl.OriginalEvent), `"event_id":"e-1"`)
}

func TestDeadLetterFailureIsSwallowed(t *testing.T) {
	pub := &fakePublisher{publishErr: map[string]error{
		events.TopicEvents: errors.New("down"),
		events.TopicErrors: errors.New("also down"),
	}}
	q := NewQueueSink(pub, QueueConfig{}, logx.Nop())

	err := q.Publish(context.Background(), testEvent("e-1", events.TypeClick))
	require.ErrorIs(t, err, ErrPublishFailed)
	assert.NotContains(t, err.Error(), "also down")
}

func TestConnectAbortsOnContextCancel(t *testing.T) {
	pub := &fakePublisher{pingErrs: []error{errors.New("x"), errors.New("x")}}
	q := NewQueueSink(pub, QueueConfig{BackoffBase: time.Hour, BackoffMax: time.Hour}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.Connect(ctx)
	require.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Equal(t, StateDisconnected, q.State())
	require.NoError(t, q.Close())
	assert.True(t, pub.closed)
}

func TestKeepConnectedReconnectsInBackground(t *testing.T) {
	pub := &fakePublisher{pingErrs: []error{errors.New("down"), errors.New("down")}}
	q := NewQueueSink(pub, QueueConfig{ConnectAttempts: 1}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		q.KeepConnected(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, q.Healthy, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
	pub.mu.Lock()
	assert.Equal(t, 3, pub.pings)
	pub.mu.Unlock()
}
