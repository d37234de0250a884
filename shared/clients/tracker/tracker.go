// Package tracker is the Go emitter for the event ingestion API. It batches
// events in a bounded in-memory queue, delivers them with retry and keeps them
// in a Store while the host is offline.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"moneyflow-events/shared/events"
	"moneyflow-events/shared/logx"
)

var ErrOffline = errors.New("tracker: offline")

// TransportError is returned by Flush when every delivery attempt failed.
type TransportError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tracker: delivery failed after %d attempts: HTTP %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("tracker: delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Config struct {
	// Endpoint is the API base, e.g. http://localhost:3000/api/v1.
	Endpoint          string
	BatchSize         int
	BatchTimeout      time.Duration
	MaxQueueSize      int
	MaxRequestEvents  int
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	// OfflinePersistence saves the queue to the Store while offline or after a
	// failed delivery.
	OfflinePersistence bool
	// StartOffline starts the tracker in the offline state.
	StartOffline bool
}

func DefaultConfig() Config {
	return Config{
		Endpoint:           "http://localhost:3000/api/v1",
		BatchSize:          10,
		BatchTimeout:       5 * time.Second,
		MaxQueueSize:       1000,
		MaxRequestEvents:   100,
		RetryAttempts:      3,
		RetryDelay:         time.Second,
		RequestTimeout:     10 * time.Second,
		HeartbeatInterval:  60 * time.Second,
		OfflinePersistence: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxRequestEvents <= 0 {
		c.MaxRequestEvents = d.MaxRequestEvents
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// ContextProvider supplies the page/device context attached to each event.
type ContextProvider func() *events.Context

// Beacon is a fire-and-forget sender used on unload. Send reports whether the
// payload was handed off.
type Beacon interface {
	Send(url string, contentType string, body []byte) bool
}

type Option func(*Tracker)

func WithHTTPClient(c *http.Client) Option { return func(t *Tracker) { t.http = c } }
func WithStore(s Store) Option             { return func(t *Tracker) { t.store = s } }
func WithBeacon(b Beacon) Option           { return func(t *Tracker) { t.beacon = b } }
func WithLogger(l logx.Logger) Option      { return func(t *Tracker) { t.logger = l } }

func WithContextProvider(p ContextProvider) Option {
	return func(t *Tracker) { t.contextFn = p }
}

// WithSleep replaces the retry wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) { t.sleep = fn }
}

type Tracker struct {
	cfg       Config
	http      *http.Client
	store     Store
	beacon    Beacon
	contextFn ContextProvider
	logger    logx.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	started   time.Time

	mu        sync.Mutex
	queue     []events.Event
	sending   map[uint64][]events.Event
	sendSeq   uint64
	deviceID  string
	sessionID string
	seq       int64
	userID    string
	token     string
	online    bool
	closed    bool
	timer     *time.Timer

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
	inflight      sync.WaitGroup
}

// New loads or creates the device id, starts a fresh session and replays any
// queue persisted by a previous run.
func New(ctx context.Context, cfg Config, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:     cfg.withDefaults(),
		logger:  logx.Nop(),
		sleep:   sleepCtx,
		started: time.Now(),
		sending: make(map[uint64][]events.Event),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.http == nil {
		t.http = &http.Client{Timeout: t.cfg.RequestTimeout}
	}
	if t.store == nil {
		t.store = NewMemoryStore()
	}
	t.online = !t.cfg.StartOffline
	t.sessionID = uuid.NewString()

	deviceID, err := t.loadDeviceID(ctx)
	if err != nil {
		return nil, err
	}
	t.deviceID = deviceID

	t.mu.Lock()
	if err := t.replayLocked(ctx); err != nil {
		t.logger.Warn(ctx, "tracker_replay_failed", "failed to load offline queue", slog.String("error", err.Error()))
	}
	if len(t.queue) > 0 {
		if t.online {
			t.armTimerLocked()
		} else {
			t.persistLocked(ctx)
		}
	}
	t.mu.Unlock()

	if t.cfg.HeartbeatInterval > 0 {
		t.stopHeartbeat = make(chan struct{})
		t.heartbeatDone = make(chan struct{})
		go t.heartbeat(t.cfg.HeartbeatInterval, t.stopHeartbeat, t.heartbeatDone)
	}
	return t, nil
}

func (t *Tracker) loadDeviceID(ctx context.Context) (string, error) {
	raw, err := t.store.Get(ctx, KeyDeviceID)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	id := uuid.NewString()
	if err := t.store.Put(ctx, KeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func (t *Tracker) DeviceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceID
}

func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Pending returns a copy of the events waiting for delivery.
func (t *Tracker) Pending() []events.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]events.Event, len(t.queue))
	copy(out, t.queue)
	return out
}

// Track queues one event. It never waits on the network.
func (t *Tracker) Track(eventType string, properties map[string]any) {
	if t == nil {
		return
	}
	ctx := context.Background()
	var pageCtx *events.Context
	if t.contextFn != nil {
		pageCtx = t.contextFn()
	}
	if properties == nil {
		properties = map[string]any{}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.logger.Debug(ctx, "tracker_closed", "event dropped, tracker closed", slog.String("event_type", eventType))
		return
	}
	t.seq++
	ev := events.Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		User: events.User{
			UserID:   t.userID,
			DeviceID: t.deviceID,
		},
		Session:    events.Session{SessionID: t.sessionID, Seq: events.Int64(t.seq)},
		Context:    pageCtx,
		Properties: properties,
		Version:    events.DefaultVersion,
	}
	if len(t.queue) >= t.cfg.MaxQueueSize {
		dropped := t.queue[0]
		t.queue = t.queue[1:]
		t.logger.Warn(ctx, "tracker_queue_full", "queue full, dropping oldest event",
			slog.String("event_id", dropped.EventID),
			slog.String("event_type", dropped.EventType),
		)
	}
	t.queue = append(t.queue, ev)
	if !t.online && t.cfg.OfflinePersistence {
		t.persistLocked(ctx)
	}
	flushNow := t.online && len(t.queue) >= t.cfg.BatchSize
	switch {
	case flushNow:
		t.stopTimerLocked()
	case t.online:
		t.armTimerLocked()
	}
	t.mu.Unlock()

	if flushNow {
		t.flushAsync()
	}
}

// Flush delivers everything queued. On failure the events go back to the
// front of the queue and the error is returned.
//
// While a snapshot is being sent it stays registered on the tracker, so
// Unload and persistence still see it.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	t.stopTimerLocked()
	snapshot := t.queue
	t.queue = nil
	online := t.online
	token := t.token
	if len(snapshot) == 0 {
		t.mu.Unlock()
		return nil
	}
	if !online {
		t.requeueLocked(ctx, snapshot)
		t.mu.Unlock()
		t.logger.Debug(ctx, "tracker_offline", "offline, events kept in queue", slog.Int("count", len(snapshot)))
		return ErrOffline
	}
	t.sendSeq++
	id := t.sendSeq
	t.sending[id] = snapshot
	t.mu.Unlock()

	for start := 0; start < len(snapshot); start += t.cfg.MaxRequestEvents {
		end := start + t.cfg.MaxRequestEvents
		if end > len(snapshot) {
			end = len(snapshot)
		}
		if err := t.send(ctx, snapshot[start:end], token); err != nil {
			t.settle(ctx, id, snapshot[start:])
			t.logger.Warn(ctx, "tracker_flush_failed", "failed to send event batch",
				slog.Int("count", len(snapshot)-start),
				slog.String("error", err.Error()),
			)
			return err
		}
		t.advance(id, snapshot[end:])
	}
	t.settle(ctx, id, nil)
	t.logger.Debug(ctx, "tracker_flushed", "event batch sent", slog.Int("count", len(snapshot)))
	return nil
}

// advance shrinks an in-flight snapshot to the part not yet delivered.
func (t *Tracker) advance(id uint64, rest []events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sending[id]; ok {
		t.sending[id] = rest
	}
}

// settle ends an in-flight send. Undelivered events go back to the front of
// the queue unless Unload already handed them to the beacon.
func (t *Tracker) settle(ctx context.Context, id uint64, undelivered []events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sending[id]; !ok {
		return
	}
	delete(t.sending, id)
	if len(undelivered) > 0 {
		t.requeueLocked(ctx, undelivered)
		return
	}
	if t.cfg.OfflinePersistence {
		t.persistLocked(ctx)
	}
}

func (t *Tracker) flushAsync() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.inflight.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.inflight.Done()
		_ = t.Flush(context.Background())
	}()
}

func (t *Tracker) send(ctx context.Context, batch []events.Event, token string) error {
	body, err := json.Marshal(events.Batch{Events: batch})
	if err != nil {
		return err
	}
	url := t.cfg.Endpoint + "/events/batch"

	var lastErr error
	var lastStatus int
	attempts := 0
	for attempt := 0; attempt <= t.cfg.RetryAttempts; attempt++ {
		if attempt == 1 && t.cfg.OfflinePersistence {
			t.mu.Lock()
			t.persistLocked(ctx)
			t.mu.Unlock()
		}
		if attempt > 0 {
			if err := t.sleep(ctx, t.Backoff(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		status, err := t.post(ctx, url, body, token)
		if err == nil && status >= 200 && status < 300 {
			return nil
		}
		lastErr, lastStatus = err, status
		t.logger.Debug(ctx, "tracker_retry", "delivery attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("status", status),
		)
	}
	return &TransportError{StatusCode: lastStatus, Attempts: attempts, Err: lastErr}
}

// Backoff is the wait before retry n+1: RetryDelay * 2^n.
func (t *Tracker) Backoff(n int) time.Duration {
	return t.cfg.RetryDelay << uint(n)
}

func (t *Tracker) post(ctx context.Context, url string, body []byte, token string) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// requeueLocked puts evs back in front of anything tracked meanwhile, then
// re-applies the queue bound by evicting the oldest.
func (t *Tracker) requeueLocked(ctx context.Context, evs []events.Event) {
	merged := make([]events.Event, 0, len(evs)+len(t.queue))
	merged = append(merged, evs...)
	merged = append(merged, t.queue...)
	if over := len(merged) - t.cfg.MaxQueueSize; over > 0 {
		merged = merged[over:]
	}
	t.queue = merged
	if t.cfg.OfflinePersistence {
		t.persistLocked(ctx)
	}
}

func (t *Tracker) persistLocked(ctx context.Context) {
	if err := saveQueue(ctx, t.store, t.unsentLocked()); err != nil {
		t.logger.Error(ctx, "tracker_persist_failed", "failed to save offline queue", slog.String("error", err.Error()))
	}
}

// unsentLocked lists in-flight snapshots, oldest first, ahead of the queue.
func (t *Tracker) unsentLocked() []events.Event {
	if len(t.sending) == 0 {
		return t.queue
	}
	ids := make([]uint64, 0, len(t.sending))
	n := len(t.queue)
	for id, evs := range t.sending {
		ids = append(ids, id)
		n += len(evs)
	}
	slices.Sort(ids)
	out := make([]events.Event, 0, n)
	for _, id := range ids {
		out = append(out, t.sending[id]...)
	}
	return append(out, t.queue...)
}

// replayLocked moves the persisted queue in front of the live one. Events
// already in memory, queued or in flight, are not duplicated.
func (t *Tracker) replayLocked(ctx context.Context) error {
	saved, err := loadQueue(ctx, t.store)
	if err != nil || len(saved) == 0 {
		return err
	}
	unsent := t.unsentLocked()
	seen := make(map[string]struct{}, len(unsent))
	for _, ev := range unsent {
		seen[ev.EventID] = struct{}{}
	}
	merged := make([]events.Event, 0, len(saved)+len(t.queue))
	for _, ev := range saved {
		if _, ok := seen[ev.EventID]; !ok {
			merged = append(merged, ev)
		}
	}
	merged = append(merged, t.queue...)
	if over := len(merged) - t.cfg.MaxQueueSize; over > 0 {
		merged = merged[over:]
	}
	t.queue = merged
	if len(t.sending) > 0 {
		// In-flight batches stay persisted until they settle.
		if err := saveQueue(ctx, t.store, t.unsentLocked()); err != nil {
			return err
		}
	} else if err := t.store.Delete(ctx, KeyOfflineQueue); err != nil {
		return err
	}
	t.logger.Debug(ctx, "tracker_replayed", "offline queue loaded", slog.Int("count", len(saved)))
	return nil
}

func (t *Tracker) armTimerLocked() {
	t.stopTimerLocked()
	t.timer = time.AfterFunc(t.cfg.BatchTimeout, t.flushAsync)
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// SetUser attaches a user id and bearer token to subsequent events.
func (t *Tracker) SetUser(userID, accessToken string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = userID
	t.token = accessToken
}

// ClearUser drops the identity and starts a new session.
func (t *Tracker) ClearUser() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.userID = ""
	t.token = ""
	t.sessionID = uuid.NewString()
	t.seq = 0
}

// SetOnline records connectivity. Coming back online replays the persisted
// queue and flushes.
func (t *Tracker) SetOnline(online bool) {
	ctx := context.Background()
	t.mu.Lock()
	was := t.online
	t.online = online
	if !online || was || t.closed {
		t.mu.Unlock()
		return
	}
	if t.cfg.OfflinePersistence {
		if err := t.replayLocked(ctx); err != nil {
			t.logger.Warn(ctx, "tracker_replay_failed", "failed to load offline queue", slog.String("error", err.Error()))
		}
	}
	pending := len(t.queue)
	t.mu.Unlock()

	t.logger.Info(ctx, "tracker_online", "connection restored", slog.Int("pending", pending))
	if pending > 0 {
		t.flushAsync()
	}
}

// Unload hands every undelivered event, including batches waiting for a
// retry, to the Beacon. It persists them when there is no beacon or it
// refuses the payload.
func (t *Tracker) Unload() error {
	ctx := context.Background()
	t.mu.Lock()
	defer t.mu.Unlock()
	unsent := t.unsentLocked()
	if len(unsent) == 0 {
		return nil
	}
	if t.beacon != nil && t.online {
		body, err := json.Marshal(events.Batch{Events: unsent})
		if err == nil && t.beacon.Send(t.cfg.Endpoint+"/events/batch", "application/json", body) {
			t.logger.Debug(ctx, "tracker_beacon", "events sent via beacon", slog.Int("count", len(unsent)))
			t.queue = nil
			clear(t.sending)
			return saveQueue(ctx, t.store, nil)
		}
	}
	return saveQueue(ctx, t.store, unsent)
}

// Close stops timers and the heartbeat, waits for in-flight flushes, then
// unloads. Track is a no-op afterwards.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.stopTimerLocked()
	if t.stopHeartbeat != nil {
		close(t.stopHeartbeat)
	}
	t.mu.Unlock()
	if t.heartbeatDone != nil {
		<-t.heartbeatDone
	}

	done := make(chan struct{})
	go func() {
		t.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return t.Unload()
}

func (t *Tracker) heartbeat(every time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Track(events.TypeHeartbeat, map[string]any{
				"uptime": int64(time.Since(t.started) / time.Second),
			})
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
