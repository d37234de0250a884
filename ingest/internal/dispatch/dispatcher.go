// Package dispatch fans accepted events out to the broker and to relational
// storage.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"moneyflow-events/shared/events"
	"moneyflow-events/shared/logx"
	"moneyflow-events/shared/metricsx"
)

// Queue is the broker side of the fan-out. *QueueSink satisfies it.
type Queue interface {
	Publish(ctx context.Context, ev events.Event) error
	Healthy() bool
}

// Store is the relational side. *repos.EventsRepo satisfies it.
type Store interface {
	InsertIgnore(ctx context.Context, evs []events.Event) (int, error)
}

// Result summarizes one dispatch. Errors are informational; callers have
// already answered the client.
type Result struct {
	Published int
	Stored    int
	Fallback  int
	QueueErr  error
	StoreErr  error
}

type Dispatcher struct {
	queue    Queue
	store    Store
	critical map[string]struct{}
	timeout  time.Duration
	logger   logx.Logger

	wg sync.WaitGroup
}

type Config struct {
	CriticalTypes []string
	Timeout       time.Duration
}

// New accepts a nil queue when no broker is configured; every event then goes
// to storage.
func New(queue Queue, store Store, cfg Config, logger logx.Logger) *Dispatcher {
	types := cfg.CriticalTypes
	if len(types) == 0 {
		types = events.DefaultCriticalTypes
	}
	critical := make(map[string]struct{}, len(types))
	for _, t := range types {
		critical[t] = struct{}{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Dispatcher{
		queue:    queue,
		store:    store,
		critical: critical,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
}

func (d *Dispatcher) IsCritical(eventType string) bool {
	_, ok := d.critical[eventType]
	return ok
}

// Go dispatches in the background, detached from the request's cancellation
// but keeping its values. Wait drains outstanding work.
func (d *Dispatcher) Go(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		d.Dispatch(dctx, evs)
	}()
}

// Wait blocks until every Go call has finished or ctx expires.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch publishes evs in order and writes the storage share concurrently.
// While the queue is healthy only critical types are stored; otherwise every
// event is. Events that failed to publish and were not stored are written to
// storage afterwards.
func (d *Dispatcher) Dispatch(ctx context.Context, evs []events.Event) Result {
	var res Result
	if len(evs) == 0 {
		return res
	}

	healthy := d.queue != nil && d.queue.Healthy()
	stored := make(map[string]struct{}, len(evs))
	toStore := make([]events.Event, 0, len(evs))
	for _, ev := range evs {
		if !healthy || d.IsCritical(ev.EventType) {
			toStore = append(toStore, ev)
			stored[ev.EventID] = struct{}{}
		}
	}

	var unpublished []events.Event
	var g errgroup.Group
	if d.queue != nil {
		g.Go(func() error {
			for i, ev := range evs {
				if err := d.queue.Publish(ctx, ev); err != nil {
					res.QueueErr = err
					unpublished = evs[i:]
					return nil
				}
				res.Published++
			}
			return nil
		})
	}
	if len(toStore) > 0 {
		g.Go(func() error {
			n, err := d.write(ctx, toStore)
			res.Stored = n
			return err
		})
	}
	res.StoreErr = g.Wait()

	fallback := make([]events.Event, 0, len(unpublished))
	for _, ev := range unpublished {
		if _, ok := stored[ev.EventID]; !ok {
			fallback = append(fallback, ev)
		}
	}
	if len(fallback) > 0 {
		n, err := d.write(ctx, fallback)
		res.Fallback = n
		if err != nil && res.StoreErr == nil {
			res.StoreErr = err
		}
		d.logger.Warn(ctx, "dispatch_fallback", "queue unavailable, events written to storage",
			slog.Int("count", len(fallback)),
			slog.Int("inserted", n),
		)
	}

	if res.QueueErr != nil || res.StoreErr != nil {
		attrs := []slog.Attr{
			slog.Int("count", len(evs)),
			slog.Int("published", res.Published),
			slog.Int("stored", res.Stored+res.Fallback),
		}
		if res.QueueErr != nil {
			attrs = append(attrs, slog.String("queue_error", res.QueueErr.Error()))
		}
		if res.StoreErr != nil {
			attrs = append(attrs, slog.String("store_error", res.StoreErr.Error()))
		}
		d.logger.Warn(ctx, "dispatch_degraded", "dispatch completed with sink errors", attrs...)
	}
	return res
}

func (d *Dispatcher) write(ctx context.Context, evs []events.Event) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	start := time.Now()
	n, err := d.store.InsertIgnore(ctx, evs)
	metricsx.ObserveSinkWrite("storage", err, time.Since(start))
	if err != nil {
		d.logger.Error(ctx, "store_write_failed", "storage write failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.Int("count", len(evs)),
			slog.String("error", err.Error()),
		)
	}
	return n, err
}
