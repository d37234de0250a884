// Package pipeline runs validated events through sanitize, enrich and the
// idempotency guard, then hands the survivors to the dispatcher.
package pipeline

import (
	"context"
	"log/slog"

	"moneyflow-events/ingest/internal/idempotency"
	"moneyflow-events/ingest/internal/sanitize"
	"moneyflow-events/shared/events"
	"moneyflow-events/shared/logx"
)

// Sink receives admitted events. *dispatch.Dispatcher satisfies it.
type Sink interface {
	Go(ctx context.Context, evs []events.Event)
}

type Options struct {
	SanitizePII bool
}

type Pipeline struct {
	guard  idempotency.Guard
	sink   Sink
	opts   Options
	logger logx.Logger
}

func New(guard idempotency.Guard, sink Sink, opts Options, logger logx.Logger) *Pipeline {
	return &Pipeline{guard: guard, sink: sink, opts: opts, logger: logger}
}

type Outcome struct {
	Accepted   []events.Event
	Duplicates []string
}

// Ingest transforms evs in order and dispatches the admitted ones in one
// asynchronous call. It never blocks on a sink.
func (p *Pipeline) Ingest(ctx context.Context, evs []events.Event, tr sanitize.Transport) Outcome {
	out := Outcome{Accepted: make([]events.Event, 0, len(evs))}
	for _, ev := range evs {
		if p.opts.SanitizePII {
			ev = sanitize.Sanitize(ev)
		}
		ev = sanitize.Enrich(ev, tr)

		decision, err := p.guard.Admit(ctx, ev.EventID)
		if err != nil {
			p.logger.Warn(ctx, "idempotency_check_failed", "idempotency check failed, admitting event",
				slog.String("event_id", ev.EventID),
				slog.String("error", err.Error()),
			)
		}
		if decision == idempotency.Duplicate {
			p.logger.Info(ctx, "event_duplicate", "duplicate event suppressed",
				slog.String("event_id", ev.EventID),
				slog.String("event_type", ev.EventType),
			)
			out.Duplicates = append(out.Duplicates, ev.EventID)
			continue
		}
		out.Accepted = append(out.Accepted, ev)
	}

	if len(out.Accepted) > 0 {
		p.sink.Go(ctx, out.Accepted)
	}
	return out
}
