// Package replay drains the dead-letter topic back into relational storage.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"moneyflow-events/shared/events"
	"moneyflow-events/shared/logx"
	"moneyflow-events/shared/metricsx"
)

// ErrPoison marks a dead letter that can never be stored. The worker commits
// past it instead of retrying.
var ErrPoison = errors.New("unreplayable dead letter")

type Store interface {
	InsertIgnore(ctx context.Context, evs []events.Event) (int, error)
}

type Replayer struct {
	store  Store
	logger logx.Logger
}

func New(store Store, logger logx.Logger) *Replayer {
	return &Replayer{store: store, logger: logger}
}

// Handle stores the event carried by one dead letter. Storage is keyed by
// event id, so replaying the same letter twice leaves one row.
func (r *Replayer) Handle(ctx context.Context, payload []byte) error {
	var letter events.DeadLetter
	if err := json.Unmarshal(payload, &letter); err != nil {
		return fmt.Errorf("%w: decode letter: %v", ErrPoison, err)
	}
	if len(letter.OriginalEvent) == 0 {
		return fmt.Errorf("%w: missing original_event", ErrPoison)
	}
	var ev events.Event
	if err := json.Unmarshal(letter.OriginalEvent, &ev); err != nil {
		return fmt.Errorf("%w: decode event: %v", ErrPoison, err)
	}
	if ev.EventID == "" || ev.EventType == "" {
		return fmt.Errorf("%w: missing event_id/event_type", ErrPoison)
	}

	inserted, err := r.store.InsertIgnore(ctx, []events.Event{ev})
	metricsx.IncReplayed(err)
	if err != nil {
		return err
	}
	r.logger.Info(ctx, "dead_letter_replayed", "dead letter stored",
		slog.String("event_id", ev.EventID),
		slog.String("event_type", ev.EventType),
		slog.Bool("inserted", inserted > 0),
		slog.String("cause", letter.Error),
	)
	return nil
}
