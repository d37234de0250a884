package repos

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"moneyflow-events/shared/events"
)

//go:embed schema.sql
var schemaSQL string

type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

const insertEventSQL = `
	INSERT INTO user_events (id, user_id, device_id, session_id, event_type, event_data, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING
`

// ErrNoDatabase is returned when the repo was built without a connection.
var ErrNoDatabase = errors.New("events repo has no database")

type EventsRepo struct {
	db DBTX
}

func NewEventsRepo(db DBTX) *EventsRepo {
	return &EventsRepo{db: db}
}

// EnsureSchema creates the events table when missing.
func (r *EventsRepo) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return ErrNoDatabase
	}
	_, err := r.db.Exec(ctx, schemaSQL)
	return err
}

// InsertIgnore writes events keyed by event id. Rows that already exist are
// skipped; the returned count covers newly inserted rows only.
func (r *EventsRepo) InsertIgnore(ctx context.Context, evs []events.Event) (int, error) {
	if len(evs) == 0 {
		return 0, nil
	}
	if r.db == nil {
		return 0, ErrNoDatabase
	}
	batch := &pgx.Batch{}
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}
		var userID *string
		if ev.User.UserID != "" {
			id := ev.User.UserID
			userID = &id
		}
		batch.Queue(insertEventSQL,
			ev.EventID,
			userID,
			ev.User.DeviceID,
			ev.Session.SessionID,
			ev.EventType,
			payload,
			ev.OccurredAt(),
		)
	}

	br := r.db.SendBatch(ctx, batch)
	inserted := 0
	var errs []error
	for range evs {
		tag, err := br.Exec()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		errs = append(errs, err)
	}
	return inserted, errors.Join(errs...)
}

// Count returns the number of stored rows for an event id, used by the
// replay worker and integration checks.
func (r *EventsRepo) Count(ctx context.Context, eventID string) (int, error) {
	if r.db == nil {
		return 0, ErrNoDatabase
	}
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM user_events WHERE id = $1`, eventID).Scan(&n)
	return n, err
}
