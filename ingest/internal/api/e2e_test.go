package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneyflow-events/shared/clients/tracker"
	"moneyflow-events/shared/events"
)

// An event tracked while offline survives a restart of the emitter and is
// stored exactly once after connectivity returns.
func TestTrackerOfflineRestartDelivery(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "tracker.db")
	cfg := tracker.DefaultConfig()
	cfg.Endpoint = srv.URL + APIPrefix
	cfg.BatchTimeout = time.Hour
	cfg.HeartbeatInterval = 0
	cfg.StartOffline = true

	store, err := tracker.OpenSQLiteStore(path)
	require.NoError(t, err)
	first, err := tracker.New(context.Background(), cfg, tracker.WithStore(store))
	require.NoError(t, err)
	first.Track(events.TypeLogin, map[string]any{"method": "password"})
	loginID := first.Pending()[0].EventID
	require.NoError(t, first.Close(context.Background()))
	require.NoError(t, store.Close())

	store, err = tracker.OpenSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	second, err := tracker.New(context.Background(), cfg, tracker.WithStore(store))
	require.NoError(t, err)
	defer second.Close(context.Background())

	second.SetOnline(true)
	require.Eventually(t, func() bool { return len(env.store.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, second.Flush(context.Background()))
	env.drain(t)

	rows := env.store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, loginID, rows[0].EventID)
	assert.Equal(t, events.TypeLogin, rows[0].EventType)
	assert.Equal(t, first.DeviceID(), rows[0].User.DeviceID)
}

func TestTrackerResendIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	cfg := tracker.DefaultConfig()
	cfg.Endpoint = srv.URL + APIPrefix
	cfg.BatchTimeout = time.Hour
	cfg.HeartbeatInterval = 0

	tr, err := tracker.New(context.Background(), cfg)
	require.NoError(t, err)
	defer tr.Close(context.Background())
	tr.Track(events.TypePaymentCompleted, map[string]any{"amount": 120.5})
	pending := tr.Pending()
	require.NoError(t, tr.Flush(context.Background()))

	// The acknowledgement was lost and the client sends the batch again.
	rec := do(t, env.handler, http.MethodPost, APIPrefix+"/events/batch", events.Batch{Events: pending}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp batchAccepted
	decodeJSON(t, rec, &resp)
	assert.Equal(t, 1, resp.Duplicates)
	assert.Equal(t, 0, resp.Accepted)

	env.drain(t)
	assert.Len(t, env.store.all(), 1)
}
