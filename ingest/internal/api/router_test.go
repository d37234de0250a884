package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneyflow-events/ingest/internal/dispatch"
	"moneyflow-events/ingest/internal/idempotency"
	"moneyflow-events/ingest/internal/pipeline"
	"moneyflow-events/ingest/internal/validate"
	"moneyflow-events/shared/authx"
	"moneyflow-events/shared/config"
	"moneyflow-events/shared/events"
	"moneyflow-events/shared/httpx"
	"moneyflow-events/shared/logx"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]events.Event
	ids  []string
}

func newMemStore() *memStore { return &memStore{rows: map[string]events.Event{}} }

func (s *memStore) InsertIgnore(_ context.Context, evs []events.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range evs {
		if _, ok := s.rows[ev.EventID]; ok {
			continue
		}
		s.rows[ev.EventID] = ev
		s.ids = append(s.ids, ev.EventID)
		n++
	}
	return n, nil
}

func (s *memStore) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.rows[id])
	}
	return out
}

type testEnv struct {
	handler    http.Handler
	store      *memStore
	dispatcher *dispatch.Dispatcher
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.dispatcher.Wait(ctx))
}

type envOption func(*RouterConfig)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	store := newMemStore()
	logger := logx.Nop()
	disp := dispatch.New(nil, store, dispatch.Config{Timeout: time.Second}, logger)
	guard := idempotency.NewMemoryGuard(time.Minute, time.Minute)
	pipe := pipeline.New(guard, disp, pipeline.Options{SanitizePII: true}, logger)

	rc := RouterConfig{
		Config: config.Config{
			Env:            "test",
			ServiceName:    "ingest",
			RequestTimeout: 5 * time.Second,
			MaxBodyBytes:   1 << 20,
		},
		Version: "test",
		Logger:  logger,
		Handler: NewHandler(validate.New(validate.DefaultMaxBatch), pipe, 1<<20, logger),
	}
	for _, opt := range opts {
		opt(&rc)
	}
	return &testEnv{handler: NewRouter(rc), store: store, dispatcher: disp}
}

func validEvent(id string) map[string]any {
	return map[string]any{
		"event_id":   id,
		"event_type": "login",
		"timestamp":  "2024-05-01T12:00:00.000Z",
		"user": map[string]any{
			"device_id": "0b7e6c6e-2f35-4b0c-a7a4-3a8c2e0d9f11",
			"cpf":       "12345678901",
		},
		"session": map[string]any{
			"session_id": "a1f8c9d2-5b6e-4f70-8a91-b2c3d4e5f607",
			"seq":        1,
		},
		"properties": map[string]any{"password": "hunter2"},
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

const eventA = "9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e33"

func TestPostEventAccepted(t *testing.T) {
	env := newTestEnv(t)

	rec := do(t, env.handler, http.MethodPost, "/api/v1/events", validEvent(eventA), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp eventAccepted
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, eventA, resp.EventID)
	assert.False(t, resp.Duplicate)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	env.drain(t)
	rows := env.store.all()
	require.Len(t, rows, 1)
	assert.Equal(t, "***.***.***-01", rows[0].User.CPF)
	assert.Equal(t, "[REDACTED]", rows[0].Properties["password"])
	assert.NotEmpty(t, rows[0].ServerTimestamp)
	require.NotNil(t, rows[0].Context)
	assert.NotEmpty(t, rows[0].Context.IP)
}

func TestPostEventUnprefixedRoute(t *testing.T) {
	env := newTestEnv(t)
	rec := do(t, env.handler, http.MethodPost, "/events", validEvent(eventA), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestPostEventDuplicateHasOneSideEffect(t *testing.T) {
	env := newTestEnv(t)

	first := do(t, env.handler, http.MethodPost, "/api/v1/events", validEvent(eventA), nil)
	second := do(t, env.handler, http.MethodPost, "/api/v1/events", validEvent(eventA), nil)
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Equal(t, http.StatusAccepted, second.Code)

	var resp eventAccepted
	decodeJSON(t, second, &resp)
	assert.True(t, resp.Success)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, CodeDuplicateEvent, resp.Code)

	env.drain(t)
	assert.Len(t, env.store.all(), 1)
}

func TestPostEventValidationError(t *testing.T) {
	env := newTestEnv(t)
	raw := validEvent(eventA)
	delete(raw, "event_id")
	raw["event_type"] = "teleport"

	rec := do(t, env.handler, http.MethodPost, "/api/v1/events", raw, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error struct {
			Code    string                `json:"code"`
			Details []validate.Violation `json:"details"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &resp)
	assert.Equal(t, httpx.CodeValidation, resp.Error.Code)
	var fields []string
	for _, v := range resp.Error.Details {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"event_id", "event_type"}, fields)

	env.drain(t)
	assert.Empty(t, env.store.all())
}

func TestPostEventMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostEventBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(rc *RouterConfig) {
		rc.Handler.maxBody = 64
	})
	rec := do(t, env.handler, http.MethodPost, "/api/v1/events", validEvent(eventA), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestBatchAccepted(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"events": []any{
		validEvent(eventA),
		validEvent("1c0d8f7e-2b3a-4c5d-9e8f-7a6b5c4d3e2f"),
	}}

	rec := do(t, env.handler, http.MethodPost, "/api/v1/events/batch", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp batchAccepted
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 2, resp.Accepted)

	env.drain(t)
	rows := env.store.all()
	require.Len(t, rows, 2)
	assert.Equal(t, eventA, rows[0].EventID)
}

func TestBatchWithInvalidEventsIsRejectedWhole(t *testing.T) {
	env := newTestEnv(t)
	list := make([]any, 0, 5)
	for i, id := range []string{
		"00000000-0000-4000-8000-000000000001",
		"00000000-0000-4000-8000-000000000002",
		"00000000-0000-4000-8000-000000000003",
		"00000000-0000-4000-8000-000000000004",
		"00000000-0000-4000-8000-000000000005",
	} {
		ev := validEvent(id)
		if i%2 == 0 {
			ev["event_type"] = "teleport"
		}
		list = append(list, ev)
	}

	rec := do(t, env.handler, http.MethodPost, "/api/v1/events/batch", map[string]any{"events": list}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Error struct {
			Details []validate.Violation `json:"details"`
		} `json:"error"`
	}
	decodeJSON(t, rec, &resp)
	require.Len(t, resp.Error.Details, 3)
	assert.Equal(t, "events.0.event_type", resp.Error.Details[0].Field)
	assert.Equal(t, "events.4.event_type", resp.Error.Details[2].Field)

	env.drain(t)
	assert.Empty(t, env.store.all())
}

func TestBatchSizeBounds(t *testing.T) {
	env := newTestEnv(t)
	rec := do(t, env.handler, http.MethodPost, "/api/v1/events/batch", map[string]any{"events": []any{}}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetEventTypes(t *testing.T) {
	env := newTestEnv(t)
	rec := do(t, env.handler, http.MethodGet, "/api/v1/events/types", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp typesResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, events.AllTypes(), resp.EventTypes)
}

func TestHealthAndReadiness(t *testing.T) {
	ready := true
	env := newTestEnv(t, func(rc *RouterConfig) {
		rc.Ready = func(context.Context) []config.Problem {
			if ready {
				return nil
			}
			return []config.Problem{{Field: "DATABASE_URL", Message: "database unreachable"}}
		}
	})

	assert.Equal(t, http.StatusOK, do(t, env.handler, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, env.handler, http.MethodGet, "/readyz", nil, nil).Code)
	ready = false
	assert.Equal(t, http.StatusServiceUnavailable, do(t, env.handler, http.MethodGet, "/readyz", nil, nil).Code)
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	env := newTestEnv(t)
	rec := do(t, env.handler, http.MethodGet, "/api/v1/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp httpx.ErrorEnvelope
	decodeJSON(t, rec, &resp)
	assert.Equal(t, httpx.CodeNotFound, resp.Error.Code)
}

func TestBearerTokenSetsUserID(t *testing.T) {
	verifier, err := authx.NewHMACVerifier("s3cret", "", "", 0)
	require.NoError(t, err)
	env := newTestEnv(t, func(rc *RouterConfig) { rc.Verifier = verifier })

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "7d3c1b2a-0f9e-4d8c-b7a6-5e4d3c2b1a09",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	rec := do(t, env.handler, http.MethodPost, "/api/v1/events", validEvent(eventA),
		http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	env.drain(t)

	bad := do(t, env.handler, http.MethodPost, "/api/v1/events", validEvent("1c0d8f7e-2b3a-4c5d-9e8f-7a6b5c4d3e2f"),
		http.Header{"Authorization": {"Bearer garbage"}})
	require.Equal(t, http.StatusAccepted, bad.Code, "invalid tokens fall back to anonymous")

	env.drain(t)
	rows := env.store.all()
	require.Len(t, rows, 2)
	assert.Equal(t, "7d3c1b2a-0f9e-4d8c-b7a6-5e4d3c2b1a09", rows[0].User.UserID)
	assert.Empty(t, rows[1].User.UserID)
}

func TestRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, func(rc *RouterConfig) {
		rc.Config.RateLimitRPS = 0.001
		rc.Config.RateLimitBurst = 1
	})

	first := do(t, env.handler, http.MethodGet, "/api/v1/events/types", nil, nil)
	second := do(t, env.handler, http.MethodGet, "/api/v1/events/types", nil, nil)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, env.handler, http.MethodGet, "/healthz", nil, nil).Code)
}
