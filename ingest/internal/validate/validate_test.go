package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneyflow-events/shared/events"
)

func validEvent(id string) map[string]any {
	return map[string]any{
		"event_id":   id,
		"event_type": "login",
		"timestamp":  "2024-05-01T12:00:00.000Z",
		"user": map[string]any{
			"device_id": "0b7e6c6e-2f35-4b0c-a7a4-3a8c2e0d9f11",
			"email":     "carol@example.com",
			"cpf":       "12345678901",
		},
		"session": map[string]any{
			"session_id": "a1f8c9d2-5b6e-4f70-8a91-b2c3d4e5f607",
			"seq":        3,
		},
		"context": map[string]any{
			"url":          "https://app.moneyflow.test/login",
			"screen_width": 1280,
		},
		"properties": map[string]any{"method": "password", "attempt": 1},
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func fields(v Violations) []string {
	out := make([]string, 0, len(v))
	for _, item := range v {
		out = append(out, item.Field)
	}
	return out
}

func TestEventValid(t *testing.T) {
	raw := validEvent("9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e33")
	raw["server_timestamp"] = "2030-01-01T00:00:00Z"
	raw["unknown_field"] = "dropped"

	ev, problems := New(0).Event(mustJSON(t, raw))
	require.Empty(t, problems)
	assert.Equal(t, "9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e33", ev.EventID)
	assert.Equal(t, events.TypeLogin, ev.EventType)
	assert.Equal(t, events.DefaultVersion, ev.Version)
	assert.Empty(t, ev.ServerTimestamp)
	require.NotNil(t, ev.Session.Seq)
	assert.EqualValues(t, 3, *ev.Session.Seq)
	require.NotNil(t, ev.Context)
	require.NotNil(t, ev.Context.ScreenWidth)
	assert.Equal(t, 1280, *ev.Context.ScreenWidth)
}

func TestEventAcceptsUppercaseUUIDs(t *testing.T) {
	raw := validEvent("9E7F2A10-4C1B-4F4E-9A57-1F0C7D2B8E33")
	raw["user"].(map[string]any)["device_id"] = "0B7E6C6E-2F35-4B0C-A7A4-3A8C2E0D9F11"
	raw["user"].(map[string]any)["user_id"] = "C3D4E5F6-A7B8-4C9D-8E0F-1A2B3C4D5E6F"
	raw["session"].(map[string]any)["session_id"] = "A1F8C9D2-5B6E-4F70-8A91-B2C3D4E5F607"

	ev, problems := New(0).Event(mustJSON(t, raw))
	require.Empty(t, problems)
	assert.Equal(t, "9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e33", ev.EventID)
	assert.Equal(t, "0b7e6c6e-2f35-4b0c-a7a4-3a8c2e0d9f11", ev.User.DeviceID)
	assert.Equal(t, "c3d4e5f6-a7b8-4c9d-8e0f-1a2b3c4d5e6f", ev.User.UserID)
	assert.Equal(t, "a1f8c9d2-5b6e-4f70-8a91-b2c3d4e5f607", ev.Session.SessionID)
}

func TestEventReportsEveryViolation(t *testing.T) {
	raw := validEvent("not-a-uuid")
	raw["event_type"] = "teleport"
	raw["timestamp"] = "yesterday"
	raw["user"].(map[string]any)["cpf"] = "123"
	raw["user"].(map[string]any)["email"] = "nope"
	raw["session"].(map[string]any)["seq"] = -1

	_, problems := New(0).Event(mustJSON(t, raw))
	assert.ElementsMatch(t, []string{
		"event_id",
		"event_type",
		"timestamp",
		"user.cpf",
		"user.email",
		"session.seq",
	}, fields(problems))
}

func TestEventTypeMismatchesBecomeViolations(t *testing.T) {
	raw := validEvent("9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e33")
	raw["session"].(map[string]any)["seq"] = "three"
	raw["user"] = "someone"
	raw["properties"] = []any{1, 2}

	_, problems := New(0).Event(mustJSON(t, raw))
	got := fields(problems)
	assert.Contains(t, got, "session.seq")
	assert.Contains(t, got, "user")
	assert.Contains(t, got, "properties")
	assert.NotContains(t, got, "user.device_id")
}

func TestEventRejectsNullPropertyValues(t *testing.T) {
	raw := validEvent("9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e33")
	raw["properties"] = map[string]any{"amount": nil}

	_, problems := New(0).Event(mustJSON(t, raw))
	assert.Equal(t, []string{"properties"}, fields(problems))
}

func TestEventRequiredFields(t *testing.T) {
	_, problems := New(0).Event([]byte(`{}`))
	assert.ElementsMatch(t, []string{
		"event_id",
		"event_type",
		"timestamp",
		"user.device_id",
		"session.session_id",
		"session.seq",
	}, fields(problems))
}

func TestEventMalformedJSON(t *testing.T) {
	_, problems := New(0).Event([]byte(`{"event_id":`))
	require.Len(t, problems, 1)

	_, problems = New(0).Event([]byte(`[1,2]`))
	require.Len(t, problems, 1)
}

func TestBatchRejectsWholeBatchOnAnyViolation(t *testing.T) {
	list := make([]any, 0, 5)
	for i := 0; i < 5; i++ {
		ev := validEvent(fmt.Sprintf("9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e3%d", i))
		if i%2 == 0 {
			ev["event_type"] = "bogus"
		}
		list = append(list, ev)
	}

	out, problems := New(0).Batch(mustJSON(t, map[string]any{"events": list}))
	assert.Nil(t, out)
	assert.Equal(t, []string{"events.0.event_type", "events.2.event_type", "events.4.event_type"}, fields(problems))
}

func TestBatchPreservesOrder(t *testing.T) {
	ids := []string{
		"9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e31",
		"9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e32",
		"9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e33",
	}
	list := []any{validEvent(ids[0]), validEvent(ids[1]), validEvent(ids[2])}

	out, problems := New(0).Batch(mustJSON(t, map[string]any{"events": list}))
	require.Empty(t, problems)
	require.Len(t, out, 3)
	for i, ev := range out {
		assert.Equal(t, ids[i], ev.EventID)
	}
}

func TestBatchSizeBounds(t *testing.T) {
	v := New(2)
	_, problems := v.Batch([]byte(`{"events": []}`))
	assert.Equal(t, []string{"events"}, fields(problems))

	list := []any{validEvent("9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e31"), validEvent("9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e32"), validEvent("9e7f2a10-4c1b-4f4e-9a57-1f0c7d2b8e33")}
	_, problems = v.Batch(mustJSON(t, map[string]any{"events": list}))
	require.Len(t, problems, 1)
	assert.True(t, strings.Contains(problems[0].Message, "at most 2"))

	_, problems = v.Batch([]byte(`{"events": {"a": 1}}`))
	assert.Equal(t, "must be an array", problems[0].Message)
}

func TestISO8601(t *testing.T) {
	for _, s := range []string{"2024-05-01T12:00:00Z", "2024-05-01T12:00:00.123+03:00", "2024-05-01T12:00:00", "2024-05-01"} {
		assert.True(t, isISO8601(s), s)
	}
	for _, s := range []string{"", "05/01/2024", "2024-13-01"} {
		assert.False(t, isISO8601(s), s)
	}
}
