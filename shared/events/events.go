package events

import (
	"encoding/json"
	"time"
)

// Event is the unit of work flowing from the tracker to the sinks. It is
// append-only: after the server stamps ServerTimestamp nothing else changes.
type Event struct {
	EventID         string         `json:"event_id" validate:"required,uuid"`
	EventType       string         `json:"event_type" validate:"required,event_type"`
	Timestamp       string         `json:"timestamp" validate:"required,iso8601"`
	ServerTimestamp string         `json:"server_timestamp,omitempty"`
	User            User           `json:"user"`
	Session         Session        `json:"session"`
	Context         *Context       `json:"context,omitempty" validate:"omitempty"`
	Properties      map[string]any `json:"properties,omitempty" validate:"omitempty,properties"`
	Version         string         `json:"version,omitempty" validate:"omitempty,max=32"`
}

type User struct {
	UserID   string `json:"user_id,omitempty" validate:"omitempty,uuid"`
	DeviceID string `json:"device_id" validate:"required,uuid"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	CPF      string `json:"cpf,omitempty" validate:"omitempty,cpf"`
}

type Session struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
	Seq       *int64 `json:"seq" validate:"required,min=0"`
}

type Context struct {
	URL            string `json:"url,omitempty" validate:"omitempty,url"`
	Referrer       string `json:"referrer,omitempty" validate:"omitempty,url"`
	IP             string `json:"ip,omitempty" validate:"omitempty,ip"`
	UserAgent      string `json:"user_agent,omitempty" validate:"omitempty,max=500"`
	ScreenWidth    *int   `json:"screen_width,omitempty"`
	ScreenHeight   *int   `json:"screen_height,omitempty"`
	ViewportWidth  *int   `json:"viewport_width,omitempty"`
	ViewportHeight *int   `json:"viewport_height,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	Locale         string `json:"locale,omitempty"`
}

// Batch is the wire shape of POST /events/batch.
type Batch struct {
	Events []Event `json:"events"`
}

// DeadLetter is published to the error topic when a queue publish fails.
type DeadLetter struct {
	OriginalEvent json.RawMessage `json:"original_event"`
	Error         string          `json:"error"`
	Timestamp     time.Time       `json:"timestamp"`
}

const (
	DefaultVersion = "1.0.0"
	AnonymousUser  = "anonymous"
)

const (
	TopicEvents = "events"
	TopicErrors = "events-errors"
)

const (
	TypePageView            = "page_view"
	TypeClick               = "click"
	TypeFormSubmit          = "form_submit"
	TypeLogin               = "login"
	TypeLogout              = "logout"
	TypeTransferInitiated   = "transfer_initiated"
	TypeTransferConfirmed   = "transfer_confirmed"
	TypeTransferCompleted   = "transfer_completed"
	TypePaymentInitiated    = "payment_initiated"
	TypePaymentCompleted    = "payment_completed"
	TypeRechargeInitiated   = "recharge_initiated"
	TypeRechargeCompleted   = "recharge_completed"
	TypeCashbackEarned      = "cashback_earned"
	TypeGoalCreated         = "goal_created"
	TypeGoalCompleted       = "goal_completed"
	TypeBudgetExceeded      = "budget_exceeded"
	TypeAchievementUnlocked = "achievement_unlocked"
	TypeError               = "error"
	TypeHeartbeat           = "heartbeat"
)

var allTypes = []string{
	TypePageView,
	TypeClick,
	TypeFormSubmit,
	TypeLogin,
	TypeLogout,
	TypeTransferInitiated,
	TypeTransferConfirmed,
	TypeTransferCompleted,
	TypePaymentInitiated,
	TypePaymentCompleted,
	TypeRechargeInitiated,
	TypeRechargeCompleted,
	TypeCashbackEarned,
	TypeGoalCreated,
	TypeGoalCompleted,
	TypeBudgetExceeded,
	TypeAchievementUnlocked,
	TypeError,
	TypeHeartbeat,
}

var knownTypes = func() map[string]struct{} {
	m := make(map[string]struct{}, len(allTypes))
	for _, t := range allTypes {
		m[t] = struct{}{}
	}
	return m
}()

// DefaultCriticalTypes are persisted relationally even while the broker is healthy.
var DefaultCriticalTypes = []string{
	TypeTransferCompleted,
	TypePaymentCompleted,
	TypeLogin,
	TypeLogout,
}

// AllTypes returns a copy of the enumerated event types in declaration order.
func AllTypes() []string {
	out := make([]string, len(allTypes))
	copy(out, allTypes)
	return out
}

func IsKnownType(eventType string) bool {
	_, ok := knownTypes[eventType]
	return ok
}

// UserIDOrAnonymous is the value used for the user_id message header.
func (e Event) UserIDOrAnonymous() string {
	if e.User.UserID == "" {
		return AnonymousUser
	}
	return e.User.UserID
}

// OccurredAt parses the client timestamp, falling back to the server stamp and
// then to now.
func (e Event) OccurredAt() time.Time {
	for _, raw := range []string{e.Timestamp, e.ServerTimestamp} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// Clone returns a deep copy so transforms never alias the caller's maps.
func (e Event) Clone() Event {
	out := e
	if e.Session.Seq != nil {
		seq := *e.Session.Seq
		out.Session.Seq = &seq
	}
	if e.Context != nil {
		c := *e.Context
		out.Context = &c
	}
	if e.Properties != nil {
		out.Properties = cloneMap(e.Properties)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Int64 is a small helper for building Session.Seq literals.
func Int64(v int64) *int64 { return &v }
