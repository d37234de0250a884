// Package sanitize holds the two transforms applied to a validated event
// before it is guarded and dispatched: PII masking and server-side enrichment.
package sanitize

import (
	"regexp"
	"strings"
	"time"

	"moneyflow-events/shared/events"
)

const Redacted = "[REDACTED]"

const phoneMask = "(**) ****-****"

var (
	cpfDigits    = regexp.MustCompile(`^\d{11}$`)
	phonePattern = regexp.MustCompile(`(\(\d{2}\)\s?\d{4,5})-?\d{4}`)
)

// DenyList holds property keys that are always replaced with Redacted,
// compared case-insensitively at any nesting depth.
var DenyList = []string{
	"password",
	"token",
	"secret",
	"authorization",
	"credit_card",
	"card_number",
	"card",
	"cvv",
	"pin",
}

var denied = func() map[string]struct{} {
	m := make(map[string]struct{}, len(DenyList))
	for _, k := range DenyList {
		m[k] = struct{}{}
	}
	return m
}()

// Sanitize masks identifying fields. It returns a new event and is idempotent.
func Sanitize(ev events.Event) events.Event {
	out := ev.Clone()
	out.User.CPF = maskCPF(out.User.CPF)
	out.User.Email = maskEmail(out.User.Email)
	if out.Properties != nil {
		out.Properties = sanitizeMap(out.Properties)
	}
	return out
}

// maskCPF keeps the last two digits. Values that are not raw 11-digit ids
// (including already masked ones) pass through unchanged.
func maskCPF(cpf string) string {
	if !cpfDigits.MatchString(cpf) {
		return cpf
	}
	return "***.***.***-" + cpf[len(cpf)-2:]
}

func maskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	first := []rune(local)[0]
	return string(first) + "***@" + domain
}

func sanitizeMap(in map[string]any) map[string]any {
	for k, v := range in {
		if _, ok := denied[strings.ToLower(k)]; ok {
			in[k] = Redacted
			continue
		}
		in[k] = sanitizeValue(v)
	}
	return in
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return phonePattern.ReplaceAllString(t, phoneMask)
	case map[string]any:
		return sanitizeMap(t)
	case []any:
		for i := range t {
			t[i] = sanitizeValue(t[i])
		}
		return t
	default:
		return v
	}
}

// Transport describes the request an event arrived on.
type Transport struct {
	IP        string
	UserAgent string
	UserID    string
	Now       time.Time
}

// Enrich stamps server-side facts onto the event without overwriting anything
// the client supplied.
func Enrich(ev events.Event, tr Transport) events.Event {
	out := ev.Clone()
	now := tr.Now
	if now.IsZero() {
		now = time.Now()
	}
	out.ServerTimestamp = now.UTC().Format(time.RFC3339Nano)

	if tr.IP != "" || tr.UserAgent != "" {
		if out.Context == nil {
			out.Context = &events.Context{}
		}
		if out.Context.IP == "" {
			out.Context.IP = tr.IP
		}
		if out.Context.UserAgent == "" {
			out.Context.UserAgent = truncate(tr.UserAgent, 500)
		}
	}
	if out.User.UserID == "" {
		out.User.UserID = tr.UserID
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
