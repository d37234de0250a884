// Package validate turns untrusted request bodies into normalized events.
//
// Every violation in a payload is collected before returning, so a client sees
// all of its mistakes in one response. A batch with any violation is rejected
// as a whole.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"moneyflow-events/shared/events"
)

const DefaultMaxBatch = 100

type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Violations []Violation

func (v Violations) Error() string {
	parts := make([]string, 0, len(v))
	for _, item := range v {
		if item.Field == "" {
			parts = append(parts, item.Message)
			continue
		}
		parts = append(parts, item.Field+": "+item.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v *Violations) add(field string, message string) {
	*v = append(*v, Violation{Field: field, Message: message})
}

var cpfPattern = regexp.MustCompile(`^\d{11}$`)

type Validator struct {
	v        *validator.Validate
	maxBatch int
}

func New(maxBatch int) *Validator {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return events.IsKnownType(fl.Field().String())
	})
	_ = v.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
		return isISO8601(fl.Field().String())
	})
	_ = v.RegisterValidation("cpf", func(fl validator.FieldLevel) bool {
		return cpfPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("properties", func(fl validator.FieldLevel) bool {
		props, ok := fl.Field().Interface().(map[string]any)
		if !ok {
			return false
		}
		for _, value := range props {
			if value == nil {
				return false
			}
		}
		return true
	})
	return &Validator{v: v, maxBatch: maxBatch}
}

func (x *Validator) MaxBatch() int { return x.maxBatch }

// Event validates a single event body.
func (x *Validator) Event(raw []byte) (events.Event, Violations) {
	var doc any
	if err := decode(raw, &doc); err != nil {
		return events.Event{}, Violations{{Message: "body must be valid JSON"}}
	}
	var problems Violations
	ev, ok := x.event(doc, "", &problems)
	if !ok || len(problems) > 0 {
		return events.Event{}, problems
	}
	return ev, nil
}

// Batch validates {"events": [...]}. The returned slice preserves input order.
func (x *Validator) Batch(raw []byte) ([]events.Event, Violations) {
	var doc any
	if err := decode(raw, &doc); err != nil {
		return nil, Violations{{Message: "body must be valid JSON"}}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, Violations{{Message: "body must be a JSON object"}}
	}
	list, ok := obj["events"].([]any)
	if !ok {
		if obj["events"] == nil {
			return nil, Violations{{Field: "events", Message: "is required"}}
		}
		return nil, Violations{{Field: "events", Message: "must be an array"}}
	}
	switch {
	case len(list) == 0:
		return nil, Violations{{Field: "events", Message: "must contain at least 1 event"}}
	case len(list) > x.maxBatch:
		return nil, Violations{{Field: "events", Message: fmt.Sprintf("must contain at most %d events", x.maxBatch)}}
	}

	var problems Violations
	out := make([]events.Event, 0, len(list))
	for i, item := range list {
		ev, ok := x.event(item, "events."+strconv.Itoa(i)+".", &problems)
		if ok {
			out = append(out, ev)
		}
	}
	if len(problems) > 0 {
		return nil, problems
	}
	return out, nil
}

func (x *Validator) event(doc any, prefix string, problems *Violations) (events.Event, bool) {
	obj, ok := doc.(map[string]any)
	if !ok {
		problems.add(strings.TrimSuffix(prefix, "."), "must be an object")
		return events.Event{}, false
	}

	var local Violations
	defer func() {
		sort.SliceStable(local, func(i, j int) bool { return local[i].Field < local[j].Field })
		*problems = append(*problems, local...)
	}()

	flagged := map[string]bool{}
	checkShape(obj, eventShape, "", flagged, prefix, &local)

	b, err := json.Marshal(obj)
	if err != nil {
		local.add(strings.TrimSuffix(prefix, "."), "is not encodable")
		return events.Event{}, false
	}
	var ev events.Event
	if err := decode(b, &ev); err != nil {
		local.add(strings.TrimSuffix(prefix, "."), "has an invalid shape")
		return events.Event{}, false
	}
	lowerIDs(&ev)

	if err := x.v.Struct(ev); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				path := fieldPath(fe)
				if isFlagged(flagged, path) {
					continue
				}
				local.add(prefix+path, message(fe))
			}
		} else {
			local.add(strings.TrimSuffix(prefix, "."), err.Error())
		}
	}

	ev.ServerTimestamp = ""
	if ev.Version == "" {
		ev.Version = events.DefaultVersion
	}
	return ev, true
}

// lowerIDs folds UUIDs to the canonical lowercase form so the same id sent
// in either case maps to one idempotency key.
func lowerIDs(ev *events.Event) {
	ev.EventID = strings.ToLower(ev.EventID)
	ev.User.UserID = strings.ToLower(ev.User.UserID)
	ev.User.DeviceID = strings.ToLower(ev.User.DeviceID)
	ev.Session.SessionID = strings.ToLower(ev.Session.SessionID)
}

func isFlagged(flagged map[string]bool, path string) bool {
	for p := path; p != ""; {
		if flagged[p] {
			return true
		}
		i := strings.LastIndexByte(p, '.')
		if i < 0 {
			break
		}
		p = p[:i]
	}
	return false
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a valid UUID"
	case "event_type":
		return "must be one of the supported event types"
	case "iso8601":
		return "must be an ISO-8601 timestamp"
	case "email":
		return "must be a valid email"
	case "cpf":
		return "must contain exactly 11 digits"
	case "url":
		return "must be a valid URI"
	case "ip":
		return "must be a valid IP address"
	case "min":
		return "must be >= " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "properties":
		return "values must be a string, number, boolean, object or array"
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}

func decode(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func isISO8601(s string) bool {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
