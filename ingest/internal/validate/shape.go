package validate

import (
	"encoding/json"
)

type kind int

const (
	kindString kind = iota
	kindInteger
	kindObject
	kindStripped
)

type field struct {
	kind   kind
	fields map[string]field
}

var eventShape = map[string]field{
	"event_id":         {kind: kindString},
	"event_type":       {kind: kindString},
	"timestamp":        {kind: kindString},
	"server_timestamp": {kind: kindStripped},
	"version":          {kind: kindString},
	"properties":       {kind: kindObject},
	"user": {kind: kindObject, fields: map[string]field{
		"user_id":   {kind: kindString},
		"device_id": {kind: kindString},
		"email":     {kind: kindString},
		"cpf":       {kind: kindString},
	}},
	"session": {kind: kindObject, fields: map[string]field{
		"session_id": {kind: kindString},
		"seq":        {kind: kindInteger},
	}},
	"context": {kind: kindObject, fields: map[string]field{
		"url":             {kind: kindString},
		"referrer":        {kind: kindString},
		"ip":              {kind: kindString},
		"user_agent":      {kind: kindString},
		"timezone":        {kind: kindString},
		"locale":          {kind: kindString},
		"screen_width":    {kind: kindInteger},
		"screen_height":   {kind: kindInteger},
		"viewport_width":  {kind: kindInteger},
		"viewport_height": {kind: kindInteger},
	}},
}

// checkShape reports JSON type mismatches for known fields and removes the
// offending keys so the typed decode that follows cannot fail on them. Nulls
// are treated as absent. Unknown keys are dropped.
func checkShape(obj map[string]any, shape map[string]field, path string, flagged map[string]bool, prefix string, problems *Violations) {
	for key, value := range obj {
		rule, known := shape[key]
		if !known || value == nil || rule.kind == kindStripped {
			delete(obj, key)
			continue
		}
		fieldPath := key
		if path != "" {
			fieldPath = path + "." + key
		}

		ok := true
		msg := ""
		switch rule.kind {
		case kindString:
			_, ok = value.(string)
			msg = "must be a string"
		case kindInteger:
			n, isNum := value.(json.Number)
			if isNum {
				_, err := n.Int64()
				ok = err == nil
			} else {
				ok = false
			}
			msg = "must be an integer"
		case kindObject:
			var nested map[string]any
			nested, ok = value.(map[string]any)
			msg = "must be an object"
			if ok && rule.fields != nil {
				checkShape(nested, rule.fields, fieldPath, flagged, prefix, problems)
			}
		}
		if !ok {
			problems.add(prefix+fieldPath, msg)
			flagged[fieldPath] = true
			delete(obj, key)
		}
	}
}
