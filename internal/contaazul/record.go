package contaazul

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Record is one remote object exactly as the provider returned it.
// Numbers are kept as json.Number so nothing is lost to float conversion.
type Record map[string]any

// ExternalID returns the provider's stable identifier for the record.
func (r Record) ExternalID() string {
	value := String(r, "id", "uuid")
	if value == nil {
		return ""
	}
	return *value
}

// String extracts the first present scalar under keys. Only strings, numbers
// and booleans are trusted; other shapes are skipped in favour of the next
// key. Keys may be dotted paths into nested objects.
func String(record Record, keys ...string) *string {
	for _, key := range keys {
		value, ok := lookup(record, key)
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case string:
			trimmed := strings.TrimSpace(typed)
			if trimmed == "" {
				continue
			}
			return &trimmed
		case json.Number:
			text := typed.String()
			return &text
		case float64:
			text := strconv.FormatFloat(typed, 'f', -1, 64)
			return &text
		case bool:
			text := strconv.FormatBool(typed)
			return &text
		default:
			continue
		}
	}
	return nil
}

// Float extracts the first numeric value under keys. Numeric strings are accepted.
// Values that do not parse fall through to the next key.
func Float(record Record, keys ...string) *float64 {
	for _, key := range keys {
		value, ok := lookup(record, key)
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case json.Number:
			parsed, err := typed.Float64()
			if err != nil {
				continue
			}
			return &parsed
		case float64:
			parsed := typed
			return &parsed
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
			if err != nil {
				continue
			}
			return &parsed
		default:
			continue
		}
	}
	return nil
}

// Bool extracts the first boolean under keys.
func Bool(record Record, keys ...string) *bool {
	for _, key := range keys {
		value, ok := lookup(record, key)
		if !ok || value == nil {
			continue
		}
		typed, isBool := value.(bool)
		if !isBool {
			continue
		}
		return &typed
	}
	return nil
}

func lookup(record Record, key string) (any, bool) {
	var current any = map[string]any(record)
	for _, segment := range strings.Split(key, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func decodeJSON(body []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	return decoder.Decode(target)
}
