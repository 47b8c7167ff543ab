package record

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// millisTimestamp is implemented by platform timestamp objects that expose
// epoch milliseconds.
type millisTimestamp interface {
	ToMillis() int64
}

// timeTimestamp is implemented by timestamp objects with a time conversion
// accessor (for example protobuf's timestamppb.Timestamp).
type timeTimestamp interface {
	AsTime() time.Time
}

// dateTimestamp is the ToDate accessor shape used by document-store SDKs.
type dateTimestamp interface {
	ToDate() time.Time
}

// timeLayouts are tried in order when parsing string timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// ParseTime extracts a comparable timestamp from v. Supported shapes: epoch
// milliseconds (any numeric type or json.Number), ISO-8601 strings,
// time.Time, objects with ToMillis/AsTime/ToDate accessors, and serialized
// {seconds, nanoseconds} maps. Non-positive epochs count as missing.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}

		return *t, !t.IsZero()
	case string:
		return parseTimeString(t)
	case millisTimestamp:
		return fromMillis(float64(t.ToMillis()))
	case timeTimestamp:
		tt := t.AsTime()
		return tt, !tt.IsZero()
	case dateTimestamp:
		tt := t.ToDate()
		return tt, !tt.IsZero()
	case map[string]any:
		return parseSecondsMap(t)
	}

	if n, ok := Number(v); ok {
		return fromMillis(n)
	}

	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromMillis(n)
	}

	return time.Time{}, false
}

func parseSecondsMap(m map[string]any) (time.Time, bool) {
	secs, ok := Number(m["seconds"])
	if !ok {
		secs, ok = Number(m["_seconds"])
	}

	if !ok {
		return time.Time{}, false
	}

	nanos, ok := Number(m["nanoseconds"])
	if !ok {
		nanos, _ = Number(m["_nanoseconds"])
	}

	t := time.Unix(int64(secs), int64(nanos))

	return t, secs > 0
}

func fromMillis(ms float64) (time.Time, bool) {
	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, false
	}

	return time.UnixMilli(int64(ms)), true
}

// Number converts any numeric representation to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool reads a boolean value, accepting the strings "true" and "false".
func Bool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	default:
		return false, false
	}
}

// String reads a string value.
func String(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
