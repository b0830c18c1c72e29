package internal

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// system fields maintained by the store
const (
	FieldID        = "_id"
	FieldCreatedAt = "_createdAt"
	FieldUpdatedAt = "_updatedAt"
	FieldDeletedAt = "_deletedAt"
)

// IsSystemField returns true if the name is reserved for a system field.
func IsSystemField(name string) bool {
	switch name {
	case FieldID, FieldCreatedAt, FieldUpdatedAt, FieldDeletedAt:
		return true
	}
	return false
}

// Document is a stored record: field name to value plus the system fields.
type Document map[string]any

// ID returns the document identifier or an empty string.
func (d Document) ID() string {
	if id, ok := d[FieldID].(string); ok {
		return id
	}
	return ""
}

// IsDeleted returns true if the document was soft deleted.
func (d Document) IsDeleted() bool {
	v, ok := d[FieldDeletedAt]
	return ok && v != nil
}

func (d Document) String() string {
	return "Document[id=" + d.ID() + "]"
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(CloneValue(map[string]any(d)).(map[string]any))
}

// CloneValue returns a deep copy of maps and slices found in v.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		res := make(map[string]any, len(t))
		for k, val := range t {
			res[k] = CloneValue(val)
		}
		return res
	case Document:
		return Document(CloneValue(map[string]any(t)).(map[string]any))
	case []any:
		res := make([]any, len(t))
		for i, val := range t {
			res[i] = CloneValue(val)
		}
		return res
	}
	return v
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDate parses an ISO-8601 date or date-time string.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date: %q", s)
}

// FormatDate formats a time the way dates are stored.
func FormatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// FromEpochMillis converts milliseconds since the unix epoch to a time.
func FromEpochMillis(ms float64) time.Time {
	sec, frac := math.Modf(ms / 1000)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// ToFloat converts numeric values (and optionally numeric strings) to a float64.
func ToFloat(v any, parseStrings bool) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		return f, err == nil
	case string:
		if !parseStrings {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// ToTime converts a time, an ISO string or (when allowNumbers) epoch milliseconds to a time.
func ToTime(v any, allowNumbers bool) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	case string:
		if ts, err := ParseDate(t); err == nil {
			return ts, true
		}
		if allowNumbers {
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return FromEpochMillis(f), true
			}
		}
		return time.Time{}, false
	}
	if allowNumbers {
		if f, ok := ToFloat(v, false); ok {
			return FromEpochMillis(f), true
		}
	}
	return time.Time{}, false
}
