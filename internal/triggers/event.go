package triggers

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Event is an <Object>.<action> occurrence. Handlers see it as $.
type Event struct {
	ID         string         `json:"id,omitempty"`
	Object     string         `json:"object"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload"`
	RequestID  string         `json:"request_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Name returns "<Object>.<action>".
func (e *Event) Name() string {
	return e.Object + "." + e.Action
}

// Get resolves a dotted path into the payload. A leading "$." is allowed.
func (e *Event) Get(path string) Value {
	path = strings.TrimPrefix(strings.TrimPrefix(path, "$"), ".")
	if path == "" {
		return Value{v: e.Payload, ok: true}
	}

	var cur any = e.Payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return Value{}
		}
		if cur, ok = m[part]; !ok {
			return Value{}
		}
	}
	return Value{v: cur, ok: true}
}

// Value is a payload field. Comparisons on a missing field are false.
type Value struct {
	v  any
	ok bool
}

// Exists reports whether the field is present.
func (v Value) Exists() bool { return v.ok }

// Raw returns the underlying value.
func (v Value) Raw() any { return v.v }

// String returns the value formatted for display.
func (v Value) String() string {
	if s, ok := v.v.(string); ok {
		return s
	}
	return fmt.Sprint(v.v)
}

func (v Value) Gt(other any) bool  { c, ok := v.compare(other); return ok && c > 0 }
func (v Value) Gte(other any) bool { c, ok := v.compare(other); return ok && c >= 0 }
func (v Value) Lt(other any) bool  { c, ok := v.compare(other); return ok && c < 0 }
func (v Value) Lte(other any) bool { c, ok := v.compare(other); return ok && c <= 0 }

// Eq compares numbers by value and everything else structurally.
func (v Value) Eq(other any) bool {
	if !v.ok {
		return false
	}
	if c, ok := v.compare(other); ok {
		return c == 0
	}
	return reflect.DeepEqual(v.v, other)
}

// Contains reports substring, element or key membership.
func (v Value) Contains(other any) bool {
	if !v.ok {
		return false
	}
	switch x := v.v.(type) {
	case string:
		s, ok := other.(string)
		return ok && strings.Contains(x, s)
	case []any:
		for _, item := range x {
			if (Value{v: item, ok: true}).Eq(other) {
				return true
			}
		}
	case map[string]any:
		key, ok := other.(string)
		if ok {
			_, found := x[key]
			return found
		}
	}
	return false
}

func (v Value) compare(other any) (int, bool) {
	if !v.ok {
		return 0, false
	}
	if a, ok := toFloat(v.v); ok {
		b, ok := toFloat(other)
		if !ok {
			return 0, false
		}
		switch {
		case a < b:
			return -1, true
		case a > b:
			return 1, true
		}
		return 0, true
	}
	if a, ok := v.v.(string); ok {
		b, ok := other.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(a, b), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
