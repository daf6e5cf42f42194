package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Range bounds a numeric payload field. Nil bounds are open.
type Range struct {
	Gt  *float64 `json:"gt,omitempty"`
	Gte *float64 `json:"gte,omitempty"`
	Lt  *float64 `json:"lt,omitempty"`
	Lte *float64 `json:"lte,omitempty"`
}

// Condition is a single predicate on a payload field. Exactly one of Match
// or Range is set.
type Condition struct {
	Field string `json:"field"`
	Match any    `json:"match,omitempty"`
	Range *Range `json:"range,omitempty"`
}

// Filter is a conjunction of conditions. A nil or empty filter matches everything.
type Filter struct {
	Must []Condition `json:"must,omitempty"`
}

// MatchCondition builds an equality predicate.
func MatchCondition(field string, value any) Condition {
	return Condition{Field: field, Match: value}
}

// RangeCondition builds a numeric range predicate.
func RangeCondition(field string, r Range) Condition {
	return Condition{Field: field, Range: &r}
}

// NewFilter builds a conjunctive filter.
func NewFilter(conds ...Condition) *Filter {
	return &Filter{Must: conds}
}

// FieldMatch is shorthand for a single-equality filter.
func FieldMatch(field string, value any) *Filter {
	return NewFilter(MatchCondition(field, value))
}

// IsEmpty reports whether the filter has no conditions.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.Must) == 0
}

// Validate checks that each condition names a field and exactly one predicate.
func (f *Filter) Validate() error {
	if f == nil {
		return nil
	}
	for i, c := range f.Must {
		if c.Field == "" {
			return fmt.Errorf("%w: condition %d has no field", ErrInvalidQuery, i)
		}
		if (c.Match == nil) == (c.Range == nil) {
			return fmt.Errorf("%w: condition %d on %q needs exactly one of match or range", ErrInvalidQuery, i, c.Field)
		}
	}
	return nil
}

// Matches evaluates the filter against a payload.
// A condition on a missing field never matches.
func (f *Filter) Matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		v, ok := payload[c.Field]
		if !ok {
			return false
		}
		if c.Range != nil {
			n, ok := ToFloat(v)
			if !ok || !c.Range.contains(n) {
				return false
			}
			continue
		}
		if ValueKey(v) != ValueKey(c.Match) {
			return false
		}
	}
	return true
}

func (r *Range) contains(n float64) bool {
	if r.Gt != nil && !(n > *r.Gt) {
		return false
	}
	if r.Gte != nil && !(n >= *r.Gte) {
		return false
	}
	if r.Lt != nil && !(n < *r.Lt) {
		return false
	}
	if r.Lte != nil && !(n <= *r.Lte) {
		return false
	}
	return true
}

// ValueKey renders a payload value in the canonical form used for equality
// and secondary index keys, so 2025, int64(2025) and json.Number("2025")
// compare equal.
func ValueKey(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// ToFloat converts a numeric payload value. Numeric strings are accepted.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
