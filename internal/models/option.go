package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LoadState tracks whether an option set has been fetched for its scope.
type LoadState string

const (
	// LoadStateAbsent means nothing was requested yet or the scope is incomplete.
	LoadStateAbsent LoadState = "absent"
	// LoadStatePending means a fetch is in flight.
	LoadStatePending LoadState = "pending"
	// LoadStatePresent means the items reflect a completed fetch.
	LoadStatePresent LoadState = "present"
)

// Option is one selectable entry of a level.
type Option struct {
	ID    string                 `json:"id"`
	Label string                 `json:"label"`
	Raw   map[string]interface{} `json:"raw,omitempty"`
}

// OptionSet holds the options of one level for one scope, in server order.
type OptionSet struct {
	Level    string    `json:"level"`
	ScopeKey string    `json:"scope_key"`
	Items    []Option  `json:"items"`
	State    LoadState `json:"state"`
}

// EmptyOptionSet returns an unloaded set for level.
func EmptyOptionSet(level, scopeKey string) OptionSet {
	return OptionSet{Level: level, ScopeKey: scopeKey, Items: []Option{}, State: LoadStateAbsent}
}

// Contains reports whether id is one of the set's items.
func (s OptionSet) Contains(id string) bool {
	id = NormalizeID(id)
	if id == "" {
		return false
	}
	for _, item := range s.Items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// Loaded reports whether the set reflects a completed fetch.
func (s OptionSet) Loaded() bool {
	return s.State == LoadStatePresent
}

// NormalizeID renders ids in their canonical string form so numeric ids from one
// endpoint match string ids from another.
func NormalizeID(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return normalizeNumber(val)
	case json.Number:
		return normalizeNumber(val.String())
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// normalizeNumber canonicalises decimal literals such as "1.0" or "9" and trims
// anything else. Leading zeros mark a code, not a number, and are kept.
func normalizeNumber(raw string) string {
	raw = strings.TrimSpace(raw)
	if !isDecimal(raw) {
		return raw
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return raw
}

func isDecimal(s string) bool {
	digits := strings.TrimPrefix(s, "-")
	if digits == "" || (len(digits) > 1 && digits[0] == '0' && digits[1] != '.') {
		return false
	}
	dot := false
	for i, c := range digits {
		switch {
		case c >= '0' && c <= '9':
		case c == '.' && !dot && i > 0 && i < len(digits)-1:
			dot = true
		default:
			return false
		}
	}
	return true
}
