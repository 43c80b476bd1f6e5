package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Options is a resolved task option set: string keys to scalars, lists or
// structured values.
type Options map[string]any

// String returns the option as a string, or "" when absent.
func (o Options) String(key string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the option as an int, or def when absent or not numeric.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Bool reports whether the option is set to a true value. Strings are
// parsed with strconv.ParseBool plus "yes" and "on".
func (o Options) Bool(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if s == "yes" || s == "on" {
			return true
		}
		b, _ := strconv.ParseBool(s)
		return b
	}
	return false
}

// Strings returns the option as a string list. A plain string is split on
// commas.
func (o Options) Strings(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	return nil
}

// Map returns the option as a nested mapping, or nil when it is not one.
func (o Options) Map(key string) map[string]any {
	if m, ok := o[key].(map[string]any); ok {
		return m
	}
	return nil
}
