package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Args are the decoded arguments of one tool call.
//
// The numeric accessors accept JSON numbers and numeric strings alike:
// several tool schemas declare counts as strings and models are not
// consistent about quoting them.
type Args map[string]any

// UserID returns the injected user id.
func (a Args) UserID() string {
	s, _ := a[UserIDArg].(string)
	return s
}

// Has reports whether name is present and not null.
func (a Args) Has(name string) bool {
	v, ok := a[name]
	return ok && v != nil
}

// String returns a required non-empty string argument.
func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", &ErrInvalidArgument{Field: name, Reason: "is required"}
	}
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case json.Number:
		s = x.String()
	default:
		return "", &ErrInvalidArgument{Field: name, Reason: fmt.Sprintf("must be a string, got %T", v)}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", &ErrInvalidArgument{Field: name, Reason: "must not be empty"}
	}
	return s, nil
}

// Int returns a required integer argument.
func (a Args) Int(name string) (int, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, &ErrInvalidArgument{Field: name, Reason: "is required"}
	}
	return toInt(name, v)
}

// OptionalInt returns the integer argument, or def when it is absent.
func (a Args) OptionalInt(name string, def int) (int, error) {
	if !a.Has(name) {
		return def, nil
	}
	if s, ok := a[name].(string); ok && strings.TrimSpace(s) == "" {
		return def, nil
	}
	return toInt(name, a[name])
}

// Float returns a required numeric argument.
func (a Args) Float(name string) (float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, &ErrInvalidArgument{Field: name, Reason: "is required"}
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, &ErrInvalidArgument{Field: name, Reason: "must be a number"}
	}
	return f, nil
}

func toInt(name string, v any) (int, error) {
	f, err := toFloat(v)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, &ErrInvalidArgument{Field: name, Reason: "must be an integer"}
	}
	return int(f), nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
