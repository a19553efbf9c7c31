package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TimeText formats a timestamp for a TEXT column.
func TimeText(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a TEXT timestamp back.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse time %q: %w", s, err)
	}
	return t, nil
}

// ParseNullTime reads an optional TEXT timestamp into a pointer.
func ParseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// NullTimeText formats an optional timestamp for a nullable TEXT column.
func NullTimeText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return TimeText(*t)
}

// NullStr maps "" to NULL so partial indexes and IS NULL checks behave.
func NullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// JSONText marshals v for a JSON TEXT column; nil maps are stored as NULL.
func JSONText(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal json column: %w", err)
	}
	return string(b), nil
}

// ScanJSON unmarshals a nullable JSON TEXT column into out.
func ScanJSON(ns sql.NullString, out any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), out); err != nil {
		return fmt.Errorf("store: unmarshal json column: %w", err)
	}
	return nil
}
