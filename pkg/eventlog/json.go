package eventlog

import (
	"encoding/json"
	"fmt"
)

func jsonPayload(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal payload: %w", err)
	}
	return string(raw), nil
}

func decodePayload(raw string, out *map[string]any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("eventlog: unmarshal payload: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
