package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/mandatehq/mandate/pkg/executor"
)

// Action adapts a loaded module into an executor action. The guest receives
// one JSON document on stdin ({"params": {...}}) and replies with a JSON
// object on stdout; non-JSON output is wrapped under an "output" key. No
// side effects are declared: a confined module cannot touch anything the
// kernel would need to roll back.
func (r *Runtime) Action(id, module string) *executor.Action {
	return &executor.Action{
		ID:  id,
		Run: r.handler(module),
	}
}

func (r *Runtime) handler(module string) executor.HandlerFunc {
	return func(ctx context.Context, params map[string]any) (*executor.Outcome, error) {
		if params == nil {
			params = map[string]any{}
		}
		input, err := json.Marshal(map[string]any{"params": params})
		if err != nil {
			return nil, fmt.Errorf("sandbox: encode input for %s: %w", module, err)
		}
		out, err := r.Invoke(ctx, module, input)
		if err != nil {
			return nil, err
		}
		return &executor.Outcome{Result: decodeResult(out)}, nil
	}
}

// decodeResult interprets guest stdout: a JSON object passes through, any
// other output is preserved verbatim under "output".
func decodeResult(out []byte) map[string]any {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return map[string]any{}
	}
	var result map[string]any
	if err := json.Unmarshal(trimmed, &result); err == nil {
		return result
	}
	return map[string]any{"output": string(out)}
}
