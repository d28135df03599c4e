package core

import orchestrator "github.com/goliatone/go-orchestrator"

// mergePatch applies an RFC 7386 JSON merge patch to target and returns a new
// map. Nested objects merge recursively; a nil value deletes the key; any
// other value, arrays included, replaces the existing one.
func mergePatch(target, patch map[string]any) map[string]any {
	out := orchestrator.CloneMap(target)
	if out == nil {
		out = map[string]any{}
	}
	for key, value := range patch {
		if value == nil {
			delete(out, key)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			current, _ := out[key].(map[string]any)
			out[key] = mergePatch(current, nested)
			continue
		}
		out[key] = cloneAny(value)
	}
	return out
}

func cloneAny(v any) any {
	wrapped := orchestrator.CloneMap(map[string]any{"v": v})
	return wrapped["v"]
}
