package instrument

import (
	"encoding/json"
	"fmt"
)

// Serialize converts an arbitrary argument or return value into a
// JSON-compatible form for storage inside a call record. Values that cannot
// be represented (channels, funcs, cyclic graphs, marshalers that panic)
// degrade to a placeholder instead of failing the recorded call.
func Serialize(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = placeholder(v, fmt.Sprintf("panic during serialization: %v", r))
		}
	}()

	if v == nil {
		return nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return placeholder(v, err.Error())
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return placeholder(v, err.Error())
	}
	return decoded
}

// SerializeMap serializes every value of a string-keyed map, preserving keys.
func SerializeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Serialize(v)
	}
	return out
}

func placeholder(v any, reason string) map[string]any {
	return map[string]any{
		"unserializable": true,
		"type":           fmt.Sprintf("%T", v),
		"reason":         reason,
	}
}
