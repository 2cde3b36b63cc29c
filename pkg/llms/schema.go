package llms

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a plain JSON schema map from a Go struct. The result is
// inlined (no $ref / $defs) so every provider can consume it directly.
func SchemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal schema: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("failed to unmarshal schema: %v", err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// NormalizeSchema unwraps the OpenAI response_format wire forms into a bare
// JSON schema and strips "title" keys, which Gemini rejects. Returns nil for
// the plain {"type": "json_object"} form (no schema constraint).
func NormalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}

	if t, ok := schema["type"].(string); ok {
		switch t {
		case "json_object":
			return nil
		case "json_schema":
			if wrapper, ok := schema["json_schema"].(map[string]any); ok {
				if inner, ok := wrapper["schema"].(map[string]any); ok {
					schema = inner
				}
			}
		}
	}

	return stripTitles(schema).(map[string]any)
}

func stripTitles(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if k == "title" {
				continue
			}
			out[k] = stripTitles(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = stripTitles(item)
		}
		return out
	default:
		return v
	}
}
