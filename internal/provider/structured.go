package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaPrompt rewrites a prompt so the model returns JSON matching the
// schema. Providers without native schema enforcement rely on this.
func SchemaPrompt(prompt string, schema map[string]any) string {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		schemaJSON = []byte("{}")
	}
	return fmt.Sprintf(`%s

IMPORTANT: You must respond with valid JSON that matches this exact schema:
%s

Return ONLY the JSON object, no additional text or markdown formatting.`, prompt, schemaJSON)
}

// ParseStructured cleans a model reply (stripping markdown code fences) and
// parses it as JSON, then checks the top-level shape against the schema.
// Failures return KindUnknown: the model produced garbage, which a retry or
// another provider may fix.
func ParseStructured(providerName, text string, schema map[string]any) (json.RawMessage, error) {
	cleaned := stripCodeFence(strings.TrimSpace(text))

	var value any
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		return nil, NewError(providerName, KindUnknown, 0, "malformed structured output: "+err.Error(), err)
	}

	if err := checkShape(value, schema); err != nil {
		return nil, NewError(providerName, KindUnknown, 0, "structured output does not match schema: "+err.Error(), err)
	}

	return json.RawMessage(cleaned), nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		// Drop the language tag line ("json" or empty).
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// checkShape validates the top-level JSON type and, for objects, presence of
// the schema's required properties. Deep validation is the caller's business.
func checkShape(value any, schema map[string]any) error {
	declared, _ := schema["type"].(string)

	switch declared {
	case "object", "":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a JSON object, got %T", value)
		}
		required, _ := schema["required"].([]any)
		for _, r := range required {
			name, _ := r.(string)
			if name == "" {
				continue
			}
			if _, present := obj[name]; !present {
				return fmt.Errorf("missing required property %q", name)
			}
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected a JSON array, got %T", value)
		}
	}
	return nil
}
