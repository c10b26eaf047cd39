package translate

// SanitizeSchema normalizes a client tool JSON-Schema into the subset the
// upstream accepts. It never fails; unknown shapes pass through untouched.
// The input is not modified.
func SanitizeSchema(schema map[string]any) map[string]any {
	out, _ := sanitizeValue(schema).(map[string]any)
	return out
}

// forbiddenKeys are removed wherever they appear at schema level. They are
// kept verbatim when they are property names inside a properties map.
var forbiddenKeys = map[string]bool{
	"$schema":           true,
	"$id":               true,
	"$ref":              true,
	"definitions":       true,
	"$defs":             true,
	"exclusiveMinimum":  true,
	"exclusiveMaximum":  true,
	"minimum":           true,
	"maximum":           true,
	"minLength":         true,
	"maxLength":         true,
	"minItems":          true,
	"maxItems":          true,
	"propertyNames":     true,
	"patternProperties": true,
	"additionalItems":   true,
	"default":           true,
	"pattern":           true,
	"contentMediaType":  true,
	"contentEncoding":   true,
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return sanitizeSchemaNode(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

// sanitizeSchemaNode processes one schema-level object. Keys of a nested
// properties map are property names, not schema keywords; their values are
// schema-level again.
func sanitizeSchemaNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))

	for key, val := range node {
		if forbiddenKeys[key] {
			continue
		}

		switch key {
		case "format":
			if s, ok := val.(string); ok && (s == "enum" || s == "date-time") {
				out[key] = s
			}

		case "additionalProperties":
			out[key] = normalizeAdditionalProperties(val)

		case "properties":
			if props, ok := val.(map[string]any); ok {
				cleaned := make(map[string]any, len(props))
				for name, sub := range props {
					cleaned[name] = sanitizeValue(sub)
				}
				out[key] = cleaned
			} else {
				out[key] = val
			}

		case "items":
			out[key] = sanitizeValue(val)

		default:
			out[key] = sanitizeValue(val)
		}
	}

	// an object with properties but no type discriminator is an object
	if _, hasProps := out["properties"]; hasProps {
		_, hasType := out["type"]
		_, hasAnyOf := out["anyOf"]
		_, hasAllOf := out["allOf"]
		_, hasOneOf := out["oneOf"]
		if !hasType && !hasAnyOf && !hasAllOf && !hasOneOf {
			out["type"] = "object"
		}
	}

	return out
}

// normalizeAdditionalProperties reduces the schema forms the upstream
// rejects: {} becomes false, {type: X} alone is kept, anything more complex
// collapses to true. Booleans pass through.
func normalizeAdditionalProperties(v any) any {
	obj, ok := v.(map[string]any)
	if !ok {
		return v
	}
	if len(obj) == 0 {
		return false
	}
	if len(obj) == 1 {
		if _, hasType := obj["type"]; hasType {
			return map[string]any{"type": obj["type"]}
		}
	}
	return true
}
