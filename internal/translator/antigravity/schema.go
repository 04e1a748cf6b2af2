package antigravity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Keys the upstream schema validator rejects outright.
var schemaBlockList = map[string]bool{
	"$schema":            true,
	"$id":                true,
	"$ref":               true,
	"$defs":              true,
	"definitions":        true,
	"oneOf":              true,
	"anyOf":              true,
	"allOf":              true,
	"not":                true,
	"const":              true,
	"exclusiveMinimum":   true,
	"exclusiveMaximum":   true,
	"patternProperties":  true,
	"propertyNames":      true,
	"dependencies":       true,
	"dependentSchemas":   true,
	"dependentRequired":  true,
	"additionalProperties": true,
	"if":                 true,
	"then":               true,
	"else":               true,
}

// Validation keywords the upstream ignores; they are preserved as a human
// readable note in the description instead of being dropped silently.
var schemaNoteKeys = []string{"minLength", "maxLength", "minItems", "maxItems", "minimum", "maximum"}

// CleanToolSchema rewrites a tool parameter JSON Schema into the subset
// the upstream accepts. The operation is idempotent: cleaning an already
// cleaned schema returns it unchanged.
func CleanToolSchema(raw []byte) []byte {
	var schema any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return raw
	}
	cleaned := cleanSchemaNode(schema, true)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return raw
	}
	return out
}

func cleanSchemaNode(node any, isSchema bool) any {
	switch value := node.(type) {
	case map[string]any:
		if !isSchema {
			return value
		}
		return cleanSchemaMap(value)
	case []any:
		out := make([]any, 0, len(value))
		for _, item := range value {
			out = append(out, cleanSchemaNode(item, isSchema))
		}
		return out
	default:
		return node
	}
}

func cleanSchemaMap(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	var notes []string

	for key, value := range schema {
		if schemaBlockList[key] {
			continue
		}
		if isNoteKey(key) {
			notes = append(notes, fmt.Sprintf("%s: %v", key, value))
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]any); ok {
				cleanedProps := make(map[string]any, len(props))
				for name, sub := range props {
					cleanedProps[name] = cleanSchemaNode(sub, true)
				}
				out["properties"] = cleanedProps
			}
		case "items":
			out["items"] = cleanSchemaNode(value, true)
		default:
			out[key] = value
		}
	}

	// ["string","null"] style union types become the base type + nullable.
	if types, ok := out["type"].([]any); ok {
		base := ""
		nullable := false
		for _, t := range types {
			if s, isString := t.(string); isString {
				if s == "null" {
					nullable = true
				} else if base == "" {
					base = s
				}
			}
		}
		if base != "" {
			out["type"] = base
			if nullable {
				out["nullable"] = true
			}
		} else {
			delete(out, "type")
		}
	}

	if len(notes) > 0 {
		sort.Strings(notes)
		note := "Constraints: " + strings.Join(notes, ", ")
		if existing, ok := out["description"].(string); ok && existing != "" {
			if !strings.Contains(existing, note) {
				out["description"] = existing + " (" + note + ")"
			}
		} else {
			out["description"] = note
		}
	}

	// Objects need a properties map, even an empty one.
	if typeName, _ := out["type"].(string); typeName == "object" {
		if _, ok := out["properties"]; !ok {
			out["properties"] = map[string]any{}
		}
	}

	// Every emitted schema carries a type.
	if _, ok := out["type"]; !ok {
		if _, hasEnum := out["enum"]; hasEnum {
			out["type"] = "string"
		} else {
			out["type"] = "object"
			if _, hasProps := out["properties"]; !hasProps {
				out["properties"] = map[string]any{}
			}
		}
	}

	return out
}

func isNoteKey(key string) bool {
	for _, candidate := range schemaNoteKeys {
		if key == candidate {
			return true
		}
	}
	return false
}
