package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/entrhq/waypoint/pkg/types"
)

var (
	// unquotedKeyRe matches bare object keys: `{name:` or `, price :`.
	unquotedKeyRe = regexp.MustCompile(`([{,]\s*)([A-Za-z_$][A-Za-z0-9_$]*)\s*:`)

	// trailingCommaRe matches trailing commas before a closing brace/bracket.
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// ParseSchema parses loosely-formatted schema text into a flat field-name to
// type-hint map. It accepts strict JSON objects as well as JS-object-literal
// syntax (unquoted keys, single quotes, trailing commas). Any parse failure
// yields nil, meaning "no schema", so callers always get a best-effort
// unstructured extraction rather than a hard failure.
func ParseSchema(text string) *types.ParsedSchema {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	raw := make(map[string]interface{})
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		if err := json.Unmarshal([]byte(normalizeObjectLiteral(trimmed)), &raw); err != nil {
			return nil
		}
	}
	if len(raw) == 0 {
		return nil
	}

	properties := make(map[string]string, len(raw))
	for key, value := range raw {
		properties[key] = typeHint(value)
	}

	return &types.ParsedSchema{Raw: text, Properties: properties}
}

// normalizeObjectLiteral rewrites JS-object-literal syntax into strict JSON.
func normalizeObjectLiteral(text string) string {
	normalized := unquotedKeyRe.ReplaceAllString(text, `$1"$2":`)
	normalized = strings.ReplaceAll(normalized, "'", `"`)
	return trailingCommaRe.ReplaceAllString(normalized, `$1`)
}

// typeHint renders a schema value as a type-hint string. String values are
// taken verbatim ("number", "string", ...); anything else is described by its
// JSON type.
func typeHint(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	case nil:
		return "string"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// ValidateAndFill shapes an extraction result against a schema: the output's
// key set equals exactly the schema's keys, with missing keys filled with nil
// and keys outside the schema dropped. A nil schema returns data unchanged.
func ValidateAndFill(schema *types.ParsedSchema, data map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return data
	}
	keys := schema.Keys()
	out := make(map[string]interface{}, len(keys))
	for _, key := range keys {
		if value, ok := data[key]; ok {
			out[key] = value
		} else {
			out[key] = nil
		}
	}
	return out
}

// Fingerprint returns the canonical serialization of an item's data, used to
// de-duplicate items across repeated discovery passes. encoding/json emits
// map keys in sorted order, which makes the serialization canonical for equal
// maps.
func Fingerprint(data map[string]interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(b)
}
