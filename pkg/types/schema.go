package types

// ParsedSchema is a flat field-name to type-hint map parsed from
// loosely-formatted user text (strict JSON or JS-object-literal syntax).
// A nil ParsedSchema means "no schema": extraction proceeds unstructured.
type ParsedSchema struct {
	// Raw is the original schema text as supplied by the user.
	Raw string

	// Properties maps field names to type hints ("string", "number", ...).
	Properties map[string]string
}

// Keys returns the schema's field names. Order is not specified.
func (s *ParsedSchema) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	return keys
}
