package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical returns the canonical JSON encoding of an event: object keys
// sorted, "," and ":" separators with no spaces, no HTML escaping. The
// canonical form is the hashing input, so it must be byte-stable for equal
// payloads.
func Canonical(v any) (string, error) {
	// Round-trip through generic JSON values first so struct payloads are
	// reduced to maps, which encoding/json emits with sorted keys.
	raw, err := marshalNoEscape(v)
	if err != nil {
		return "", fmt.Errorf("canonicalizing event: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("canonicalizing event: %w", err)
	}
	out, err := marshalNoEscape(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalizing event: %w", err)
	}
	return string(bytes.TrimRight(out, "\n")), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
