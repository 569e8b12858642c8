package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// marshalJSON is the single marshal entry point for model types.
func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// binaryPlaceholder is the documented stand-in for bodies that cannot be
// represented as text.
func binaryPlaceholder(size int) string {
	return fmt.Sprintf("[binary content: %d bytes]", size)
}

// BinaryPlaceholder renders the placeholder used wherever a non-text body
// must appear in a text field (JSON output, HAR content).
func BinaryPlaceholder(size int) string {
	return binaryPlaceholder(size)
}
