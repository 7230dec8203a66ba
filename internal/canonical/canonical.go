// Package canonical produces deterministic JSON for ledger event envelopes so that the bytes
// that are signed, produced to Kafka and archived to S3 are identical for identical events.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal returns deterministic JSON bytes for any JSON-encodable value.
// Object keys are sorted, array order is kept, numbers keep their textual form and
// HTML characters are not escaped.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	// Round-trip through a generic tree: encoding/json writes map keys in sorted order,
	// and UseNumber stops large integers from passing through float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
