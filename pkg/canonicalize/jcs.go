// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of provenance packages.
package canonicalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
//  1. Map keys are sorted (UTF-16 code units, per RFC 8785 §3.2.3).
//  2. HTML escaping is disabled.
//  3. Numbers use the ECMAScript shortest round-trip form, so 1, int64(1),
//     1.0 and json.Number("1") all serialize as 1.
//  4. A nil value is the canonical empty input and serializes to zero bytes.
//
// Values that cannot be represented deterministically fail with an
// *UnsupportedTypeError.
func Canonicalize(v any) ([]byte, error) {
	if v == nil {
		return []byte{}, nil
	}
	if err := validate(v); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, &UnsupportedTypeError{Path: "$", Reason: err.Error()}
	}

	// json.Encoder adds a newline, the transform must not see it
	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform: %w", err)
	}
	return out, nil
}

// String returns the canonical form as a string.
func String(v any) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Normalize round-trips v through its canonical form and returns the generic
// JSON value (map[string]any, []any, string, bool, json.Number, nil) that
// encodes to exactly the same canonical bytes. Recorded metadata is stored in
// this form so that values decoded from the ledger hash identically.
func Normalize(v any) (any, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonicalize: normalize: %w", err)
	}
	return out, nil
}
