package provenance

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/chaintrace/pkg/canonicalize"
)

// EnvelopeVersion is the wire format version written by this package.
const EnvelopeVersion = "1.0.0"

// supportedEnvelopes accepts every 1.x envelope.
var supportedEnvelopes = mustConstraint("^1.0.0")

var (
	// ErrMalformedEnvelope is returned when on-chain data is not a valid envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnsupportedVersion is returned for envelopes from an incompatible writer.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

// Envelope is the JSON document carried in a ledger transaction.
type Envelope struct {
	Version       string          `json:"version"`
	Package       DataPackage     `json:"package"`
	Signature     string          `json:"signature"`
	Scheme        string          `json:"scheme"`
	InlinePayload json.RawMessage `json:"inline_payload,omitempty"`
}

// EncodeEnvelope serializes rec (and the canonical payload, when inline is
// non-empty) into canonical JSON.
func EncodeEnvelope(rec *SignedRecord, inline []byte) ([]byte, error) {
	env := Envelope{
		Version:   EnvelopeVersion,
		Package:   rec.Package,
		Signature: hex.EncodeToString(rec.Signature),
		Scheme:    rec.SignatureScheme,
	}
	if len(inline) > 0 {
		env.InlinePayload = json.RawMessage(inline)
	}
	data, err := canonicalize.Canonicalize(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses data into a signed record and the inline payload
// bytes (nil when the payload was not inlined). Numbers in metadata decode as
// json.Number so that re-canonicalizing reproduces the signed bytes.
func DecodeEnvelope(data []byte) (*SignedRecord, []byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	v, err := semver.NewVersion(env.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, env.Version)
	}
	if !supportedEnvelopes.Check(v) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
	}

	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: signature: %v", ErrMalformedEnvelope, err)
	}
	if !env.Package.TypeTag.Valid() {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, &InvalidTypeTagError{Tag: string(env.Package.TypeTag)})
	}

	rec := &SignedRecord{
		Package:         env.Package,
		Signature:       sig,
		SignatureScheme: env.Scheme,
	}
	var inline []byte
	if len(env.InlinePayload) > 0 {
		inline = []byte(env.InlinePayload)
	}
	return rec, inline, nil
}

// DecodePayload turns inline payload bytes back into a value that
// canonicalizes to the same bytes.
func DecodePayload(inline []byte) (any, error) {
	if len(inline) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(inline))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: inline payload: %v", ErrMalformedEnvelope, err)
	}
	return v, nil
}

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}
