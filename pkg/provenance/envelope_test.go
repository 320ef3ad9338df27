package provenance

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedFixture(t *testing.T) (*SignedRecord, *Assembly) {
	t.Helper()
	b := NewBuilder(nil, WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	a, err := b.Assemble(map[string]any{"acc": 0.95, "layers": []any{64, 32}}, TagMLModel,
		map[string]any{"run": "r1", "lr": 0.001, "epochs": 10})
	require.NoError(t, err)
	pkg := a.Package.Clone()
	pkg.Submitter = "0x00000000000000000000000000000000000000aa"
	return &SignedRecord{Package: *pkg, Signature: []byte{1, 2, 3}, SignatureScheme: "ed25519"}, a
}

func TestEnvelope_RoundTrip(t *testing.T) {
	rec, a := signedFixture(t)

	data, err := EncodeEnvelope(rec, a.Payload)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `{"inline_payload":{"acc":0.95,"layers":[64,32]}`))

	got, inline, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, a.Payload, inline)
	assert.Equal(t, rec.Signature, got.Signature)
	assert.Equal(t, rec.SignatureScheme, got.SignatureScheme)
	assert.Equal(t, rec.Package.PayloadHash, got.Package.PayloadHash)
	assert.Equal(t, rec.Package.SigningBytes(), got.Package.SigningBytes())

	// decoded metadata and payload reproduce the package hash
	payload, err := DecodePayload(inline)
	require.NoError(t, err)
	h, err := ComputeHash(nil, payload, got.Package.Metadata)
	require.NoError(t, err)
	assert.Equal(t, rec.Package.PayloadHash, h)

	// re-encoding is byte-identical
	again, err := EncodeEnvelope(got, inline)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestEnvelope_NoInline(t *testing.T) {
	rec, _ := signedFixture(t)
	data, err := EncodeEnvelope(rec, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "inline_payload")

	_, inline, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Nil(t, inline)
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	_, _, err := DecodeEnvelope([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, _, err = DecodeEnvelope([]byte(`{"version":"2.0.0","package":{"type_tag":"other"},"signature":"","scheme":"ed25519"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, _, err = DecodeEnvelope([]byte(`{"version":"banana","package":{"type_tag":"other"},"signature":"","scheme":"ed25519"}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, _, err = DecodeEnvelope([]byte(`{"version":"1.0.0","package":{"type_tag":"other"},"signature":"zz","scheme":"ed25519"}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, _, err = DecodeEnvelope([]byte(`{"version":"1.0.0","package":{"type_tag":"weather"},"signature":"","scheme":"ed25519"}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
	assert.ErrorIs(t, err, ErrInvalidTypeTag)

	// minor versions stay compatible
	_, _, err = DecodeEnvelope([]byte(`{"version":"1.3.0","package":{"type_tag":"other"},"signature":"","scheme":"ed25519"}`))
	assert.NoError(t, err)
}
