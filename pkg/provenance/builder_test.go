package provenance

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/chaintrace/pkg/canonicalize"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
)

func fixedClock(sec int64) func() time.Time {
	return func() time.Time { return time.Unix(sec, 0) }
}

func TestBuild_Basic(t *testing.T) {
	b := NewBuilder(nil, WithClock(fixedClock(1700000000)))

	pkg, err := b.Build(map[string]any{"acc": 0.95}, TagMLModel, map[string]any{"run": "r1"})
	require.NoError(t, err)

	assert.Equal(t, TagMLModel, pkg.TypeTag)
	assert.Equal(t, digest.SHA256, pkg.HashAlgorithm)
	assert.Equal(t, int64(1700000000), pkg.Timestamp)
	assert.Empty(t, pkg.Submitter)
	assert.False(t, pkg.PayloadHash.IsZero())

	// hash of the canonical document
	want := (&digest.Engine{}).Digest([]byte(`{"metadata":{"run":"r1"},"payload":{"acc":0.95}}`))
	assert.Equal(t, want, pkg.PayloadHash)
}

func TestBuild_IdempotentExceptTimestamp(t *testing.T) {
	now := int64(100)
	b := NewBuilder(nil, WithClock(func() time.Time { now++; return time.Unix(now, 0) }))

	p1, err := b.Build("hello", TagGenericText, map[string]any{"a": 1})
	require.NoError(t, err)
	p2, err := b.Build("hello", TagGenericText, map[string]any{"a": 1})
	require.NoError(t, err)

	assert.Equal(t, p1.PayloadHash, p2.PayloadHash)
	assert.NotEqual(t, p1.Timestamp, p2.Timestamp)
	p2.Timestamp = p1.Timestamp
	assert.Equal(t, p1, p2)
}

func TestBuild_NumericFormsAndOrderIrrelevant(t *testing.T) {
	b := NewBuilder(nil)

	h1, err := b.Digest(map[string]any{"n": 1, "x": "y"}, map[string]any{"k": int64(3), "j": 2.5})
	require.NoError(t, err)
	h2, err := b.Digest(map[string]any{"x": "y", "n": 1.0}, map[string]any{"j": json.Number("2.5"), "k": 3.0})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestBuild_EmptyInputIsEmptyDigest(t *testing.T) {
	b := NewBuilder(nil)
	pkg, err := b.Build(nil, TagOther, nil)
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", pkg.PayloadHash.Hex())

	// empty metadata map is the same as none
	pkg2, err := b.Build(nil, TagOther, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, pkg.PayloadHash, pkg2.PayloadHash)
}

func TestBuild_TamperChangesHash(t *testing.T) {
	b := NewBuilder(nil)
	base, err := b.Digest("payload bytes", map[string]any{"site": "A"})
	require.NoError(t, err)

	payloadTampered, err := b.Digest("payload bytez", map[string]any{"site": "A"})
	require.NoError(t, err)
	metaTampered, err := b.Digest("payload bytes", map[string]any{"site": "B"})
	require.NoError(t, err)

	assert.NotEqual(t, base, payloadTampered)
	assert.NotEqual(t, base, metaTampered)
}

func TestBuild_InvalidTag(t *testing.T) {
	b := NewBuilder(nil)
	_, err := b.Build("x", TypeTag("weather"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTypeTag)

	var tagErr *InvalidTypeTagError
	require.ErrorAs(t, err, &tagErr)
	assert.Equal(t, "weather", tagErr.Tag)
}

func TestBuild_UnsupportedMetadata(t *testing.T) {
	b := NewBuilder(nil)
	_, err := b.Build("x", TagOther, map[string]any{"fn": func() {}})
	assert.ErrorIs(t, err, canonicalize.ErrUnsupportedType)
}

func TestBuild_MetadataIsCopied(t *testing.T) {
	b := NewBuilder(nil)
	meta := map[string]any{"nested": map[string]any{"v": 1}}
	pkg, err := b.Build("x", TagOther, meta)
	require.NoError(t, err)

	meta["nested"].(map[string]any)["v"] = 2
	meta["extra"] = true

	again, err := b.Digest("x", pkg.Metadata)
	require.NoError(t, err)
	assert.Equal(t, pkg.PayloadHash, again)

	clone := pkg.CloneMetadata()
	clone["nested"].(map[string]any)["v"] = 99
	assert.Equal(t, json.Number("1"), pkg.Metadata["nested"].(map[string]any)["v"])
}

func TestBuild_HashAlgorithm(t *testing.T) {
	e, err := digest.NewEngine(digest.Keccak256)
	require.NoError(t, err)
	b := NewBuilder(e)

	pkg, err := b.Build("x", TagOther, nil)
	require.NoError(t, err)
	assert.Equal(t, digest.Keccak256, pkg.HashAlgorithm)
	assert.Equal(t, e.Digest([]byte(`{"metadata":null,"payload":"x"}`)), pkg.PayloadHash)
}

func TestAssemble_Placement(t *testing.T) {
	locate := func(h digest.Hash) string { return "s3://bucket/" + h.Hex() }
	big := strings.Repeat("a", 100)

	t.Run("inline", func(t *testing.T) {
		b := NewBuilder(nil, WithInlineLimit(1024), WithLocator(locate))
		a, err := b.Assemble(big, TagGenericText, nil)
		require.NoError(t, err)
		assert.True(t, a.Inline)
		assert.False(t, a.Offloaded)
		assert.Equal(t, `"`+big+`"`, string(a.Payload))
		assert.Nil(t, a.Package.Metadata)
	})

	t.Run("offloaded", func(t *testing.T) {
		b := NewBuilder(nil, WithInlineLimit(10), WithLocator(locate))
		a, err := b.Assemble(big, TagGenericText, map[string]any{"k": "v"})
		require.NoError(t, err)
		assert.False(t, a.Inline)
		require.True(t, a.Offloaded)

		content, err := OffloadedContentHash(b.Engine(), big)
		require.NoError(t, err)
		assert.Equal(t, content, a.ContentHash)
		assert.Equal(t, content.Hex(), a.Package.Metadata[MetaContentHash])
		assert.Equal(t, "s3://bucket/"+content.Hex(), a.Package.Metadata[MetaStorageLocator])

		// the package hash covers the reserved keys
		h, err := b.Digest(big, a.Package.Metadata)
		require.NoError(t, err)
		assert.Equal(t, a.Package.PayloadHash, h)
	})

	t.Run("hash only", func(t *testing.T) {
		b := NewBuilder(nil, WithInlineLimit(0))
		a, err := b.Assemble(big, TagGenericText, nil)
		require.NoError(t, err)
		assert.False(t, a.Inline)
		assert.False(t, a.Offloaded)
		assert.Nil(t, a.Package.Metadata)
	})
}

func TestSigningBytes(t *testing.T) {
	var h digest.Hash
	h[0] = 0xab
	p := &DataPackage{PayloadHash: h, TypeTag: TagDonation, Timestamp: 42, Submitter: "0xabc"}
	assert.Equal(t, h.Hex()+":donation:42:0xabc", string(p.SigningBytes()))
}

func TestParseTypeTag(t *testing.T) {
	for _, tag := range TypeTags() {
		got, err := ParseTypeTag(string(tag))
		require.NoError(t, err)
		assert.Equal(t, tag, got)
	}
	_, err := ParseTypeTag("ML_MODEL")
	assert.ErrorIs(t, err, ErrInvalidTypeTag)
}
