package provenance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/chaintrace/pkg/canonicalize"
	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
)

// DefaultInlineLimit is the largest canonical payload carried inside the
// transaction itself.
const DefaultInlineLimit = 16 * 1024

// Locator maps the content hash of an offloaded payload to its storage locator.
type Locator func(contentHash digest.Hash) string

// Builder turns caller data into DataPackages. It is safe for concurrent use.
type Builder struct {
	engine      *digest.Engine
	clock       func() time.Time
	schemas     *SchemaRegistry
	inlineLimit int
	locate      Locator
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) { b.clock = clock }
}

// WithSchemas enables per-tag metadata validation.
func WithSchemas(r *SchemaRegistry) Option {
	return func(b *Builder) { b.schemas = r }
}

// WithInlineLimit sets the inline payload threshold. Zero means payloads are
// never inlined and only their hash is recorded.
func WithInlineLimit(n int) Option {
	return func(b *Builder) { b.inlineLimit = n }
}

// WithLocator enables offloading of payloads above the inline limit.
func WithLocator(l Locator) Option {
	return func(b *Builder) { b.locate = l }
}

// NewBuilder creates a builder hashing with engine (nil means sha256).
func NewBuilder(engine *digest.Engine, opts ...Option) *Builder {
	if engine == nil {
		engine = &digest.Engine{}
	}
	b := &Builder{
		engine:      engine,
		clock:       time.Now,
		inlineLimit: DefaultInlineLimit,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Assembly is a built package together with the payload bytes the recorder
// may inline or offload.
type Assembly struct {
	Package *DataPackage
	// Payload is the canonical payload encoding, empty when there is no payload.
	Payload []byte
	// Inline is set when Payload fits in the transaction.
	Inline bool
	// Offloaded is set when Payload must be uploaded to Locator.
	Offloaded   bool
	ContentHash digest.Hash
	Locator     string
}

// Build creates a package for payload. Metadata is copied; the caller keeps
// ownership of the map it passed in.
func (b *Builder) Build(payload any, tag TypeTag, metadata map[string]any) (*DataPackage, error) {
	a, err := b.Assemble(payload, tag, metadata)
	if err != nil {
		return nil, err
	}
	return a.Package, nil
}

// Assemble is Build plus the payload placement decision.
func (b *Builder) Assemble(payload any, tag TypeTag, metadata map[string]any) (*Assembly, error) {
	if !tag.Valid() {
		return nil, &InvalidTypeTagError{Tag: string(tag)}
	}

	payloadBytes, err := canonicalize.Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("provenance: payload: %w", err)
	}
	meta, err := normalizeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	if err := b.schemas.Validate(tag, meta); err != nil {
		return nil, err
	}

	a := &Assembly{Payload: payloadBytes}
	switch {
	case len(payloadBytes) == 0:
	case b.inlineLimit > 0 && len(payloadBytes) <= b.inlineLimit:
		a.Inline = true
	case b.locate != nil:
		a.Offloaded = true
		a.ContentHash = b.engine.Digest(payloadBytes)
		a.Locator = b.locate(a.ContentHash)
		if meta == nil {
			meta = make(map[string]any, 2)
		}
		meta[MetaContentHash] = a.ContentHash.Hex()
		meta[MetaStorageLocator] = a.Locator
	}

	h, err := hashDocument(b.engine, payloadBytes, meta)
	if err != nil {
		return nil, err
	}

	a.Package = &DataPackage{
		PayloadHash:   h,
		HashAlgorithm: b.engine.Algorithm(),
		TypeTag:       tag,
		Timestamp:     b.clock().Unix(),
		Metadata:      meta,
	}
	return a, nil
}

// Digest computes the payload hash Build would assign, without a timestamp.
func (b *Builder) Digest(payload any, metadata map[string]any) (digest.Hash, error) {
	return ComputeHash(b.engine, payload, metadata)
}

// Engine returns the builder's hash engine.
func (b *Builder) Engine() *digest.Engine { return b.engine }

// ComputeHash hashes the canonical document {"metadata":M,"payload":P}.
// Absent payload and empty metadata hash as the empty input.
func ComputeHash(engine *digest.Engine, payload any, metadata map[string]any) (digest.Hash, error) {
	payloadBytes, err := canonicalize.Canonicalize(payload)
	if err != nil {
		return digest.Hash{}, fmt.Errorf("provenance: payload: %w", err)
	}
	meta, err := normalizeMetadata(metadata)
	if err != nil {
		return digest.Hash{}, err
	}
	return hashDocument(engine, payloadBytes, meta)
}

// OffloadedContentHash returns the digest a builder would store under
// MetaContentHash for payload.
func OffloadedContentHash(engine *digest.Engine, payload any) (digest.Hash, error) {
	payloadBytes, err := canonicalize.Canonicalize(payload)
	if err != nil {
		return digest.Hash{}, fmt.Errorf("provenance: payload: %w", err)
	}
	return engine.Digest(payloadBytes), nil
}

func hashDocument(engine *digest.Engine, payloadBytes []byte, meta map[string]any) (digest.Hash, error) {
	if len(payloadBytes) == 0 && len(meta) == 0 {
		return engine.Digest(nil), nil
	}

	doc := map[string]any{"metadata": nil, "payload": nil}
	if len(meta) > 0 {
		doc["metadata"] = meta
	}
	if len(payloadBytes) > 0 {
		doc["payload"] = json.RawMessage(payloadBytes)
	}
	docBytes, err := canonicalize.Canonicalize(doc)
	if err != nil {
		return digest.Hash{}, fmt.Errorf("provenance: document: %w", err)
	}
	return engine.Digest(docBytes), nil
}

// normalizeMetadata deep-copies metadata into its canonical JSON value form.
// Empty metadata becomes nil.
func normalizeMetadata(metadata map[string]any) (map[string]any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	norm, err := canonicalize.Normalize(metadata)
	if err != nil {
		return nil, fmt.Errorf("provenance: metadata: %w", err)
	}
	m, _ := norm.(map[string]any)
	return m, nil
}
