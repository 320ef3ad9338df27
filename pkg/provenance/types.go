// Package provenance defines the provenance data model: the package that is
// hashed and signed, the signed record that goes on chain, and the builder
// that turns caller data into a package.
package provenance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
)

// TypeTag classifies what a package attests to. It is always supplied by the
// caller and never inferred from the payload.
type TypeTag string

const (
	TagMLModel         TypeTag = "ml_model"
	TagScientificStudy TypeTag = "scientific_study"
	TagDonation        TypeTag = "donation"
	TagSupplyChain     TypeTag = "supply_chain"
	TagGenericText     TypeTag = "generic_text"
	TagOther           TypeTag = "other"
)

// TypeTags lists every valid tag.
func TypeTags() []TypeTag {
	return []TypeTag{TagMLModel, TagScientificStudy, TagDonation, TagSupplyChain, TagGenericText, TagOther}
}

// Valid reports whether t is one of the known tags.
func (t TypeTag) Valid() bool {
	for _, known := range TypeTags() {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTypeTag validates s as a TypeTag.
func ParseTypeTag(s string) (TypeTag, error) {
	t := TypeTag(s)
	if !t.Valid() {
		return "", &InvalidTypeTagError{Tag: s}
	}
	return t, nil
}

// Metadata keys the builder reserves for offloaded payloads.
const (
	MetaContentHash    = "content_hash"
	MetaStorageLocator = "storage_locator"
)

// DataPackage is the unit that gets hashed, signed and recorded.
// Treat it as immutable once built; use CloneMetadata before modifying metadata.
type DataPackage struct {
	PayloadHash   digest.Hash      `json:"payload_hash"`
	HashAlgorithm digest.Algorithm `json:"hash_algorithm"`
	TypeTag       TypeTag          `json:"type_tag"`
	Timestamp     int64            `json:"timestamp"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Submitter     string           `json:"submitter,omitempty"`
}

// CloneMetadata returns a deep copy of the package metadata.
func (p *DataPackage) CloneMetadata() map[string]any {
	if p.Metadata == nil {
		return nil
	}
	return deepCopy(p.Metadata).(map[string]any)
}

// Clone returns a copy of p that shares no mutable state with it.
func (p *DataPackage) Clone() *DataPackage {
	c := *p
	c.Metadata = p.CloneMetadata()
	return &c
}

// SigningBytes is the byte sequence covered by the record signature:
// hex(payload_hash) ":" type_tag ":" timestamp ":" submitter.
func (p *DataPackage) SigningBytes() []byte {
	return []byte(strings.Join([]string{
		p.PayloadHash.Hex(),
		string(p.TypeTag),
		strconv.FormatInt(p.Timestamp, 10),
		p.Submitter,
	}, ":"))
}

// SignedRecord binds a package to its submitter's signature.
type SignedRecord struct {
	Package         DataPackage
	Signature       []byte
	SignatureScheme string
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// ErrInvalidTypeTag matches every *InvalidTypeTagError.
var ErrInvalidTypeTag = errors.New("invalid type tag")

// ErrInvalidMetadata is returned when metadata fails the schema registered for its tag.
var ErrInvalidMetadata = errors.New("invalid metadata")

// InvalidTypeTagError reports a tag outside the known set.
type InvalidTypeTagError struct {
	Tag string
}

func (e *InvalidTypeTagError) Error() string {
	return fmt.Sprintf("provenance: invalid type tag %q", e.Tag)
}

func (e *InvalidTypeTagError) Is(target error) bool { return target == ErrInvalidTypeTag }
