// Package digest computes the fixed-width content hashes that identify
// provenance packages.
package digest

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Size is the width of every supported digest in bytes.
const Size = 32

// BlockSize is the read size used when streaming files.
const BlockSize = 4096

// Algorithm names a supported digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
	Keccak256  Algorithm = "keccak256"
)

// Default is used when no algorithm is configured.
const Default = SHA256

// ErrUnknownAlgorithm is returned for algorithm names outside the supported set.
var ErrUnknownAlgorithm = errors.New("digest: unknown algorithm")

// Algorithms lists the supported algorithms.
func Algorithms() []Algorithm {
	return []Algorithm{SHA256, SHA3_256, BLAKE2b256, Keccak256}
}

// ParseAlgorithm validates a configured algorithm name. An empty name means Default.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return Default, nil
	}
	a := Algorithm(strings.ToLower(s))
	for _, known := range Algorithms() {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// Hash is a 32-byte digest.
type Hash [Size]byte

// Hex returns the lowercase hex encoding without a 0x prefix.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether h is the all-zero value.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText encodes the hash as lowercase hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText accepts hex with or without a 0x prefix.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// FromHex parses a 64-character hex string, optionally 0x-prefixed.
func FromHex(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != Size*2 {
		return h, fmt.Errorf("digest: expected %d hex characters, got %d", Size*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("digest: invalid hex: %w", err)
	}
	return h, nil
}

// Engine computes digests with one algorithm. The zero value uses Default.
type Engine struct {
	alg Algorithm
}

// NewEngine returns an engine for alg. An empty alg selects Default.
func NewEngine(alg Algorithm) (*Engine, error) {
	a, err := ParseAlgorithm(string(alg))
	if err != nil {
		return nil, err
	}
	return &Engine{alg: a}, nil
}

// Algorithm returns the configured algorithm identifier.
func (e *Engine) Algorithm() Algorithm {
	if e == nil || e.alg == "" {
		return Default
	}
	return e.alg
}

func (e *Engine) newHash() hash.Hash {
	switch e.Algorithm() {
	case SHA3_256:
		return sha3.New256()
	case BLAKE2b256:
		h, _ := blake2b.New256(nil) // only fails for oversized keys
		return h
	case Keccak256:
		return sha3.NewLegacyKeccak256()
	default:
		return sha256.New()
	}
}

// Digest hashes b. An empty b yields the algorithm's empty-input digest.
func (e *Engine) Digest(b []byte) Hash {
	h := e.newHash()
	h.Write(b)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DigestReader streams r through the hash in BlockSize chunks.
func (e *Engine) DigestReader(r io.Reader) (Hash, error) {
	h := e.newHash()
	buf := make([]byte, BlockSize)
	if _, err := io.CopyBuffer(h, bufio.NewReaderSize(r, BlockSize), buf); err != nil {
		return Hash{}, fmt.Errorf("digest: read: %w", err)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// DigestFile hashes the file at path.
func (e *Engine) DigestFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("digest: open %s: %w", path, err)
	}
	defer f.Close()
	return e.DigestReader(f)
}
