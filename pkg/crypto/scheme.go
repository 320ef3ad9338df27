// Package crypto signs provenance packages and verifies signed records.
// Keys are only reachable through scoped credentials that zero themselves
// when destroyed.
package crypto

import (
	"errors"
	"fmt"
)

// Supported signature schemes.
const (
	// SchemeEd25519 signs the record bytes directly; the submitter is the
	// hex-encoded public key.
	SchemeEd25519 = "ed25519"
	// SchemeSecp256k1 signs the EIP-191 personal-message hash of the record
	// bytes; the submitter is the EIP-55 checksummed address.
	SchemeSecp256k1 = "secp256k1-eip191"
)

// ErrUnknownScheme is returned for scheme identifiers outside the supported set.
var ErrUnknownScheme = errors.New("unknown signature scheme")

// ParseScheme validates a configured scheme name. Empty selects ed25519.
func ParseScheme(s string) (string, error) {
	switch s {
	case "":
		return SchemeEd25519, nil
	case SchemeEd25519, SchemeSecp256k1:
		return s, nil
	case "secp256k1", "eip191", "evm":
		return SchemeSecp256k1, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScheme, s)
	}
}
