package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/chaintrace/pkg/provenance"
)

// Signer turns packages into signed records.
type Signer struct{}

// NewSigner creates a Signer.
func NewSigner() *Signer { return &Signer{} }

// Sign binds pkg to cred's identity. pkg itself is not modified; the returned
// record carries a copy with Submitter set.
func (s *Signer) Sign(pkg *provenance.DataPackage, cred Credential) (*provenance.SignedRecord, error) {
	if pkg == nil {
		return nil, errors.New("sign: nil package")
	}
	if cred == nil {
		return nil, &CredentialError{Source: "memory", Reason: "no credential"}
	}

	signed := pkg.Clone()
	signed.Submitter = cred.Identity()

	sig, err := cred.Sign(signed.SigningBytes())
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return &provenance.SignedRecord{
		Package:         *signed,
		Signature:       sig,
		SignatureScheme: cred.Scheme(),
	}, nil
}

// VerifyRecord checks rec's signature against its embedded submitter.
// A well-formed record that does not verify returns (false, nil).
func VerifyRecord(rec *provenance.SignedRecord) (bool, error) {
	if rec == nil {
		return false, errors.New("verify: nil record")
	}
	return VerifySignature(rec.SignatureScheme, rec.Package.Submitter, rec.Package.SigningBytes(), rec.Signature)
}

// VerifySignature checks that sig over msg was made by submitter under
// scheme. Submitter is an ed25519 public key in hex or an address.
func VerifySignature(scheme, submitter string, msg, sig []byte) (bool, error) {
	if len(sig) == 0 {
		return false, errors.New("verify: missing signature")
	}

	switch scheme {
	case SchemeEd25519:
		pub, err := hex.DecodeString(submitter)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return false, fmt.Errorf("verify: submitter is not an ed25519 public key")
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil

	case SchemeSecp256k1:
		if !common.IsHexAddress(submitter) {
			return false, fmt.Errorf("verify: submitter is not an address")
		}
		if len(sig) != ethcrypto.SignatureLength {
			return false, nil
		}
		rsv := make([]byte, len(sig))
		copy(rsv, sig)
		if rsv[ethcrypto.RecoveryIDOffset] >= 27 {
			rsv[ethcrypto.RecoveryIDOffset] -= 27
		}
		pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), rsv)
		if err != nil {
			return false, nil
		}
		return ethcrypto.PubkeyToAddress(*pub) == common.HexToAddress(submitter), nil

	default:
		return false, fmt.Errorf("verify: %w: %q", ErrUnknownScheme, scheme)
	}
}

// GenerateKey creates a new private key for scheme and returns it hex-encoded
// together with the identity it signs as.
func GenerateKey(scheme string) (keyHex, identity string, err error) {
	scheme, err = ParseScheme(scheme)
	if err != nil {
		return "", "", err
	}
	switch scheme {
	case SchemeSecp256k1:
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return "", "", fmt.Errorf("key generation failed: %w", err)
		}
		return hex.EncodeToString(ethcrypto.FromECDSA(key)), ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	default:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", "", fmt.Errorf("key generation failed: %w", err)
		}
		return hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub), nil
	}
}

// SameIdentity compares submitter strings the way the scheme defines them:
// addresses case-insensitively, public keys exactly.
func SameIdentity(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return strings.EqualFold(a, b)
	}
	return a == b
}
