package crypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrCredential matches every *CredentialError.
var ErrCredential = errors.New("credential error")

// CredentialError reports a credential that is malformed, unreadable or
// already destroyed. It never carries key material.
type CredentialError struct {
	Source string
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	msg := fmt.Sprintf("credential %s: %s", e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() error { return e.Err }

func (e *CredentialError) Is(target error) bool { return target == ErrCredential }

// Credential is a scoped signing key. Destroy zeroes the key; every other
// method fails afterwards.
type Credential interface {
	// Identity is the submitter string recorded with signed packages.
	Identity() string
	Scheme() string
	// Sign signs msg under the credential's scheme.
	Sign(msg []byte) ([]byte, error)
	Destroy()
}

// ECDSAKeyHolder is implemented by secp256k1 credentials so ledger clients
// can sign chain transactions with the same key.
type ECDSAKeyHolder interface {
	ECDSAKey() (*ecdsa.PrivateKey, error)
}

// CredentialSource produces a fresh credential per call. Callers must Destroy it.
type CredentialSource interface {
	Acquire(ctx context.Context) (Credential, error)
}

// HexSource holds a hex-encoded private key, typically from config or env.
type HexSource struct {
	Scheme string
	Key    string
}

func (s HexSource) Acquire(_ context.Context) (Credential, error) {
	return parseKey("hex", s.Scheme, s.Key)
}

// FileSource reads a hex-encoded private key from a file on every Acquire.
type FileSource struct {
	Scheme string
	Path   string
}

func (s FileSource) Acquire(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, &CredentialError{Source: "file", Reason: "unreadable key file", Err: err}
	}
	defer clear(data)
	return parseKey("file", s.Scheme, string(data))
}

// KeystoreSource decrypts a go-ethereum JSON keystore file. Keystore keys are
// always secp256k1.
type KeystoreSource struct {
	Path string
	// Passphrase is called on every Acquire so the secret is never cached here.
	Passphrase func() (string, error)
}

func (s KeystoreSource) Acquire(ctx context.Context) (Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, &CredentialError{Source: "keystore", Reason: "unreadable keystore file", Err: err}
	}
	pass := ""
	if s.Passphrase != nil {
		if pass, err = s.Passphrase(); err != nil {
			return nil, &CredentialError{Source: "keystore", Reason: "passphrase unavailable", Err: err}
		}
	}
	key, err := keystore.DecryptKey(data, pass)
	if err != nil {
		// keystore errors do not contain key material
		return nil, &CredentialError{Source: "keystore", Reason: "decrypt failed", Err: err}
	}
	return newSecp256k1Credential(key.PrivateKey), nil
}

// PassphraseFromEnv reads a keystore passphrase from the named variable.
func PassphraseFromEnv(name string) func() (string, error) {
	return func() (string, error) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s not set", name)
		}
		return v, nil
	}
}

func parseKey(source, scheme, encoded string) (Credential, error) {
	scheme, err := ParseScheme(scheme)
	if err != nil {
		return nil, &CredentialError{Source: source, Reason: "unsupported scheme", Err: err}
	}
	encoded = strings.TrimPrefix(strings.TrimSpace(encoded), "0x")
	if encoded == "" {
		return nil, &CredentialError{Source: source, Reason: "empty key"}
	}

	switch scheme {
	case SchemeSecp256k1:
		key, err := ethcrypto.HexToECDSA(encoded)
		if err != nil {
			// drop the parser error, it may echo input
			return nil, &CredentialError{Source: source, Reason: "malformed secp256k1 key"}
		}
		return newSecp256k1Credential(key), nil
	default:
		raw, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, &CredentialError{Source: source, Reason: "malformed ed25519 key: not hex"}
		}
		defer clear(raw)
		switch len(raw) {
		case ed25519.SeedSize:
			return newEd25519Credential(ed25519.NewKeyFromSeed(raw)), nil
		case ed25519.PrivateKeySize:
			priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
			copy(priv, raw)
			return newEd25519Credential(priv), nil
		default:
			return nil, &CredentialError{Source: source, Reason: fmt.Sprintf("malformed ed25519 key: %d bytes", len(raw))}
		}
	}
}

var errDestroyed = &CredentialError{Source: "memory", Reason: "credential destroyed"}

type ed25519Credential struct {
	mu       sync.Mutex
	priv     ed25519.PrivateKey
	identity string
}

func newEd25519Credential(priv ed25519.PrivateKey) *ed25519Credential {
	return &ed25519Credential{
		priv:     priv,
		identity: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
	}
}

func (c *ed25519Credential) Identity() string { return c.identity }
func (c *ed25519Credential) Scheme() string   { return SchemeEd25519 }

func (c *ed25519Credential) Sign(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.priv == nil {
		return nil, errDestroyed
	}
	return ed25519.Sign(c.priv, msg), nil
}

func (c *ed25519Credential) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.priv)
	c.priv = nil
}

type secp256k1Credential struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	identity string
}

func newSecp256k1Credential(key *ecdsa.PrivateKey) *secp256k1Credential {
	return &secp256k1Credential{
		key:      key,
		identity: ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

func (c *secp256k1Credential) Identity() string { return c.identity }
func (c *secp256k1Credential) Scheme() string   { return SchemeSecp256k1 }

// Sign produces a 65-byte [R || S || V] signature over the EIP-191 hash of
// msg with V in {27, 28}.
func (c *secp256k1Credential) Sign(msg []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return nil, errDestroyed
	}
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), c.key)
	if err != nil {
		return nil, &CredentialError{Source: "memory", Reason: "sign failed", Err: err}
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (c *secp256k1Credential) ECDSAKey() (*ecdsa.PrivateKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return nil, errDestroyed
	}
	return c.key, nil
}

func (c *secp256k1Credential) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return
	}
	clear(c.key.D.Bits())
	c.key.D.SetInt64(0)
	c.key = nil
}
