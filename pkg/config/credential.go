package config

import (
	"fmt"

	"github.com/Mindburn-Labs/chaintrace/pkg/crypto"
)

// Credential source kinds.
const (
	CredentialHex      = "hex"
	CredentialFile     = "file"
	CredentialKeystore = "keystore"
)

// CredentialConfig names where the signing key comes from. Value holds a
// raw hex key and is only meant to be set through the environment.
type CredentialConfig struct {
	Kind          string `yaml:"kind" env:"KIND"`
	Value         string `yaml:"value" env:"VALUE"`
	Path          string `yaml:"path" env:"PATH"`
	PassphraseEnv string `yaml:"passphrase_env" env:"PASSPHRASE_ENV"`
	Scheme        string `yaml:"scheme" env:"SCHEME"`
}

// Validate checks the source is complete without touching the key.
func (c CredentialConfig) Validate() error {
	if c.Scheme != "" {
		if _, err := crypto.ParseScheme(c.Scheme); err != nil {
			return fmt.Errorf("config: credential_source.scheme: %w", err)
		}
	}
	switch c.Kind {
	case CredentialHex:
	case CredentialFile, CredentialKeystore:
		if c.Path == "" {
			return fmt.Errorf("config: credential_source.path is required for kind %q", c.Kind)
		}
	default:
		return fmt.Errorf("config: credential_source.kind must be hex, file or keystore, got %q", c.Kind)
	}
	return nil
}

// SchemeFor returns the configured scheme, defaulting to secp256k1 for EVM
// ledgers and ed25519 otherwise.
func (c CredentialConfig) SchemeFor(backend string) string {
	if c.Scheme != "" {
		s, err := crypto.ParseScheme(c.Scheme)
		if err == nil {
			return s
		}
	}
	if backend == BackendEVM {
		return crypto.SchemeSecp256k1
	}
	return crypto.SchemeEd25519
}

// Source builds the credential source. No key is read until Acquire.
func (c CredentialConfig) Source(backend string) (crypto.CredentialSource, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	scheme := c.SchemeFor(backend)
	switch c.Kind {
	case CredentialFile:
		return crypto.FileSource{Scheme: scheme, Path: c.Path}, nil
	case CredentialKeystore:
		return crypto.KeystoreSource{Path: c.Path, Passphrase: crypto.PassphraseFromEnv(c.PassphraseEnv)}, nil
	default:
		return crypto.HexSource{Scheme: scheme, Key: c.Value}, nil
	}
}
