// Package signing signs plugin modules with ed25519 and verifies them before
// the loader opens them.
//
// A signature is the hex encoded ed25519 signature of the module's SHA-256
// digest, stored next to the module as <module>.sig.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goatkit/macrohost/internal/apierrors"
)

// SignaturePath returns where the signature of the module at path lives.
func SignaturePath(path string) string { return path + ".sig" }

// GenerateKeyPair creates a signing key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key pair: %w", err)
	}
	return pub, priv, nil
}

func digest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Sign writes the signature of the module at path to SignaturePath(path).
func Sign(path string, key ed25519.PrivateKey) (string, error) {
	sum, err := digest(path)
	if err != nil {
		return "", fmt.Errorf("read module: %w", err)
	}
	sigPath := SignaturePath(path)
	sig := hex.EncodeToString(ed25519.Sign(key, sum))
	if err := os.WriteFile(sigPath, []byte(sig+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write signature: %w", err)
	}
	return sigPath, nil
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key: want %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

// ParsePrivateKey decodes a hex encoded private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key: want %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	return ed25519.PrivateKey(b), nil
}

// Keyring verifies modules against a set of trusted public keys.
type Keyring struct {
	keys []ed25519.PublicKey
	// Required rejects unsigned modules. Otherwise only a present signature
	// is checked.
	Required bool
}

// NewKeyring parses hex encoded trusted keys.
func NewKeyring(required bool, hexKeys ...string) (*Keyring, error) {
	k := &Keyring{Required: required}
	for _, s := range hexKeys {
		pub, err := ParsePublicKey(s)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeInvalidConfiguration, "signing.NewKeyring", err)
		}
		k.keys = append(k.keys, pub)
	}
	if required && len(k.keys) == 0 {
		return nil, apierrors.New(apierrors.CodeInvalidConfiguration, "signing.NewKeyring", "signatures are required but no trusted keys are configured")
	}
	return k, nil
}

// Verify checks the signature next to the module at path.
func (k *Keyring) Verify(path string) error {
	const op = "signing.Verify"
	raw, err := os.ReadFile(SignaturePath(path))
	if os.IsNotExist(err) && !k.Required {
		return nil
	}
	if err != nil {
		return apierrors.Wrapf(apierrors.CodeLoader, op, err, "load failed: %s is not signed", path)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return apierrors.New(apierrors.CodeLoader, op, "load failed: malformed signature for %s", path)
	}
	sum, err := digest(path)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeLoader, op, err)
	}
	for _, pub := range k.keys {
		if ed25519.Verify(pub, sum, sig) {
			return nil
		}
	}
	return apierrors.New(apierrors.CodeLoader, op, "load failed: %s is not signed by a trusted key", path)
}
