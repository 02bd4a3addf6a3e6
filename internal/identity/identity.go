// Package identity manages the node's RSA key pair: loading it from a PEM
// file, generating a development key when none is configured, and deriving
// the public-key material other parties see (PEM export and fingerprint).
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// keyBits is the size of generated development keys. Deployments that care
// about key parameters provide their own PEM file.
const keyBits = 2048

// Identity is the node's asymmetric identity. The key material is immutable
// after construction.
type Identity struct {
	key       *rsa.PrivateKey
	expiresOn time.Time
}

// Load reads an RSA private key from a PEM file. Both PKCS#1 and PKCS#8
// encodings are accepted.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key in %s is not RSA", path)
		}
		key = rsaKey
	}

	return &Identity{key: key}, nil
}

// Generate creates a fresh RSA key pair in memory.
func Generate() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Identity{key: key}, nil
}

// LoadOrGenerate loads the key at path when the file exists, otherwise
// generates a new key and persists it there (0600). An empty path yields an
// in-memory key that does not survive restarts.
func LoadOrGenerate(path string) (*Identity, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}

	if path != "" {
		keyDER := x509.MarshalPKCS1PrivateKey(id.key)
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})
		if err := os.WriteFile(path, keyPEM, 0600); err != nil {
			return nil, fmt.Errorf("write private key: %w", err)
		}
	}
	return id, nil
}

// SetExpiry records when the key should be rotated. Zero means no expiry.
// Published with the public key so consumers can plan rotation.
func (id *Identity) SetExpiry(t time.Time) { id.expiresOn = t }

// ExpiresOn returns the configured key expiry; zero when none is set.
func (id *Identity) ExpiresOn() time.Time { return id.expiresOn }

// Key returns the private key.
func (id *Identity) Key() *rsa.PrivateKey { return id.key }

// Public returns the public half of the key pair.
func (id *Identity) Public() *rsa.PublicKey { return &id.key.PublicKey }

// Fingerprint returns the base64-encoded SHA-256 of the DER-encoded public
// key. Stable for the lifetime of the key; sent in welcome envelopes so
// peers can pin the node identity.
func (id *Identity) Fingerprint() string {
	return FingerprintKey(&id.key.PublicKey)
}

// PublicPEM returns the public key as a PEM string, the format agents embed
// in their auth payload and the key-publish conversation carries.
func (id *Identity) PublicPEM() string {
	return EncodePublicKey(&id.key.PublicKey)
}

// FingerprintKey hashes any RSA public key the way Fingerprint does.
func FingerprintKey(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// MarshalPKIXPublicKey cannot fail for a well-formed RSA key.
		return ""
	}
	sum := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// EncodePublicKey serializes an RSA public key as PKIX PEM.
func EncodePublicKey(pub *rsa.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// ParsePublicKey parses a PKIX PEM public key as received from an agent's
// auth payload.
func ParsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, expected RSA", parsed)
	}
	return pub, nil
}
