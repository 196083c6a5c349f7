package recordcrypt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// SymmetricKeySize is the only accepted master key length.
	SymmetricKeySize = 32

	// MinRSABits is the smallest accepted RSA modulus.
	MinRSABits = 2048

	privateKeyFile = "private.pem"
	publicKeyFile  = "public.pem"
)

// KeyMaterial is the process-wide key set injected at startup.
// Any field may be empty; operations that need it fail when called.
type KeyMaterial struct {
	SymmetricKey []byte
	PrivateKey   *rsa.PrivateKey
	PublicKey    *rsa.PublicKey
}

// Issues lists the key material that is missing, one human-readable line
// per gap. An empty result means everything is present.
func (k KeyMaterial) Issues() []string {
	var issues []string
	if len(k.SymmetricKey) != SymmetricKeySize {
		issues = append(issues, "symmetric master key not set (32 bytes, base64)")
	}
	if k.PrivateKey == nil {
		issues = append(issues, "RSA private key not found")
	}
	if k.PublicKey == nil && k.PrivateKey == nil {
		issues = append(issues, "RSA public key not found")
	}
	return issues
}

// DecodeSymmetricKey decodes a base64 master key and checks its length.
// An empty string yields a nil key and no error.
func DecodeSymmetricKey(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", SymmetricKeySize, len(key))
	}
	return key, nil
}

// GenerateSymmetricKey returns a fresh random master key, base64 encoded.
func GenerateSymmetricKey() (string, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// LoadKeyPair reads private.pem and public.pem from dir. Missing files are
// not an error: the corresponding return value is nil. Files that exist but
// do not parse are an error.
func LoadKeyPair(dir string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	var (
		priv *rsa.PrivateKey
		pub  *rsa.PublicKey
	)

	keyPEM, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, nil, fmt.Errorf("read private key: %w", err)
	default:
		if priv, err = ParsePrivateKeyPEM(keyPEM); err != nil {
			return nil, nil, err
		}
	}

	pubPEM, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, nil, fmt.Errorf("read public key: %w", err)
	default:
		if pub, err = ParsePublicKeyPEM(pubPEM); err != nil {
			return nil, nil, err
		}
	}
	return priv, pub, nil
}

// GenerateKeyPair creates a new RSA key pair of the given size and writes it
// to dir as PKCS#8 private.pem (0600) and PKIX public.pem (0644).
func GenerateKeyPair(dir string, bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits {
		return nil, fmt.Errorf("%w: %d bits", ErrWeakKey, bits)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir %q: %w", dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pubPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return key, nil
}

// ParsePrivateKeyPEM accepts PKCS#8 and PKCS#1 encoded RSA private keys.
func ParsePrivateKeyPEM(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return key, nil
}

// ParsePublicKeyPEM accepts PKIX and PKCS#1 encoded RSA public keys.
func ParsePublicKeyPEM(pubPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pubPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", parsed)
	}
	return key, nil
}

// EncodePublicKeyPEM returns pub in PKIX PEM format.
func EncodePublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
