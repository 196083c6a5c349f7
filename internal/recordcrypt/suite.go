package recordcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jmerrifield20/healthledger/internal/canonical"
)

// Algorithm names an AEAD construction. Both supported algorithms use a
// 256-bit key, a 96-bit nonce and a 128-bit tag.
type Algorithm string

const (
	AES256GCM        Algorithm = "aes-256-gcm"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

// EncryptedPayload is the ciphertext envelope persisted in place of the
// plaintext. Byte fields are base64 encoded when marshalled to JSON.
type EncryptedPayload struct {
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"authTag"`
	Ciphertext []byte `json:"data"`
}

// Suite seals and opens structured payloads under one master key.
type Suite struct {
	alg  Algorithm
	aead cipher.AEAD
}

// NewSuite builds a Suite for alg. A key that is absent or not exactly 32
// bytes leaves the suite unkeyed; Encrypt and Decrypt then return
// ErrKeyNotConfigured. An unknown algorithm is an error.
func NewSuite(key []byte, alg Algorithm) (*Suite, error) {
	if alg == "" {
		alg = AES256GCM
	}
	if alg != AES256GCM && alg != ChaCha20Poly1305 {
		return nil, fmt.Errorf("unsupported cipher %q", alg)
	}
	s := &Suite{alg: alg}
	if len(key) != SymmetricKeySize {
		return s, nil
	}

	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return s, nil
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	if alg == ChaCha20Poly1305 {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("create chacha20-poly1305: %w", err)
		}
		return aead, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// Algorithm reports the AEAD in use.
func (s *Suite) Algorithm() Algorithm { return s.alg }

// Ready returns ErrKeyNotConfigured if the suite has no usable key.
func (s *Suite) Ready() error {
	if s == nil || s.aead == nil {
		return ErrKeyNotConfigured
	}
	return nil
}

// Encrypt canonicalizes payload and seals it under a fresh random nonce.
func (s *Suite) Encrypt(payload any) (*EncryptedPayload, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	plaintext, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - s.aead.Overhead()
	return &EncryptedPayload{
		IV:         iv,
		AuthTag:    sealed[split:],
		Ciphertext: sealed[:split],
	}, nil
}

// Open authenticates and decrypts env, returning the canonical plaintext.
func (s *Suite) Open(env *EncryptedPayload) ([]byte, error) {
	if err := s.Ready(); err != nil {
		return nil, err
	}
	if env == nil || len(env.IV) != s.aead.NonceSize() || len(env.AuthTag) != s.aead.Overhead() {
		return nil, ErrAuthenticationFailed
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	plaintext, err := s.aead.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Decrypt opens env and decodes the plaintext into out.
func (s *Suite) Decrypt(env *EncryptedPayload, out any) error {
	plaintext, err := s.Open(env)
	if err != nil {
		return err
	}
	return canonical.Unmarshal(plaintext, out)
}
