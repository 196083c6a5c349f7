package recordcrypt

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/jmerrifield20/healthledger/internal/canonical"
)

// Signer produces and checks RSASSA-PKCS1-v1_5 SHA-256 signatures over the
// canonical form of a payload.
type Signer struct {
	priv *rsa.PrivateKey
	pub  *rsa.PublicKey
}

// NewSigner returns a Signer. pub defaults to the public half of priv.
// Either key may be nil; keys under MinRSABits are rejected.
func NewSigner(priv *rsa.PrivateKey, pub *rsa.PublicKey) (*Signer, error) {
	if pub == nil && priv != nil {
		pub = &priv.PublicKey
	}
	if priv != nil && priv.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: private key has %d bits", ErrWeakKey, priv.N.BitLen())
	}
	if pub != nil && pub.N.BitLen() < MinRSABits {
		return nil, fmt.Errorf("%w: public key has %d bits", ErrWeakKey, pub.N.BitLen())
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// Sign returns the signature over payload's canonical form.
func (s *Signer) Sign(payload any) ([]byte, error) {
	if s == nil || s.priv == nil {
		return nil, ErrPrivateKeyNotConfigured
	}
	digest, err := digestOf(payload)
	if err != nil {
		return nil, err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.priv, crypto.SHA256, digest)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature over payload. Any failure,
// including a missing public key or a payload that cannot be canonicalized,
// yields false.
func (s *Signer) Verify(payload any, sig []byte) bool {
	if s == nil || s.pub == nil || len(sig) == 0 {
		return false
	}
	digest, err := digestOf(payload)
	if err != nil {
		return false
	}
	return rsa.VerifyPKCS1v15(s.pub, crypto.SHA256, digest, sig) == nil
}

// PublicKeyPEM returns the verification key in PKIX PEM format.
func (s *Signer) PublicKeyPEM() ([]byte, error) {
	if s == nil || s.pub == nil {
		return nil, ErrPublicKeyNotConfigured
	}
	return EncodePublicKeyPEM(s.pub)
}

func digestOf(payload any) ([]byte, error) {
	data, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}
