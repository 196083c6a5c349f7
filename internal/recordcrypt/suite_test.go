package recordcrypt_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jmerrifield20/healthledger/internal/canonical"
	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
)

type demographics struct {
	NationalID string `json:"national_id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	DOB        string `json:"dob"`
}

func newTestSuite(t *testing.T, alg recordcrypt.Algorithm) *recordcrypt.Suite {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, recordcrypt.SymmetricKeySize)
	s, err := recordcrypt.NewSuite(key, alg)
	if err != nil {
		t.Fatalf("NewSuite: %v", err)
	}
	return s
}

func TestSuite_roundTrip(t *testing.T) {
	for _, alg := range []recordcrypt.Algorithm{recordcrypt.AES256GCM, recordcrypt.ChaCha20Poly1305} {
		t.Run(string(alg), func(t *testing.T) {
			s := newTestSuite(t, alg)
			in := demographics{NationalID: "12345", FirstName: "Ada", LastName: "Lovelace", DOB: "1815-12-10"}

			env, err := s.Encrypt(in)
			if err != nil {
				t.Fatal(err)
			}
			if len(env.IV) != 12 || len(env.AuthTag) != 16 {
				t.Errorf("unexpected envelope sizes: iv=%d tag=%d", len(env.IV), len(env.AuthTag))
			}

			var out demographics
			if err := s.Decrypt(env, &out); err != nil {
				t.Fatal(err)
			}
			if out != in {
				t.Errorf("round trip: got %+v, want %+v", out, in)
			}
		})
	}
}

func TestSuite_freshIVPerCall(t *testing.T) {
	s := newTestSuite(t, recordcrypt.AES256GCM)
	a, _ := s.Encrypt(map[string]int{"x": 1})
	b, _ := s.Encrypt(map[string]int{"x": 1})
	if bytes.Equal(a.IV, b.IV) {
		t.Error("two encryptions reused the same IV")
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Error("two encryptions produced identical ciphertext")
	}
}

func TestSuite_envelopeJSON(t *testing.T) {
	s := newTestSuite(t, recordcrypt.AES256GCM)
	env, err := s.Encrypt(map[string]string{"national_id": "12345"})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"iv", "authTag", "data"} {
		if fields[k] == "" {
			t.Errorf("envelope JSON missing %q: %s", k, raw)
		}
	}
	if bytes.Contains(raw, []byte("12345")) {
		t.Error("envelope JSON leaks plaintext")
	}
}

func TestSuite_bitFlipsFailAuthentication(t *testing.T) {
	s := newTestSuite(t, recordcrypt.AES256GCM)

	flips := map[string]func(env *recordcrypt.EncryptedPayload){
		"iv":         func(env *recordcrypt.EncryptedPayload) { env.IV[0] ^= 0x01 },
		"authTag":    func(env *recordcrypt.EncryptedPayload) { env.AuthTag[len(env.AuthTag)-1] ^= 0x80 },
		"ciphertext": func(env *recordcrypt.EncryptedPayload) { env.Ciphertext[0] ^= 0x01 },
		"truncated":  func(env *recordcrypt.EncryptedPayload) { env.AuthTag = env.AuthTag[:8] },
	}
	for name, flip := range flips {
		t.Run(name, func(t *testing.T) {
			env, err := s.Encrypt(map[string]string{"national_id": "12345"})
			if err != nil {
				t.Fatal(err)
			}
			flip(env)

			var out map[string]string
			err = s.Decrypt(env, &out)
			if !errors.Is(err, recordcrypt.ErrAuthenticationFailed) {
				t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
			}
			if out != nil {
				t.Errorf("decrypt returned data on failure: %v", out)
			}
		})
	}
}

func TestSuite_wrongKey(t *testing.T) {
	s1 := newTestSuite(t, recordcrypt.AES256GCM)
	s2, err := recordcrypt.NewSuite(bytes.Repeat([]byte{0x07}, 32), recordcrypt.AES256GCM)
	if err != nil {
		t.Fatal(err)
	}
	env, _ := s1.Encrypt("secret")
	if _, err := s2.Open(env); !errors.Is(err, recordcrypt.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestSuite_keyNotConfigured(t *testing.T) {
	for _, key := range [][]byte{nil, make([]byte, 16)} {
		s, err := recordcrypt.NewSuite(key, recordcrypt.AES256GCM)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Ready(); !errors.Is(err, recordcrypt.ErrKeyNotConfigured) {
			t.Errorf("Ready: expected ErrKeyNotConfigured, got %v", err)
		}
		if _, err := s.Encrypt("x"); !errors.Is(err, recordcrypt.ErrKeyNotConfigured) {
			t.Errorf("Encrypt: expected ErrKeyNotConfigured, got %v", err)
		}
		if err := s.Decrypt(&recordcrypt.EncryptedPayload{}, new(string)); !errors.Is(err, recordcrypt.ErrKeyNotConfigured) {
			t.Errorf("Decrypt: expected ErrKeyNotConfigured, got %v", err)
		}
	}
}

func TestSuite_unknownAlgorithm(t *testing.T) {
	if _, err := recordcrypt.NewSuite(nil, "rot13"); err == nil {
		t.Error("expected error for unknown algorithm")
	}
}

func TestSuite_malformedPayload(t *testing.T) {
	s := newTestSuite(t, recordcrypt.AES256GCM)
	if _, err := s.Encrypt(func() {}); !errors.Is(err, canonical.ErrMalformedPayload) {
		t.Errorf("Encrypt(func): expected ErrMalformedPayload, got %v", err)
	}

	env, err := s.Encrypt("just a string")
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := s.Decrypt(env, &out); !errors.Is(err, canonical.ErrMalformedPayload) {
		t.Errorf("Decrypt into map: expected ErrMalformedPayload, got %v", err)
	}
}

func TestSuite_roundTripLargeIntegers(t *testing.T) {
	type counters struct {
		Max  uint64 `json:"max"`
		Near uint64 `json:"near"`
	}
	s := newTestSuite(t, recordcrypt.AES256GCM)
	in := counters{Max: 18446744073709551615, Near: 9007199254740993}

	env, err := s.Encrypt(in)
	if err != nil {
		t.Fatal(err)
	}
	var out counters
	if err := s.Decrypt(env, &out); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if out != in {
		t.Errorf("round trip: got %+v, want %+v", out, in)
	}
}
