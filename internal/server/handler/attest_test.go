package handler_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
	"github.com/jmerrifield20/healthledger/internal/server/handler"
)

func setupAttestRouter(t *testing.T, withPrivate bool) (*gin.Engine, *handler.ActorTokens) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var signer *recordcrypt.Signer
	if withPrivate {
		signer, err = recordcrypt.NewSigner(key, nil)
	} else {
		signer, err = recordcrypt.NewSigner(nil, &key.PublicKey)
	}
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	tokens := handler.NewActorTokens(testSecret, time.Hour)
	r := gin.New()
	handler.NewAttestationHandler(signer, tokens, zap.NewNop()).Register(r.Group("/api/v1"))
	return r, tokens
}

func postJSON(path string, body any) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAttestation_signThenVerify(t *testing.T) {
	router, tokens := setupAttestRouter(t, true)
	tok, _ := tokens.Issue("admin-1", "", "Hospital Admin")

	w := serve(router, bearer(postJSON("/api/v1/attestations", map[string]any{
		"payload": map[string]any{"b": 2, "a": 1},
	}), tok))
	if w.Code != http.StatusOK {
		t.Fatalf("sign: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sig := decode(t, w)["signature"].(string)
	if _, err := base64.StdEncoding.DecodeString(sig); err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}

	// Key order differs; the canonical form is the same.
	w = serve(router, postJSON("/api/v1/attestations/verify", map[string]any{
		"payload":   map[string]any{"a": 1, "b": 2},
		"signature": sig,
	}))
	if resp := decode(t, w); resp["valid"] != true {
		t.Errorf("expected valid=true, got %v", resp["valid"])
	}

	w = serve(router, postJSON("/api/v1/attestations/verify", map[string]any{
		"payload":   map[string]any{"a": 1, "b": 3},
		"signature": sig,
	}))
	if resp := decode(t, w); resp["valid"] != false {
		t.Errorf("expected valid=false for altered payload, got %v", resp["valid"])
	}
}

func TestAttestation_signRequiresActor(t *testing.T) {
	router, _ := setupAttestRouter(t, true)

	w := serve(router, postJSON("/api/v1/attestations", map[string]any{"payload": "x"}))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAttestation_503_privateKeyNotConfigured(t *testing.T) {
	router, tokens := setupAttestRouter(t, false)
	tok, _ := tokens.Issue("admin-1", "", "Hospital Admin")

	w := serve(router, bearer(postJSON("/api/v1/attestations", map[string]any{"payload": "x"}), tok))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAttestation_publicKey(t *testing.T) {
	router, _ := setupAttestRouter(t, false)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/keys/public", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if _, err := recordcrypt.ParsePublicKeyPEM(w.Body.Bytes()); err != nil {
		t.Errorf("response is not a public key PEM: %v", err)
	}
}

func TestAttestation_verifyMalformedSignature(t *testing.T) {
	router, _ := setupAttestRouter(t, false)

	for _, sig := range []string{"!!not base64!!", ""} {
		w := serve(router, postJSON("/api/v1/attestations/verify", map[string]any{
			"payload":   map[string]any{"a": 1},
			"signature": sig,
		}))
		if w.Code != http.StatusOK {
			t.Fatalf("signature %q: expected 200, got %d: %s", sig, w.Code, w.Body.String())
		}
		if resp := decode(t, w); resp["valid"] != false {
			t.Errorf("signature %q: expected valid=false, got %v", sig, resp["valid"])
		}
	}
}

func TestAttestation_largeIntegersAreBound(t *testing.T) {
	router, tokens := setupAttestRouter(t, true)
	tok, _ := tokens.Issue("admin-1", "", "Hospital Admin")

	sign := httptest.NewRequest(http.MethodPost, "/api/v1/attestations",
		bytes.NewBufferString(`{"payload":{"n":9007199254740993}}`))
	sign.Header.Set("Content-Type", "application/json")
	w := serve(router, bearer(sign, tok))
	if w.Code != http.StatusOK {
		t.Fatalf("sign: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	sig := decode(t, w)["signature"].(string)

	verify := httptest.NewRequest(http.MethodPost, "/api/v1/attestations/verify",
		bytes.NewBufferString(`{"payload":{"n":9007199254740992},"signature":"`+sig+`"}`))
	verify.Header.Set("Content-Type", "application/json")
	if resp := decode(t, serve(router, verify)); resp["valid"] != false {
		t.Errorf("signature over 2^53+1 verified for 2^53: %v", resp["valid"])
	}
}
