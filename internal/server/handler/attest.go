package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/canonical"
	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
)

// AttestationHandler signs and verifies payloads for external parties.
type AttestationHandler struct {
	signer *recordcrypt.Signer
	tokens *ActorTokens
	logger *zap.Logger
}

// NewAttestationHandler creates a new AttestationHandler.
func NewAttestationHandler(signer *recordcrypt.Signer, tokens *ActorTokens, logger *zap.Logger) *AttestationHandler {
	return &AttestationHandler{signer: signer, tokens: tokens, logger: logger}
}

// Register mounts the attestation routes. Signing requires an actor token;
// verification and the public key are open.
func (h *AttestationHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/attestations", RequireActor(h.tokens), h.Sign)
	rg.POST("/attestations/verify", h.Verify)
	rg.GET("/keys/public", h.PublicKey)
}

type signRequest struct {
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type verifyRequest struct {
	Payload   json.RawMessage `json:"payload" binding:"required"`
	Signature string          `json:"signature"` // base64
}

// Sign handles POST /attestations. Returns a base64 RSA-SHA256 signature
// over the canonical form of payload.
func (h *AttestationHandler) Sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var payload any
	if err := canonical.Unmarshal(req.Payload, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sig, err := h.signer.Sign(payload)
	if err != nil {
		if errors.Is(err, recordcrypt.ErrPrivateKeyNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signing key is not configured"})
			return
		}
		h.logger.Error("sign attestation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	h.logger.Info("attestation signed", zap.String("actor", ActorFromCtx(c).ID))
	c.JSON(http.StatusOK, gin.H{
		"signature": sig,
		"algorithm": "RS256",
	})
}

// Verify handles POST /attestations/verify.
func (h *AttestationHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}
	var payload any
	if err := canonical.Unmarshal(req.Payload, &payload); err != nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": h.signer.Verify(payload, sig)})
}

// PublicKey handles GET /keys/public. Returns the verification key as PEM.
func (h *AttestationHandler) PublicKey(c *gin.Context) {
	pemBytes, err := h.signer.PublicKeyPEM()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "public key is not configured"})
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", pemBytes)
}
