package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/audit"
	"github.com/jmerrifield20/healthledger/internal/ledger"
)

// LedgerHandler exposes read-only HTTP endpoints for the audit ledger.
type LedgerHandler struct {
	journal *audit.Journal
	logger  *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(journal *audit.Journal, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{journal: journal, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/blocks/:idx", h.GetBlock)
		l.GET("/audit/:subject", h.AuditTrail)
	}
}

// Overview handles GET /ledger. Returns the chain length and current tip hash.
func (h *LedgerHandler) Overview(c *gin.Context) {
	l := h.journal.Ledger()
	tip := l.Tip()
	c.JSON(http.StatusOK, gin.H{
		"blocks":  l.Len(),
		"tip":     tip.BlockHash,
		"pending": h.journal.Pending(),
	})
}

// Verify handles GET /ledger/verify. Walks the full chain and reports integrity.
func (h *LedgerHandler) Verify(c *gin.Context) {
	err := h.journal.Ledger().VerifyDetail()
	RecordVerify(err == nil)
	if err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetBlock handles GET /ledger/blocks/:idx. Returns a single block.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.ParseUint(c.Param("idx"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	block, err := h.journal.Ledger().Get(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	c.JSON(http.StatusOK, block)
}

// AuditTrail handles GET /ledger/audit/:subject. Returns the blocks linked
// to a subject reference such as "patient:<id>".
func (h *LedgerHandler) AuditTrail(c *gin.Context) {
	subject := c.Param("subject")
	trail, err := h.journal.Trail(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("audit trail", zap.String("subject", subject), zap.Error(err))
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusConflict, gin.H{"error": "subject index references unknown blocks"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subject": subject,
		"blocks":  trail,
	})
}
