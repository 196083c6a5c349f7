package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/audit"
	"github.com/jmerrifield20/healthledger/internal/canonical"
	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
	"github.com/jmerrifield20/healthledger/internal/records"
)

// PatientHandler handles patient record routes.
type PatientHandler struct {
	svc    *records.Service
	tokens *ActorTokens
	logger *zap.Logger
}

// NewPatientHandler creates a new PatientHandler.
func NewPatientHandler(svc *records.Service, tokens *ActorTokens, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the patient routes on the given router group.
func (h *PatientHandler) Register(rg *gin.RouterGroup) {
	p := rg.Group("/patients", RequireActor(h.tokens))
	{
		p.POST("", RequireRole("Doctor", "Nurse", "Hospital Admin"), h.Create)
		p.GET("/:id", h.Get)
		p.GET("/:id/audit", h.Audit)
		p.POST("/:id/records", RequireRole("Doctor", "Nurse", "Lab Technician"), h.AddRecord)
	}
}

type createPatientRequest struct {
	NationalID string `json:"national_id" binding:"required"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	DOB        string `json:"dob"`
}

// Create handles POST /patients.
func (h *PatientHandler) Create(c *gin.Context) {
	var req createPatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	actor := ActorFromCtx(c)
	p, block, err := h.svc.Create(c.Request.Context(), actor.ID, records.Demographics{
		NationalID: req.NationalID,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		DOB:        req.DOB,
	})
	if errors.Is(err, audit.ErrNotPersisted) {
		c.JSON(http.StatusAccepted, gin.H{
			"id":      p.ID,
			"block":   block,
			"pending": true,
		})
		return
	}
	if err != nil {
		h.logger.Error("create patient", zap.Error(err))
		switch {
		case errors.Is(err, records.ErrNationalIDRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, recordcrypt.ErrKeyNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record encryption is not configured"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":    p.ID,
		"block": block,
	})
}

type addRecordRequest struct {
	Kind string         `json:"record_type" binding:"required"`
	Data map[string]any `json:"data"`
}

// AddRecord handles POST /patients/:id/records. It stores a sealed visit or
// diagnosis and commits a block whose action is the record type.
func (h *PatientHandler) AddRecord(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient ID"})
		return
	}
	var req addRecordRequest
	if err := bindJSONNumbers(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, block, err := h.svc.AddClinical(c.Request.Context(), ActorFromCtx(c).ID, id, req.Kind, req.Data)
	if errors.Is(err, audit.ErrNotPersisted) {
		c.JSON(http.StatusAccepted, gin.H{
			"id":      rec.ID,
			"block":   block,
			"pending": true,
		})
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, records.ErrUnknownKind):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, records.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case errors.Is(err, recordcrypt.ErrKeyNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record encryption is not configured"})
		default:
			h.logger.Error("add clinical record", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":    rec.ID,
		"block": block,
	})
}

// bindJSONNumbers binds the request body like ShouldBindJSON but keeps
// numbers as json.Number, so large integers reach the record hash exactly.
func bindJSONNumbers(c *gin.Context, obj any) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return err
	}
	if err := canonical.Unmarshal(body, obj); err != nil {
		return err
	}
	return binding.Validator.ValidateStruct(obj)
}

// Get handles GET /patients/:id. Returns the decrypted demographics.
func (h *PatientHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient ID"})
		return
	}

	p, d, err := h.svc.Lookup(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, records.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case errors.Is(err, recordcrypt.ErrAuthenticationFailed):
			RecordDecryptFailure()
			h.logger.Error("patient record failed authentication", zap.String("patient_id", id.String()))
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "record failed integrity check"})
		case errors.Is(err, recordcrypt.ErrKeyNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "record encryption is not configured"})
		default:
			h.logger.Error("lookup patient", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           p.ID,
		"demographics": d,
		"created_by":   p.CreatedBy,
		"created_at":   p.CreatedAt,
		"block_index":  p.BlockIndex,
	})
}

// Audit handles GET /patients/:id/audit.
func (h *PatientHandler) Audit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient ID"})
		return
	}
	trail, err := h.svc.Trail(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("patient audit trail", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit trail"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": trail})
}
