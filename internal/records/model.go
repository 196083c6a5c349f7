// Package records implements the patient record workflow: demographics are
// sealed with the record cipher before storage and every change is committed
// to the audit ledger.
package records

import (
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
)

// ActionPatientCreate labels ledger blocks for new patient records.
const ActionPatientCreate = "patient.create"

// Demographics is the sensitive part of a patient record. It only exists in
// plaintext in memory; storage holds the sealed envelope.
type Demographics struct {
	NationalID string `json:"national_id"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	DOB        string `json:"dob,omitempty"`
}

// Patient is the stored form of a patient record.
type Patient struct {
	ID           uuid.UUID                     `json:"id"`
	Demographics *recordcrypt.EncryptedPayload `json:"demographics"`
	CreatedBy    string                        `json:"created_by"`
	CreatedAt    time.Time                     `json:"created_at"`
	BlockIndex   uint64                        `json:"block_index"`
}

// SubjectRef returns the audit subject reference for a patient.
func SubjectRef(id uuid.UUID) string { return "patient:" + id.String() }

// Clinical record kinds. Each kind is also the action of its ledger block.
const (
	KindVisit     = "visit"
	KindDiagnosis = "diagnosis"
)

// ClinicalKinds lists the accepted clinical record kinds.
var ClinicalKinds = []string{KindVisit, KindDiagnosis}

// ClinicalRecord is a sealed visit or diagnosis attached to a patient.
type ClinicalRecord struct {
	ID         uuid.UUID                     `json:"id"`
	PatientID  uuid.UUID                     `json:"patient_id"`
	Kind       string                        `json:"kind"`
	Data       *recordcrypt.EncryptedPayload `json:"data"`
	CreatedBy  string                        `json:"created_by"`
	CreatedAt  time.Time                     `json:"created_at"`
	BlockIndex uint64                        `json:"block_index"`
}
