package records

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/audit"
	"github.com/jmerrifield20/healthledger/internal/ledger"
	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
)

var (
	// ErrNationalIDRequired is returned when demographics carry no national ID.
	ErrNationalIDRequired = errors.New("national_id required")

	// ErrUnknownKind is returned for a clinical record kind outside ClinicalKinds.
	ErrUnknownKind = errors.New("unknown clinical record kind")
)

// Service creates and reads patient records.
type Service struct {
	repo    Repository
	suite   *recordcrypt.Suite
	journal *audit.Journal
	logger  *zap.Logger
}

// NewService creates a new Service.
func NewService(repo Repository, suite *recordcrypt.Suite, journal *audit.Journal, logger *zap.Logger) *Service {
	return &Service{repo: repo, suite: suite, journal: journal, logger: logger}
}

// Create seals d, stores the record and commits a patient.create block.
// The block's data hash covers the action, the patient ID and a digest of
// the plaintext demographics, so the ledger never sees the plaintext.
// If the block joined the chain but is not yet durable, the stored patient
// is returned with an error wrapping audit.ErrNotPersisted.
func (s *Service) Create(ctx context.Context, actor string, d Demographics) (*Patient, ledger.Block, error) {
	if d.NationalID == "" {
		return nil, ledger.Block{}, ErrNationalIDRequired
	}
	if err := s.suite.Ready(); err != nil {
		return nil, ledger.Block{}, err
	}

	env, err := s.suite.Encrypt(d)
	if err != nil {
		return nil, ledger.Block{}, fmt.Errorf("seal demographics: %w", err)
	}
	contentHash, err := ledger.HashRecord(d)
	if err != nil {
		return nil, ledger.Block{}, err
	}

	p := &Patient{
		ID:           uuid.New(),
		Demographics: env,
		CreatedBy:    actor,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, ledger.Block{}, err
	}

	block, err := s.journal.Record(ctx, audit.Event{
		Subject: SubjectRef(p.ID),
		Action:  ActionPatientCreate,
		Actor:   actor,
		Payload: map[string]string{
			"action":    ActionPatientCreate,
			"patientId": p.ID.String(),
			"dataHash":  contentHash,
		},
	})
	if err := s.committed(ctx, block, err, func(ctx context.Context, idx uint64) error {
		return s.repo.SetBlockIndex(ctx, p.ID, idx)
	}); err != nil {
		if errors.Is(err, audit.ErrNotPersisted) {
			p.BlockIndex = block.Index
		}
		return p, block, err
	}
	p.BlockIndex = block.Index

	s.logger.Info("patient created",
		zap.String("patient_id", p.ID.String()),
		zap.String("actor", actor),
		zap.Uint64("idx", block.Index),
	)
	return p, block, nil
}

// AddClinical seals data as a clinical record of the given kind for an
// existing patient and commits a block whose action is kind and whose data
// hash covers data.
func (s *Service) AddClinical(ctx context.Context, actor string, patientID uuid.UUID, kind string, data map[string]any) (*ClinicalRecord, ledger.Block, error) {
	if !slices.Contains(ClinicalKinds, kind) {
		return nil, ledger.Block{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := s.suite.Ready(); err != nil {
		return nil, ledger.Block{}, err
	}
	if _, err := s.repo.Get(ctx, patientID); err != nil {
		return nil, ledger.Block{}, err
	}
	if data == nil {
		data = map[string]any{}
	}

	env, err := s.suite.Encrypt(data)
	if err != nil {
		return nil, ledger.Block{}, fmt.Errorf("seal %s record: %w", kind, err)
	}

	rec := &ClinicalRecord{
		ID:        uuid.New(),
		PatientID: patientID,
		Kind:      kind,
		Data:      env,
		CreatedBy: actor,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.AddClinical(ctx, rec); err != nil {
		return nil, ledger.Block{}, err
	}

	block, err := s.journal.Record(ctx, audit.Event{
		Subject: SubjectRef(patientID),
		Action:  kind,
		Actor:   actor,
		Payload: data,
	})
	if err := s.committed(ctx, block, err, func(ctx context.Context, idx uint64) error {
		return s.repo.SetClinicalBlockIndex(ctx, rec.ID, idx)
	}); err != nil {
		if errors.Is(err, audit.ErrNotPersisted) {
			rec.BlockIndex = block.Index
		}
		return rec, block, err
	}
	rec.BlockIndex = block.Index

	s.logger.Info("clinical record added",
		zap.String("patient_id", patientID.String()),
		zap.String("kind", kind),
		zap.String("actor", actor),
		zap.Uint64("idx", block.Index),
	)
	return rec, block, nil
}

// committed finishes a journal write. On success the block index is stored
// with the record. A block that joined the chain but is not yet durable is
// reported as audit.ErrNotPersisted; the record must not be created again.
// The index is not stored in that case because the block row does not exist
// yet.
func (s *Service) committed(ctx context.Context, block ledger.Block, err error, setIndex func(context.Context, uint64) error) error {
	if err != nil {
		if errors.Is(err, audit.ErrNotPersisted) {
			s.logger.Warn("record stored, ledger block pending persistence",
				zap.Uint64("idx", block.Index),
				zap.String("action", block.Action),
				zap.Error(err),
			)
			return err
		}
		return fmt.Errorf("journal record: %w", err)
	}
	if err := setIndex(ctx, block.Index); err != nil {
		s.logger.Warn("record block index not stored",
			zap.Uint64("idx", block.Index),
			zap.Error(err),
		)
	}
	return nil
}

// Lookup returns the stored record and its decrypted demographics.
// Authentication failures are surfaced, never masked.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Patient, *Demographics, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var d Demographics
	if err := s.suite.Decrypt(p.Demographics, &d); err != nil {
		return p, nil, fmt.Errorf("open demographics for %s: %w", id, err)
	}
	return p, &d, nil
}

// Trail returns the ledger blocks recorded for a patient.
func (s *Service) Trail(ctx context.Context, id uuid.UUID) ([]ledger.Block, error) {
	return s.journal.Trail(ctx, SubjectRef(id))
}
