package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a patient lookup finds no matching record.
var ErrNotFound = errors.New("patient not found")

// Repository stores sealed patient and clinical records.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	SetBlockIndex(ctx context.Context, id uuid.UUID, index uint64) error
	Get(ctx context.Context, id uuid.UUID) (*Patient, error)

	AddClinical(ctx context.Context, r *ClinicalRecord) error
	SetClinicalBlockIndex(ctx context.Context, id uuid.UUID, index uint64) error
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]Patient
	clinical map[uuid.UUID]ClinicalRecord
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients: make(map[uuid.UUID]Patient),
		clinical: make(map[uuid.UUID]ClinicalRecord),
	}
}

// Create implements Repository.
func (r *MemoryRepository) Create(_ context.Context, p *Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[p.ID]; ok {
		return fmt.Errorf("patient %s already exists", p.ID)
	}
	r.patients[p.ID] = *p
	return nil
}

// SetBlockIndex implements Repository.
func (r *MemoryRepository) SetBlockIndex(_ context.Context, id uuid.UUID, index uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.BlockIndex = index
	r.patients[id] = p
	return nil
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// AddClinical implements Repository.
func (r *MemoryRepository) AddClinical(_ context.Context, rec *ClinicalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[rec.PatientID]; !ok {
		return ErrNotFound
	}
	r.clinical[rec.ID] = *rec
	return nil
}

// SetClinicalBlockIndex implements Repository.
func (r *MemoryRepository) SetClinicalBlockIndex(_ context.Context, id uuid.UUID, index uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clinical[id]
	if !ok {
		return ErrNotFound
	}
	rec.BlockIndex = index
	r.clinical[id] = rec
	return nil
}

// PostgresRepository stores patients in the patients table. The
// demographics column holds the JSON envelope; no plaintext is written.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create implements Repository.
func (r *PostgresRepository) Create(ctx context.Context, p *Patient) error {
	env, err := json.Marshal(p.Demographics)
	if err != nil {
		return fmt.Errorf("marshal demographics envelope: %w", err)
	}
	q := `
		INSERT INTO patients (id, demographics, created_by, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := r.db.Exec(ctx, q, p.ID, env, p.CreatedBy, p.CreatedAt); err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	return nil
}

// SetBlockIndex implements Repository.
func (r *PostgresRepository) SetBlockIndex(ctx context.Context, id uuid.UUID, index uint64) error {
	tag, err := r.db.Exec(ctx, `UPDATE patients SET block_idx = $2 WHERE id = $1`, id, int64(index))
	if err != nil {
		return fmt.Errorf("set patient block index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get implements Repository.
func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var (
		p        Patient
		env      []byte
		blockIdx *int64
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, demographics, created_by, created_at, block_idx FROM patients WHERE id = $1`, id,
	).Scan(&p.ID, &env, &p.CreatedBy, &p.CreatedAt, &blockIdx)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	if err := json.Unmarshal(env, &p.Demographics); err != nil {
		return nil, fmt.Errorf("decode demographics envelope: %w", err)
	}
	if blockIdx != nil {
		p.BlockIndex = uint64(*blockIdx)
	}
	return &p, nil
}

// AddClinical implements Repository.
func (r *PostgresRepository) AddClinical(ctx context.Context, rec *ClinicalRecord) error {
	env, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("marshal clinical envelope: %w", err)
	}
	q := `
		INSERT INTO clinical_records (id, patient_id, kind, data, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.db.Exec(ctx, q, rec.ID, rec.PatientID, rec.Kind, env, rec.CreatedBy, rec.CreatedAt); err != nil {
		return fmt.Errorf("create clinical record: %w", err)
	}
	return nil
}

// SetClinicalBlockIndex implements Repository.
func (r *PostgresRepository) SetClinicalBlockIndex(ctx context.Context, id uuid.UUID, index uint64) error {
	tag, err := r.db.Exec(ctx, `UPDATE clinical_records SET block_idx = $2 WHERE id = $1`, id, int64(index))
	if err != nil {
		return fmt.Errorf("set clinical block index: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
