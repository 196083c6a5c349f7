package records_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/audit"
	"github.com/jmerrifield20/healthledger/internal/ledger"
	"github.com/jmerrifield20/healthledger/internal/recordcrypt"
	"github.com/jmerrifield20/healthledger/internal/records"
)

var ctx = context.Background()

type fixture struct {
	svc     *records.Service
	repo    *records.MemoryRepository
	journal *audit.Journal
	store   *switchStore
}

// switchStore fails Save while down is set.
type switchStore struct {
	*ledger.MemoryStore
	mu   sync.Mutex
	down bool
}

func (s *switchStore) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *switchStore) Save(ctx context.Context, b ledger.Block) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	return s.MemoryStore.Save(ctx, b)
}

func newFixture(t *testing.T, key []byte) fixture {
	t.Helper()
	store := &switchStore{MemoryStore: ledger.NewMemoryStore()}
	l, err := ledger.Open(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	journal := audit.NewJournal(l, store, ledger.NewMemoryIndex(), zap.NewNop())
	suite, err := recordcrypt.NewSuite(key, recordcrypt.AES256GCM)
	if err != nil {
		t.Fatal(err)
	}
	repo := records.NewMemoryRepository()
	return fixture{
		svc:     records.NewService(repo, suite, journal, zap.NewNop()),
		repo:    repo,
		journal: journal,
		store:   store,
	}
}

func testKey() []byte { return bytes.Repeat([]byte{0x11}, 32) }

func TestCreate_sealsAndRecords(t *testing.T) {
	f := newFixture(t, testKey())
	d := records.Demographics{NationalID: "12345", FirstName: "Ada", LastName: "Lovelace", DOB: "1815-12-10"}

	p, block, err := f.svc.Create(ctx, "user-1", d)
	if err != nil {
		t.Fatal(err)
	}
	if block.Index != 1 || block.Action != records.ActionPatientCreate || block.CreatedBy != "user-1" {
		t.Errorf("unexpected block: %+v", block)
	}

	contentHash, _ := ledger.HashRecord(d)
	want, _ := ledger.HashRecord(map[string]string{
		"action":    records.ActionPatientCreate,
		"patientId": p.ID.String(),
		"dataHash":  contentHash,
	})
	if block.DataHash != want {
		t.Errorf("block data hash: got %q, want %q", block.DataHash, want)
	}

	stored, err := f.repo.Get(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(stored.Demographics.Ciphertext, []byte("12345")) {
		t.Error("stored ciphertext contains plaintext national ID")
	}
	if stored.BlockIndex != block.Index {
		t.Errorf("stored block index: got %d, want %d", stored.BlockIndex, block.Index)
	}

	_, got, err := f.svc.Lookup(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if *got != d {
		t.Errorf("lookup: got %+v, want %+v", *got, d)
	}

	trail, err := f.svc.Trail(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 1 || trail[0].BlockHash != block.BlockHash {
		t.Errorf("unexpected trail: %+v", trail)
	}
	if !f.journal.Ledger().Verify() {
		t.Error("ledger failed verification after create")
	}
}

func TestCreate_requiresNationalID(t *testing.T) {
	f := newFixture(t, testKey())
	if _, _, err := f.svc.Create(ctx, "user-1", records.Demographics{FirstName: "Ada"}); !errors.Is(err, records.ErrNationalIDRequired) {
		t.Errorf("expected ErrNationalIDRequired, got %v", err)
	}
}

func TestCreate_keyNotConfigured(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.svc.Create(ctx, "user-1", records.Demographics{NationalID: "12345"})
	if !errors.Is(err, recordcrypt.ErrKeyNotConfigured) {
		t.Errorf("expected ErrKeyNotConfigured, got %v", err)
	}
	if f.journal.Ledger().Len() != 1 {
		t.Error("no block should be recorded when encryption is unavailable")
	}
}

func TestLookup_tamperedEnvelope(t *testing.T) {
	f := newFixture(t, testKey())
	p, _, err := f.svc.Create(ctx, "user-1", records.Demographics{NationalID: "12345"})
	if err != nil {
		t.Fatal(err)
	}

	stored, _ := f.repo.Get(ctx, p.ID)
	stored.Demographics.AuthTag[0] ^= 0xff

	_, d, err := f.svc.Lookup(ctx, p.ID)
	if !errors.Is(err, recordcrypt.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if d != nil {
		t.Errorf("tampered lookup returned demographics: %+v", d)
	}
}

func TestLookup_notFound(t *testing.T) {
	f := newFixture(t, testKey())
	if _, _, err := f.svc.Lookup(ctx, uuid.New()); !errors.Is(err, records.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreate_pendingPersistenceReturnsPatient(t *testing.T) {
	f := newFixture(t, testKey())
	f.store.setDown(true)

	p, block, err := f.svc.Create(ctx, "user-1", records.Demographics{NationalID: "12345"})
	if !errors.Is(err, audit.ErrNotPersisted) {
		t.Fatalf("expected ErrNotPersisted, got %v", err)
	}
	if p == nil || block.Index != 1 || p.BlockIndex != 1 {
		t.Fatalf("pending create should return the stored patient and its block: p=%+v block=%+v", p, block)
	}
	if _, _, err := f.svc.Lookup(ctx, p.ID); err != nil {
		t.Errorf("pending patient should be readable: %v", err)
	}
	if f.journal.Pending() != 1 {
		t.Errorf("expected 1 pending block, got %d", f.journal.Pending())
	}
}

func TestAddClinical_sealsAndRecords(t *testing.T) {
	f := newFixture(t, testKey())
	p, _, err := f.svc.Create(ctx, "dr-1", records.Demographics{NationalID: "12345"})
	if err != nil {
		t.Fatal(err)
	}

	data := map[string]any{"visit_type": "follow-up", "notes": "stable"}
	rec, block, err := f.svc.AddClinical(ctx, "nurse-2", p.ID, records.KindVisit, data)
	if err != nil {
		t.Fatalf("AddClinical: %v", err)
	}
	if block.Action != records.KindVisit || block.CreatedBy != "nurse-2" || block.Index != 2 {
		t.Errorf("unexpected block: %+v", block)
	}
	if want, _ := ledger.HashRecord(data); block.DataHash != want {
		t.Errorf("data hash = %s, want hash of the record data %s", block.DataHash, want)
	}
	if rec.BlockIndex != block.Index || rec.PatientID != p.ID {
		t.Errorf("unexpected record: %+v", rec)
	}

	suite, _ := recordcrypt.NewSuite(testKey(), recordcrypt.AES256GCM)
	var opened map[string]any
	if err := suite.Decrypt(rec.Data, &opened); err != nil {
		t.Fatalf("decrypt record data: %v", err)
	}
	if opened["notes"] != "stable" {
		t.Errorf("decrypted data = %v", opened)
	}

	if _, _, err := f.svc.AddClinical(ctx, "dr-1", p.ID, records.KindDiagnosis, map[string]any{"code": "J45"}); err != nil {
		t.Fatal(err)
	}
	trail, err := f.svc.Trail(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	var actions []string
	for _, b := range trail {
		actions = append(actions, b.Action)
	}
	want := []string{records.ActionPatientCreate, records.KindVisit, records.KindDiagnosis}
	if len(actions) != len(want) {
		t.Fatalf("trail actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("trail actions = %v, want %v", actions, want)
			break
		}
	}
}

func TestAddClinical_rejections(t *testing.T) {
	f := newFixture(t, testKey())
	p, _, err := f.svc.Create(ctx, "dr-1", records.Demographics{NationalID: "12345"})
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := f.svc.AddClinical(ctx, "dr-1", p.ID, "prescription", nil); !errors.Is(err, records.ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if _, _, err := f.svc.AddClinical(ctx, "dr-1", uuid.New(), records.KindVisit, nil); !errors.Is(err, records.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if n := f.journal.Ledger().Len(); n != 2 {
		t.Errorf("rejected records must not append; ledger length = %d", n)
	}
}
