package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/audit"
	"github.com/jmerrifield20/healthledger/internal/ledger"
)

var ctx = context.Background()

// flakyStore fails Save while failing is set.
type flakyStore struct {
	*ledger.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *flakyStore) Save(ctx context.Context, b ledger.Block) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, b)
}

func newTestJournal(t *testing.T, store ledger.Store) *audit.Journal {
	t.Helper()
	l, err := ledger.Open(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	return audit.NewJournal(l, store, ledger.NewMemoryIndex(), zap.NewNop())
}

func TestJournal_recordPersistsAndIndexes(t *testing.T) {
	store := ledger.NewMemoryStore()
	j := newTestJournal(t, store)

	b, err := j.Record(ctx, audit.Event{
		Subject: "patient:1",
		Action:  "patient.create",
		Actor:   "user-1",
		Payload: map[string]string{"national_id": "12345"},
	})
	if err != nil {
		t.Fatal(err)
	}

	want, _ := ledger.HashRecord(map[string]string{"national_id": "12345"})
	if b.DataHash != want {
		t.Errorf("data hash: got %q, want %q", b.DataHash, want)
	}

	persisted, _ := store.Load(ctx)
	if len(persisted) != 2 || persisted[1] != b {
		t.Errorf("block not persisted: %+v", persisted)
	}

	trail, err := j.Trail(ctx, "patient:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 1 || trail[0].Index != b.Index {
		t.Errorf("unexpected trail: %+v", trail)
	}
}

func TestJournal_invalidEvent(t *testing.T) {
	j := newTestJournal(t, ledger.NewMemoryStore())
	_, err := j.Record(ctx, audit.Event{Action: "", Actor: "user-1", Payload: 1})
	if !errors.Is(err, ledger.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestJournal_retriesUnpersistedBlocksInOrder(t *testing.T) {
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore()}
	j := newTestJournal(t, store)

	store.setFailing(true)
	b1, err := j.RecordHash(ctx, "patient:1", "patient.create", "user-1", "h1")
	if !errors.Is(err, audit.ErrNotPersisted) {
		t.Fatalf("expected ErrNotPersisted, got %v", err)
	}
	if b1.Index != 1 {
		t.Errorf("failed persist should still return the appended block, got %+v", b1)
	}
	if j.Pending() != 1 {
		t.Errorf("expected 1 pending block, got %d", j.Pending())
	}

	// While the store is down no further blocks are appended.
	if _, err := j.RecordHash(ctx, "patient:1", "patient.update", "user-1", "h2"); err == nil {
		t.Fatal("expected error while store is failing")
	} else if errors.Is(err, audit.ErrNotPersisted) {
		t.Errorf("refused append must not report a pending block: %v", err)
	}
	if n := j.Ledger().Len(); n != 2 {
		t.Errorf("ledger grew while store was failing: len=%d", n)
	}

	store.setFailing(false)
	b2, err := j.RecordHash(ctx, "patient:1", "patient.update", "user-1", "h2")
	if err != nil {
		t.Fatal(err)
	}
	if j.Pending() != 0 {
		t.Errorf("expected no pending blocks, got %d", j.Pending())
	}

	reopened, err := ledger.Open(ctx, store)
	if err != nil {
		t.Fatalf("reopen after recovery: %v", err)
	}
	if reopened.Tip().BlockHash != b2.BlockHash {
		t.Error("persisted chain does not end at the latest block")
	}

	trail, _ := j.Trail(ctx, "patient:1")
	if len(trail) != 2 {
		t.Errorf("expected both blocks in trail, got %d", len(trail))
	}
}

func TestJournal_observer(t *testing.T) {
	store := ledger.NewMemoryStore()
	l, err := ledger.Open(ctx, store, ledger.WithGate(ledger.NewGate(64, 3)))
	if err != nil {
		t.Fatal(err)
	}
	j := audit.NewJournal(l, store, ledger.NewMemoryIndex(), zap.NewNop())

	var calls, fallbacks int
	j.SetObserver(func(b ledger.Block, admitted bool) {
		calls++
		if !admitted {
			fallbacks++
		}
	})
	if _, err := j.RecordHash(ctx, "", "system.check", "system", "h"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 || fallbacks != 1 {
		t.Errorf("observer: calls=%d fallbacks=%d", calls, fallbacks)
	}
}

func TestJournal_concurrentRecords(t *testing.T) {
	store := ledger.NewMemoryStore()
	j := newTestJournal(t, store)

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := j.RecordHash(ctx, "patient:shared", "record.update", "user", "h"); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	reopened, err := ledger.Open(ctx, store)
	if err != nil {
		t.Fatalf("persisted chain failed verification: %v", err)
	}
	if reopened.Len() != 61 {
		t.Errorf("expected 61 persisted blocks, got %d", reopened.Len())
	}
	trail, _ := j.Trail(ctx, "patient:shared")
	if len(trail) != 60 {
		t.Errorf("expected 60 trail entries, got %d", len(trail))
	}
}
