package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store durably records blocks returned by Append.
// Both MemoryStore and PostgresStore implement this interface.
type Store interface {
	// Save persists a block. Blocks are saved in index order.
	Save(ctx context.Context, b Block) error

	// Load returns every persisted block ordered by index.
	Load(ctx context.Context) ([]Block, error)
}

// SubjectIndex maps a subject reference (e.g. "patient:<id>") to the
// indices of blocks recorded about it. The ledger cannot derive this
// linkage itself because it only sees opaque digests.
type SubjectIndex interface {
	Link(ctx context.Context, subjectRef string, index uint64) error
	BlockIndices(ctx context.Context, subjectRef string) ([]uint64, error)
}

// Open loads the chain from store and verifies it. An empty store is seeded
// with a fresh genesis block, which is persisted before Open returns.
func Open(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	blocks, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if len(blocks) > 0 {
		return Restore(blocks, opts...)
	}

	l := New(opts...)
	if err := store.Save(ctx, l.Tip()); err != nil {
		return nil, fmt.Errorf("persist genesis: %w", err)
	}
	return l, nil
}

// AuditTrail returns, in chain order, the blocks idx links to subjectRef.
// With a nil index it degrades to the full chain for manual inspection.
func (l *Ledger) AuditTrail(ctx context.Context, subjectRef string, idx SubjectIndex) ([]Block, error) {
	if idx == nil {
		return l.Blocks(), nil
	}

	indices, err := idx.BlockIndices(ctx, subjectRef)
	if err != nil {
		return nil, fmt.Errorf("lookup subject %q: %w", subjectRef, err)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	l.mu.RLock()
	defer l.mu.RUnlock()

	trail := make([]Block, 0, len(indices))
	for i, n := range indices {
		if i > 0 && n == indices[i-1] {
			continue
		}
		if n >= uint64(len(l.chain)) {
			return nil, fmt.Errorf("subject %q: %w: index %d", subjectRef, ErrNotFound, n)
		}
		trail = append(trail, l.chain[n])
	}
	return trail, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	blocks []Block
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Index != uint64(len(s.blocks)) {
		return fmt.Errorf("save block %d: store holds %d blocks", b.Index, len(s.blocks))
	}
	s.blocks = append(s.blocks, b)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Block(nil), s.blocks...), nil
}

// MemoryIndex is an in-process SubjectIndex.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string][]uint64
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string][]uint64)}
}

// Link implements SubjectIndex.
func (m *MemoryIndex) Link(_ context.Context, subjectRef string, index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.entries[subjectRef] {
		if n == index {
			return nil
		}
	}
	m.entries[subjectRef] = append(m.entries[subjectRef], index)
	return nil
}

// BlockIndices implements SubjectIndex.
func (m *MemoryIndex) BlockIndices(_ context.Context, subjectRef string) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint64(nil), m.entries[subjectRef]...), nil
}
