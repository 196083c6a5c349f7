package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidArgument is returned by Append when action or actor is empty.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a block index is outside the chain.
	ErrNotFound = errors.New("block not found")
)

// IntegrityError describes the first block that failed verification.
type IntegrityError struct {
	Index  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity: block %d: %s", e.Index, e.Reason)
}

// Ledger owns an in-memory hash chain. It is safe for concurrent use:
// appends hold the write lock, so at most one append runs at a time, and
// reads hold the read lock, so they always observe a complete chain and never
// a partially appended block.
type Ledger struct {
	mu     sync.RWMutex
	chain  []Block
	gate   Gate
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithGate sets the admission gate. The default is DefaultGate().
func WithGate(g Gate) Option { return func(l *Ledger) { l.gate = g } }

// WithClock overrides the block timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger used for append and verification events.
func WithLogger(logger *zap.Logger) Option { return func(l *Ledger) { l.logger = logger } }

func newLedger(opts []Option) *Ledger {
	l := &Ledger{
		gate:   DefaultGate(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// New creates a Ledger holding only the genesis block.
func New(opts ...Option) *Ledger {
	l := newLedger(opts)
	genesis := Block{
		Index:        0,
		Timestamp:    l.timestamp(),
		Action:       GenesisAction,
		DataHash:     GenesisDataHash,
		PreviousHash: GenesisPreviousHash,
		CreatedBy:    GenesisActor,
	}
	genesis.BlockHash = hashBlock(&genesis)
	l.chain = append(l.chain, genesis)
	return l
}

// Restore rebuilds a Ledger from persisted blocks in index order. The chain
// is verified before it is returned; a broken chain yields an *IntegrityError.
// An empty slice is equivalent to New.
func Restore(blocks []Block, opts ...Option) (*Ledger, error) {
	if len(blocks) == 0 {
		return New(opts...), nil
	}
	l := newLedger(opts)
	l.chain = append(make([]Block, 0, len(blocks)), blocks...)
	if err := verifyBlocks(l.chain); err != nil {
		return nil, err
	}
	return l, nil
}

// timestamp truncates to microseconds, the precision durable stores keep.
func (l *Ledger) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Microsecond)
}

// Append seals a new block linked to the current tip and adds it to the
// chain. dataHash is stored verbatim.
func (l *Ledger) Append(action, dataHash, actor string) (Block, error) {
	if action == "" {
		return Block{}, fmt.Errorf("%w: action is required", ErrInvalidArgument)
	}
	if actor == "" {
		return Block{}, fmt.Errorf("%w: actor is required", ErrInvalidArgument)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.chain[len(l.chain)-1]
	block := Block{
		Index:        prev.Index + 1,
		Timestamp:    l.timestamp(),
		Action:       action,
		DataHash:     dataHash,
		PreviousHash: prev.BlockHash,
		CreatedBy:    actor,
	}
	admitted := l.gate.seal(&block)
	l.chain = append(l.chain, block)

	l.logger.Debug("block appended",
		zap.Uint64("idx", block.Index),
		zap.String("action", block.Action),
		zap.Uint64("nonce", block.Nonce),
		zap.Bool("admitted", admitted),
	)
	return block, nil
}

// Verify reports whether every block's stored hash, previous-hash link and
// index are consistent. It never fails; use VerifyDetail for the reason.
func (l *Ledger) Verify() bool {
	return l.VerifyDetail() == nil
}

// VerifyDetail walks the chain and returns an *IntegrityError for the first
// inconsistent block, or nil if the chain is intact.
func (l *Ledger) VerifyDetail() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := verifyBlocks(l.chain); err != nil {
		l.logger.Warn("ledger integrity check failed", zap.Error(err))
		return err
	}
	return nil
}

func verifyBlocks(chain []Block) error {
	for i := range chain {
		curr := &chain[i]
		if curr.Index != uint64(i) {
			return &IntegrityError{Index: uint64(i), Reason: fmt.Sprintf("index %d at position %d", curr.Index, i)}
		}
		if i == 0 {
			if curr.PreviousHash != GenesisPreviousHash {
				return &IntegrityError{Index: 0, Reason: "genesis previous hash is not \"0\""}
			}
		} else if curr.PreviousHash != chain[i-1].BlockHash {
			return &IntegrityError{Index: curr.Index, Reason: "previous hash does not match predecessor"}
		}
		if curr.BlockHash != hashBlock(curr) {
			return &IntegrityError{Index: curr.Index, Reason: "stored hash does not match contents"}
		}
	}
	return nil
}

// Get returns the block at index.
func (l *Ledger) Get(index uint64) (Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.chain)) {
		return Block{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return l.chain[index], nil
}

// Len returns the number of blocks, genesis included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

// Tip returns the most recent block.
func (l *Ledger) Tip() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chain[len(l.chain)-1]
}

// Blocks returns a copy of the chain.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Block(nil), l.chain...)
}

// Gate returns the admission gate in use.
func (l *Ledger) Gate() Gate { return l.gate }
