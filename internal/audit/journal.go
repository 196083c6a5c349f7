// Package audit records actions against subjects on the ledger and answers
// audit queries. It is the collaborator that owns persistence and the
// subject-to-block index; the ledger itself never sees either.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/ledger"
)

// ErrNotPersisted is returned together with a block that joined the chain
// but could not yet be saved or indexed. The block is retried before the
// next append; callers must not repeat the action.
var ErrNotPersisted = errors.New("ledger block appended but not persisted")

// Event is an action to commit. Payload is hashed, never stored.
type Event struct {
	Subject string // e.g. "patient:<id>"; empty for subject-less actions
	Action  string
	Actor   string
	Payload any
}

// Observer is notified after every append. Admitted is false when the block
// was accepted at the gate's nonce bound.
type Observer func(b ledger.Block, admitted bool)

type pendingBlock struct {
	block   ledger.Block
	subject string
	saved   bool
}

// Journal serialises append, persist and index so the durable chain is
// written strictly in index order. Blocks whose persistence fails stay queued
// and are flushed, in order, before the next append is attempted.
type Journal struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	store    ledger.Store
	index    ledger.SubjectIndex
	observer Observer
	pending  []pendingBlock
	logger   *zap.Logger
}

// NewJournal creates a Journal. The ledger must already reflect store
// (see ledger.Open).
func NewJournal(l *ledger.Ledger, store ledger.Store, index ledger.SubjectIndex, logger *zap.Logger) *Journal {
	return &Journal{ledger: l, store: store, index: index, logger: logger}
}

// SetObserver registers fn to be called after each append.
func (j *Journal) SetObserver(fn Observer) { j.observer = fn }

// Ledger returns the underlying chain.
func (j *Journal) Ledger() *ledger.Ledger { return j.ledger }

// Record hashes ev.Payload and commits it. See RecordHash.
func (j *Journal) Record(ctx context.Context, ev Event) (ledger.Block, error) {
	dataHash, err := ledger.HashRecord(ev.Payload)
	if err != nil {
		return ledger.Block{}, err
	}
	return j.RecordHash(ctx, ev.Subject, ev.Action, ev.Actor, dataHash)
}

// RecordHash appends a block for a digest the caller already computed,
// persists it and links it to subject. If persistence fails the block is
// still part of the in-memory chain; it is returned together with the error
// and retried before the next append.
func (j *Journal) RecordHash(ctx context.Context, subject, action, actor, dataHash string) (ledger.Block, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flush(ctx); err != nil {
		return ledger.Block{}, fmt.Errorf("journal has unpersisted blocks: %w", err)
	}

	block, err := j.ledger.Append(action, dataHash, actor)
	if err != nil {
		return ledger.Block{}, err
	}
	if j.observer != nil {
		j.observer(block, j.ledger.Gate().Admits(block.BlockHash))
	}

	j.pending = append(j.pending, pendingBlock{block: block, subject: subject})
	if err := j.flush(ctx); err != nil {
		j.logger.Error("ledger block not persisted",
			zap.Uint64("idx", block.Index),
			zap.String("action", action),
			zap.Error(err),
		)
		return block, fmt.Errorf("%w: %w", ErrNotPersisted, err)
	}
	return block, nil
}

func (j *Journal) flush(ctx context.Context) error {
	for len(j.pending) > 0 {
		p := &j.pending[0]
		if !p.saved {
			if err := j.store.Save(ctx, p.block); err != nil {
				return err
			}
			p.saved = true
		}
		if p.subject != "" {
			if err := j.index.Link(ctx, p.subject, p.block.Index); err != nil {
				return err
			}
		}
		j.pending = j.pending[1:]
	}
	return nil
}

// Pending returns the number of blocks appended but not yet persisted.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

// Trail returns the blocks recorded against subject, in chain order.
func (j *Journal) Trail(ctx context.Context, subject string) ([]ledger.Block, error) {
	return j.ledger.AuditTrail(ctx, subject, j.index)
}
