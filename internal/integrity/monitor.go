// Package integrity periodically re-verifies the audit ledger, both the
// in-memory chain and the copy held by the durable store.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/healthledger/internal/ledger"
)

// ErrDiverged is reported when the persisted chain disagrees with the
// in-memory chain at some index.
var ErrDiverged = errors.New("persisted chain diverges from memory")

// Config holds monitor configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

// Report is the outcome of one check. A nil field means that copy verified.
type Report struct {
	CheckedAt time.Time
	Memory    error
	Persisted error
}

// OK reports whether both copies verified.
func (r Report) OK() bool { return r.Memory == nil && r.Persisted == nil }

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(valid bool)

// Monitor runs periodic integrity checks.
type Monitor struct {
	chain     *ledger.Ledger
	store     ledger.Store
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu   sync.Mutex
	last Report
}

// New creates a Monitor. store may be nil to check only the in-memory chain.
func New(chain *ledger.Ledger, store ledger.Store, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 30 * time.Second
	}
	return &Monitor{chain: chain, store: store, cfg: cfg, logger: logger}
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) {
	m.onMetrics = fn
}

// Start runs the check loop until done is closed.
func (m *Monitor) Start(done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckTimeout)
			m.Check(ctx)
			cancel()
		case <-done:
			return
		}
	}
}

// Last returns the most recent report. Its zero value means no check ran yet.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Check verifies the in-memory chain, then replays the persisted chain and
// compares it block by block with memory. The persisted copy may be shorter
// than memory while blocks are awaiting persistence.
func (m *Monitor) Check(ctx context.Context) Report {
	r := Report{CheckedAt: time.Now().UTC()}
	r.Memory = m.chain.VerifyDetail()
	if m.store != nil {
		r.Persisted = m.checkPersisted(ctx)
	}

	if m.onMetrics != nil {
		m.onMetrics(r.OK())
	}

	m.mu.Lock()
	prev := m.last
	m.last = r
	m.mu.Unlock()

	switch {
	case !r.OK():
		m.logger.Warn("integrity: ledger check failed",
			zap.NamedError("memory", r.Memory),
			zap.NamedError("persisted", r.Persisted),
		)
	case !prev.CheckedAt.IsZero() && !prev.OK():
		m.logger.Info("integrity: ledger recovered")
	default:
		m.logger.Debug("integrity: ledger verified", zap.Int("blocks", m.chain.Len()))
	}
	return r
}

func (m *Monitor) checkPersisted(ctx context.Context) error {
	blocks, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load persisted chain: %w", err)
	}
	if _, err := ledger.Restore(blocks); err != nil {
		return err
	}

	memory := m.chain.Blocks()
	if len(blocks) > len(memory) {
		return fmt.Errorf("%w: store holds %d blocks, memory %d", ErrDiverged, len(blocks), len(memory))
	}
	for i, b := range blocks {
		if b.BlockHash != memory[i].BlockHash {
			return fmt.Errorf("%w: block %d", ErrDiverged, b.Index)
		}
	}
	return nil
}
