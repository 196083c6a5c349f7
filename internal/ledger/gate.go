package ledger

import "strings"

const (
	DefaultDifficulty = 2
	DefaultMaxNonce   = 1000

	maxDifficulty = 64
)

// Gate is the bounded admission predicate a candidate block must satisfy
// before it is accepted. It deters casual tampering and is not a security
// boundary.
type Gate struct {
	prefix   string
	maxNonce uint64
}

// NewGate returns a Gate requiring difficulty leading zero nibbles, searching
// nonces up to maxNonce. Difficulty is clamped to [0, 64].
func NewGate(difficulty int, maxNonce uint64) Gate {
	if difficulty < 0 {
		difficulty = 0
	}
	if difficulty > maxDifficulty {
		difficulty = maxDifficulty
	}
	return Gate{prefix: strings.Repeat("0", difficulty), maxNonce: maxNonce}
}

// DefaultGate requires a "00" prefix within 1000 nonces.
func DefaultGate() Gate { return NewGate(DefaultDifficulty, DefaultMaxNonce) }

// Admits reports whether hash satisfies the gate.
func (g Gate) Admits(hash string) bool { return strings.HasPrefix(hash, g.prefix) }

// MaxNonce is the fallback nonce used when no nonce admits.
func (g Gate) MaxNonce() uint64 { return g.maxNonce }

// seal searches for an admitted nonce and fills b.Nonce and b.BlockHash.
// It reports whether the final hash was admitted.
func (g Gate) seal(b *Block) bool {
	for nonce := uint64(0); ; nonce++ {
		b.Nonce = nonce
		b.BlockHash = hashBlock(b)
		if g.Admits(b.BlockHash) {
			return true
		}
		if nonce >= g.maxNonce {
			return false
		}
	}
}
