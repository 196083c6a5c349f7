package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmerrifield20/healthledger/internal/canonical"
)

const (
	// GenesisPreviousHash is the previous-hash sentinel of block 0.
	GenesisPreviousHash = "0"

	// GenesisAction and GenesisActor label the genesis block.
	GenesisAction = "genesis"
	GenesisActor  = "system"
)

// GenesisDataHash is the digest of the fixed literal "genesis".
var GenesisDataHash = sha256Sum([]byte("genesis"))

// Block is one committed action in the chain.
type Block struct {
	Index        uint64    `json:"index"`
	Timestamp    time.Time `json:"timestamp"`
	Action       string    `json:"action"`     // e.g. patient.create
	DataHash     string    `json:"data_hash"`  // caller-supplied digest, opaque here
	PreviousHash string    `json:"previous_hash"`
	CreatedBy    string    `json:"created_by"` // actor id or "system"
	Nonce        uint64    `json:"nonce"`
	BlockHash    string    `json:"block_hash"`
}

// header is the hashed view of a Block. Timestamps are hashed as Unix
// microseconds so that values round-tripped through storage with microsecond
// precision or a different zone hash identically.
type header struct {
	Action       string `json:"action"`
	CreatedBy    string `json:"createdBy"`
	DataHash     string `json:"dataHash"`
	Index        uint64 `json:"index"`
	Nonce        uint64 `json:"nonce"`
	PreviousHash string `json:"previousHash"`
	Timestamp    int64  `json:"timestamp"`
}

// hashBlock computes the SHA-256 over the canonical form of every field of b
// except BlockHash.
func hashBlock(b *Block) string {
	data, err := canonical.Marshal(header{
		Action:       b.Action,
		CreatedBy:    b.CreatedBy,
		DataHash:     b.DataHash,
		Index:        b.Index,
		Nonce:        b.Nonce,
		PreviousHash: b.PreviousHash,
		Timestamp:    b.Timestamp.UnixMicro(),
	})
	if err != nil {
		// header holds only strings and integers.
		panic(fmt.Sprintf("canonicalize block header: %v", err))
	}
	return sha256Sum(data)
}

// HashRecord canonicalizes payload and returns its hex SHA-256 digest.
// Callers hash a payload once and submit only the digest to Append.
func HashRecord(payload any) (string, error) {
	data, err := canonical.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	return sha256Sum(data), nil
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
