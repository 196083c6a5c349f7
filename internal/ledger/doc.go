// Package ledger implements a tamper-evident, append-only audit chain.
//
// The chain begins with a genesis block (index 0, previous hash "0").
// Every later block stores the hash of its predecessor and its own hash,
// computed over the canonical form of all its other fields, so rewriting any
// past block is detectable via Verify.
//
// Appends pass a bounded admission gate: a nonce search for a block hash with
// a configured number of leading zero nibbles. The search always terminates;
// when no nonce in [0, MaxNonce] qualifies the block is accepted at MaxNonce.
//
// The Ledger only ever sees opaque data digests. Linking subjects to blocks is
// the job of a SubjectIndex kept by the caller, and durability is the job of
// a Store:
//   - MemoryStore / MemoryIndex: in-process, for tests and development.
//   - PostgresStore / PostgresIndex: durable, for production use.
package ledger
