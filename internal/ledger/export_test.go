package ledger

// TamperForTest mutates the in-memory block at index, bypassing the
// append-only API, so tests can exercise Verify on a corrupted chain.
func (l *Ledger) TamperForTest(index uint64, fn func(*Block)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.chain[index])
}
