package bundler

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// PoolEntry is one admitted operation waiting for a bundle. Attempts counts
// failed submission cycles; the relayer dead-letters an entry once it exceeds
// the configured maximum.
type PoolEntry struct {
	ID       common.Hash
	Op       *userop.UserOperation
	Attempts int
}

// Mempool is the bounded, keyed store of admitted, not-yet-bundled operations.
// The key is the operation's content hash, so admitting bit-identical
// operations is idempotent while any field change (a fee bump included)
// creates an independent entry. The bound is soft: reaching it triggers a
// flush through the scheduler instead of rejecting admissions.
//
// A single mutex covers Admit/Size/DrainAll; DrainAll snapshots and clears
// under the same lock, so a concurrent Admit lands either wholly before the
// drain (included) or wholly after (kept for the next cycle), never lost.
type Mempool struct {
	mu      sync.Mutex
	entries map[common.Hash]*PoolEntry
}

func NewMempool() *Mempool {
	return &Mempool{
		entries: make(map[common.Hash]*PoolEntry),
	}
}

// Admit inserts or overwrites the entry at id.
func (m *Mempool) Admit(id common.Hash, op *userop.UserOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[id] = &PoolEntry{ID: id, Op: op}
}

// Requeue reinserts a drained entry, preserving its attempt count. Keyed by
// the entry's own operation hash so two failed operations from the same
// sender never overwrite each other.
func (m *Mempool) Requeue(entry *PoolEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[entry.ID] = entry
}

func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

// DrainAll atomically removes and returns every current entry. The pool is
// empty the moment this returns.
func (m *Mempool) DrainAll() []*PoolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	drained := make([]*PoolEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		drained = append(drained, entry)
	}
	m.entries = make(map[common.Hash]*PoolEntry)

	return drained
}
