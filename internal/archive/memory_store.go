package archive

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/mulewatch/internal/risk"
	"github.com/mbd888/mulewatch/internal/txstore"
)

// MemoryStore implements Store in memory. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	txs     []txstore.Transaction
	txIDs   map[string]struct{}
	records map[string]risk.Record
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txIDs:   make(map[string]struct{}),
		records: make(map[string]risk.Record),
	}
}

func (m *MemoryStore) SaveTransactions(_ context.Context, txs []txstore.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		if _, dup := m.txIDs[tx.ID]; dup {
			continue
		}
		m.txIDs[tx.ID] = struct{}{}
		m.txs = append(m.txs, tx)
	}
	return nil
}

func (m *MemoryStore) UpsertRiskRecords(_ context.Context, records []risk.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.AccountID] = r.Clone()
	}
	return nil
}

func (m *MemoryStore) DeleteRiskRecords(_ context.Context, accounts []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range accounts {
		delete(m.records, a)
	}
	return nil
}

func (m *MemoryStore) RecentTransactions(_ context.Context, limit int) ([]txstore.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.txs) > limit {
		start = len(m.txs) - limit
	}
	out := make([]txstore.Transaction, len(m.txs)-start)
	copy(out, m.txs[start:])
	return out, nil
}

func (m *MemoryStore) ListRiskRecords(_ context.Context) ([]risk.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]risk.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (m *MemoryStore) GetRiskRecord(_ context.Context, account string) (risk.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[account]
	if !ok {
		return risk.Record{}, ErrNotFound
	}
	return r.Clone(), nil
}
