package index

import (
	"context"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/chaintrace/pkg/digest"
	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
)

// Memory is an Index held in process memory.
type Memory struct {
	mu      sync.RWMutex
	entries map[ledger.TxHash]*Entry
	order   []ledger.TxHash
}

// NewMemory creates an empty index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[ledger.TxHash]*Entry)}
}

func (m *Memory) Put(ctx context.Context, e *Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	if _, ok := m.entries[e.TxHash]; !ok {
		m.order = append(m.order, e.TxHash)
	}
	m.entries[e.TxHash] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, tx ledger.TxHash) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[tx]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.order))
	for _, tx := range m.order {
		cp := *m.entries[tx]
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindByPayloadHash(_ context.Context, h digest.Hash) ([]ledger.TxHash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.TxHash
	for _, tx := range m.order {
		if m.entries[tx].PayloadHash == h {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
