package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

type memEntry struct {
	data    []byte
	version uint64
}

// MemoryStore is a process-local Store with the same optimistic semantics
// as the networked backends. Versions come from a store-wide clock so a
// deleted and recreated document never reuses a version.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[Ref]memEntry
	clock uint64
	retry RetryPolicy

	wmu      sync.Mutex
	watchers map[string]map[int]func()
	nextID   int
}

func NewMemoryStore(retry RetryPolicy) *MemoryStore {
	return &MemoryStore{
		docs:     make(map[Ref]memEntry),
		retry:    retry,
		watchers: make(map[string]map[int]func()),
	}
}

func (m *MemoryStore) Get(ctx context.Context, ref Ref, dst any) (bool, error) {
	m.mu.RLock()
	e, ok := m.docs[ref]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.data, dst)
}

func (m *MemoryStore) Set(ctx context.Context, ref Ref, v any) error {
	var b writeBuffer
	if err := b.Set(ref, v); err != nil {
		return err
	}
	m.apply(b.writes)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, ref Ref) error {
	m.apply([]pendingWrite{{ref: ref, del: true}})
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, collection string, where ...Where) ([]Snapshot, error) {
	m.mu.RLock()
	out := make([]Snapshot, 0)
	for ref, e := range m.docs {
		if ref.Collection != collection || !matches(e.data, where) {
			continue
		}
		out = append(out, Snapshot{Ref: ref, Data: e.data})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out, nil
}

func (m *MemoryStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return m.retry.run(ctx, func() error {
		tx := &memTx{m: m, reads: make(map[Ref]uint64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return m.commit(tx)
	})
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	for ref, v := range tx.reads {
		if m.docs[ref].version != v {
			m.mu.Unlock()
			return ErrConflict
		}
	}
	m.applyLocked(tx.writes)
	m.mu.Unlock()
	m.notify(tx.collections())
	return nil
}

func (m *MemoryStore) apply(writes []pendingWrite) {
	m.mu.Lock()
	m.applyLocked(writes)
	m.mu.Unlock()
	b := writeBuffer{writes: writes}
	m.notify(b.collections())
}

func (m *MemoryStore) applyLocked(writes []pendingWrite) {
	for _, w := range writes {
		if w.del {
			delete(m.docs, w.ref)
			continue
		}
		m.clock++
		m.docs[w.ref] = memEntry{data: w.data, version: m.clock}
	}
}

func (m *MemoryStore) Watch(ctx context.Context, collection string, fn func()) (func(), error) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	id := m.nextID
	m.nextID++
	if m.watchers[collection] == nil {
		m.watchers[collection] = make(map[int]func())
	}
	m.watchers[collection][id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			m.wmu.Lock()
			delete(m.watchers[collection], id)
			m.wmu.Unlock()
		})
	}, nil
}

func (m *MemoryStore) notify(collections []string) {
	var fns []func()
	m.wmu.Lock()
	for _, c := range collections {
		for _, fn := range m.watchers[c] {
			fns = append(fns, fn)
		}
	}
	m.wmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (m *MemoryStore) Close() error { return nil }

type memTx struct {
	writeBuffer
	m     *MemoryStore
	reads map[Ref]uint64
}

func (t *memTx) Get(ctx context.Context, ref Ref, dst any) (bool, error) {
	if err := t.checkRead(); err != nil {
		return false, err
	}
	t.m.mu.RLock()
	e, ok := t.m.docs[ref]
	t.m.mu.RUnlock()
	if _, seen := t.reads[ref]; !seen {
		t.reads[ref] = e.version
	}
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.data, dst)
}
