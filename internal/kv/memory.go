package kv

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Storage. Update invocations are serialized and
// staged in an overlay that is only folded into the map on success.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{entries: map[string][]byte{}}
}

func (m *Memory) View(ctx context.Context, fn func(Reader) error) error {
	if fn == nil {
		return fmt.Errorf("memory view: callback is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(memoryReader{entries: m.entries})
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if fn == nil {
		return fmt.Errorf("memory update: callback is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		memoryReader: memoryReader{entries: m.entries},
		pending:      map[string][]byte{},
		removed:      map[string]struct{}{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	// A cancelled invocation is dropped wholesale.
	if err := ctx.Err(); err != nil {
		return err
	}

	for key := range tx.removed {
		delete(m.entries, key)
	}
	for key, value := range tx.pending {
		m.entries[key] = value
	}
	return nil
}

// Keys returns the stored keys in lexical order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a deep copy of every stored entry.
func (m *Memory) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.entries))
	for key, value := range m.entries {
		out[key] = cloneBytes(value)
	}
	return out
}

type memoryReader struct {
	entries map[string][]byte
}

func (r memoryReader) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	value, ok := r.entries[key]
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(value), true, nil
}

type memoryTx struct {
	memoryReader
	pending map[string][]byte
	removed map[string]struct{}
}

func (tx *memoryTx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if value, ok := tx.pending[key]; ok {
		return cloneBytes(value), true, nil
	}
	if _, ok := tx.removed[key]; ok {
		return nil, false, nil
	}
	return tx.memoryReader.Get(ctx, key)
}

func (tx *memoryTx) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("memory set: key is required")
	}
	delete(tx.removed, key)
	tx.pending[key] = cloneBytes(value)
	return nil
}

func (tx *memoryTx) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	delete(tx.pending, key)
	tx.removed[key] = struct{}{}
	return nil
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return []byte{}
	}
	return append([]byte(nil), in...)
}
