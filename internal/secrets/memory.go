package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/exec-engine/contracts"
)

// MemoryKeyStore is an in-memory contracts.KeyStore for tests.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string][2][]byte // ref -> {private, public}
}

// NewMemoryKeyStore creates an empty MemoryKeyStore.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string][2][]byte)}
}

// Put stores a key pair under keys/<run_id>/<order_num>.
func (m *MemoryKeyStore) Put(_ context.Context, runID contracts.RunID, num contracts.OrderNum, private, public []byte) (string, error) {
	ref := fmt.Sprintf("/keys/%s/%s", runID, num)
	m.mu.Lock()
	m.keys[ref] = [2][]byte{append([]byte(nil), private...), append([]byte(nil), public...)}
	m.mu.Unlock()
	return ref, nil
}

// PublicKey returns the public half for a stored reference.
func (m *MemoryKeyStore) PublicKey(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pair, ok := m.keys[ref]
	if !ok {
		return nil, fmt.Errorf("key %s not found", ref)
	}
	return append([]byte(nil), pair[1]...), nil
}

// PrivateKey returns the private half for a stored reference. Test hook.
func (m *MemoryKeyStore) PrivateKey(ref string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pair, ok := m.keys[ref]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), pair[0]...), true
}

// Delete removes one key entry.
func (m *MemoryKeyStore) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	delete(m.keys, ref)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored keys. Test hook.
func (m *MemoryKeyStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// MapSource is an in-memory contracts.CredentialSource for tests.
type MapSource map[string]string

// Fetch returns the mapped value for a path.
func (m MapSource) Fetch(_ context.Context, path string) ([]byte, error) {
	value, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("credential path %s not found", path)
	}
	return []byte(value), nil
}
