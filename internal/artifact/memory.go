package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/anthropics/exec-engine/contracts"
)

// MemoryStore is an in-memory contracts.ArtifactStore for tests. An optional
// OnCallback hook mimics the bucket's notification subsystem: it is invoked
// with the object key after every callback write.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// OnCallback, when set, is called after each PutCallback with the written
	// object key. Called without the store lock held.
	OnCallback func(key string)
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// PutBundle stores a bundle blob and returns a mem:// URI.
func (s *MemoryStore) PutBundle(_ context.Context, runID contracts.RunID, num contracts.OrderNum, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	key := BundleKey(runID, num)
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return "mem://" + key, nil
}

// GetBundle returns a stored bundle blob.
func (s *MemoryStore) GetBundle(_ context.Context, runID contracts.RunID, num contracts.OrderNum) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[BundleKey(runID, num)]
	s.mu.RUnlock()
	if !ok {
		return nil, contracts.ErrResultNotReady
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// PutCallback stores a callback result and fires the notification hook.
func (s *MemoryStore) PutCallback(_ context.Context, runID contracts.RunID, num contracts.OrderNum, result *contracts.CallbackResult) error {
	if result == nil {
		return contracts.ErrInvalidInput
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	key := CallbackKey(runID, num)
	s.mu.Lock()
	s.objects[key] = data
	hook := s.OnCallback
	s.mu.Unlock()
	if hook != nil {
		hook(key)
	}
	return nil
}

// GetCallback returns a stored callback result, or ErrResultNotReady.
func (s *MemoryStore) GetCallback(_ context.Context, runID contracts.RunID, num contracts.OrderNum) (*contracts.CallbackResult, error) {
	s.mu.RLock()
	data, ok := s.objects[CallbackKey(runID, num)]
	s.mu.RUnlock()
	if !ok {
		return nil, contracts.ErrResultNotReady
	}
	var result contracts.CallbackResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	result.Log = TruncateLog(result.Log)
	return &result, nil
}

// PresignCallback returns a deterministic fake URL.
func (s *MemoryStore) PresignCallback(_ context.Context, runID contracts.RunID, num contracts.OrderNum, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://presigned.invalid/%s?ttl=%d", CallbackKey(runID, num), int(expiry.Seconds())), nil
}

// PutDoneMarker stores the run's done marker.
func (s *MemoryStore) PutDoneMarker(_ context.Context, runID contracts.RunID, marker *contracts.DoneMarker) error {
	if marker == nil {
		return contracts.ErrInvalidInput
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[DoneKey(runID)] = data
	s.mu.Unlock()
	return nil
}

// DoneURI returns the fake location of the run's done marker.
func (s *MemoryStore) DoneURI(runID contracts.RunID) string {
	return "mem://" + DoneKey(runID)
}

// DoneMarker returns the stored done marker, if present. Test hook.
func (s *MemoryStore) DoneMarker(runID contracts.RunID) (*contracts.DoneMarker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[DoneKey(runID)]
	if !ok {
		return nil, false
	}
	var marker contracts.DoneMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, false
	}
	return &marker, true
}
