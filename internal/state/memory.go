package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/exec-engine/contracts"
)

// MemoryStore provides thread-safe in-memory implementations of the state
// store ports. It backs tests and local development; DynamoDB is the system
// of record in deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[contracts.RunID]map[contracts.OrderNum]*contracts.Order
	events []*contracts.OrderEvent
	locks  map[string]*contracts.RunLock
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[contracts.RunID]map[contracts.OrderNum]*contracts.Order),
		locks:  make(map[string]*contracts.RunLock),
		now:    time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put inserts or replaces an order record.
func (s *MemoryStore) Put(_ context.Context, order *contracts.Order) error {
	if order == nil {
		return contracts.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.orders[order.RunID]
	if !ok {
		run = make(map[contracts.OrderNum]*contracts.Order)
		s.orders[order.RunID] = run
	}
	cp := *order
	run[order.Num] = &cp
	return nil
}

// Get returns a single order, or contracts.ErrOrderNotFound.
func (s *MemoryStore) Get(_ context.Context, runID contracts.RunID, num contracts.OrderNum) (*contracts.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[runID][num]
	if !ok {
		return nil, contracts.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// GetAll returns every order of a run sorted by order number.
func (s *MemoryStore) GetAll(_ context.Context, runID contracts.RunID) ([]*contracts.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var orders []*contracts.Order
	for _, order := range s.orders[runID] {
		cp := *order
		orders = append(orders, &cp)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Num < orders[j].Num })
	return orders, nil
}

// UpdateStatus sets the order's status plus recognized extra fields.
func (s *MemoryStore) UpdateStatus(_ context.Context, runID contracts.RunID, num contracts.OrderNum, status contracts.OrderStatus, extra map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[runID][num]
	if !ok {
		return contracts.ErrOrderNotFound
	}
	order.Status = status
	for field, value := range extra {
		switch field {
		case "log":
			order.Log = value
		case "execution_url":
			order.ExecutionURL = value
		case "watchdog_handle":
			order.WatchdogHandle = value
		case "dispatched_at_ms":
			// stored as a string attribute in the table fakes mirror
			order.DispatchedAt = parseEpochMilli(value)
		}
	}
	return nil
}

// Append records one event.
func (s *MemoryStore) Append(_ context.Context, event *contracts.OrderEvent) error {
	if event == nil {
		return contracts.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// QueryByTrace returns events for a trace in sort-key order.
func (s *MemoryStore) QueryByTrace(_ context.Context, traceID contracts.TraceID, prefix string) ([]*contracts.OrderEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var events []*contracts.OrderEvent
	for _, event := range s.events {
		if event.TraceID != traceID {
			continue
		}
		if prefix != "" && !strings.HasPrefix(event.SortKey, prefix) {
			continue
		}
		cp := *event
		events = append(events, &cp)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].SortKey < events[j].SortKey })
	return events, nil
}

// Acquire implements the conditional lock put.
func (s *MemoryStore) Acquire(_ context.Context, runID contracts.RunID, holder contracts.HolderID, flowID contracts.FlowID, traceID contracts.TraceID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := LockID(runID)
	if existing, ok := s.locks[id]; ok && existing.State != contracts.LockCompleted {
		return contracts.ErrLockContended
	}
	now := s.now()
	s.locks[id] = &contracts.RunLock{
		LockID:     id,
		HolderID:   holder,
		State:      contracts.LockActive,
		AcquiredAt: now.UnixMilli(),
		FlowID:     flowID,
		TraceID:    traceID,
		ExpiresAt:  now.Add(ttl).Unix(),
	}
	return nil
}

// Release marks the lock completed.
func (s *MemoryStore) Release(_ context.Context, runID contracts.RunID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[LockID(runID)]; ok {
		lock.State = contracts.LockCompleted
	}
	return nil
}

// Lock returns a copy of the run's lock record, if any. Test hook.
func (s *MemoryStore) Lock(runID contracts.RunID) (*contracts.RunLock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lock, ok := s.locks[LockID(runID)]
	if !ok {
		return nil, false
	}
	cp := *lock
	return &cp, true
}

// Events returns a copy of every recorded event. Test hook.
func (s *MemoryStore) Events() []*contracts.OrderEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.OrderEvent, 0, len(s.events))
	for _, event := range s.events {
		cp := *event
		out = append(out, &cp)
	}
	return out
}

func parseEpochMilli(v string) int64 {
	var ms int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		ms = ms*10 + int64(c-'0')
	}
	return ms
}
