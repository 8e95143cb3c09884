package ratelimit

import (
	"context"
	"sync"
	"time"
)

type usageKey struct {
	Identifier string
	Dim        Dimension
}

type usageRecord struct {
	Amount    int64
	WindowEnd time.Time
}

// MemoryStore is an in-memory Store suitable for single-instance
// deployments and tests.
type MemoryStore struct {
	mu   sync.Mutex
	data map[usageKey]*usageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[usageKey]*usageRecord)}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, dim Dimension, window time.Duration, amount int64) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := usageKey{Identifier: key, Dim: dim}
	now := time.Now()

	record, ok := s.data[k]
	if !ok || record.WindowEnd.Before(now) {
		record = &usageRecord{
			Amount:    amount,
			WindowEnd: now.Add(window),
		}
		s.data[k] = record
		return record.Amount, record.WindowEnd, nil
	}

	record.Amount += amount
	return record.Amount, record.WindowEnd, nil
}

// Sweep removes records whose window ended before the given time.
func (s *MemoryStore) Sweep(before time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, record := range s.data {
		if record.WindowEnd.Before(before) {
			delete(s.data, k)
		}
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[usageKey]*usageRecord)
	return nil
}

// Size reports the number of live records. Used by tests.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
