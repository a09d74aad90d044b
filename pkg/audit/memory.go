package audit

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process. Used by tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byTrace map[string][]int
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTrace: make(map[string][]int)}
}

// Append stores a copy of rec.
func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec.Seq = int64(len(s.records)) + 1
	stored := *rec
	stored.Alternatives = append([]string{}, rec.Alternatives...)
	s.byTrace[rec.TraceID] = append(s.byTrace[rec.TraceID], len(s.records))
	s.records = append(s.records, stored)
	return nil
}

// ByTrace returns the trace's records in write order.
func (s *MemoryStore) ByTrace(ctx context.Context, traceID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byTrace[traceID]
	out := make([]Record, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.records[i])
	}
	return out, nil
}

// Query scans all records in write order.
func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scan(s.records, f), nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func scan(records []Record, f Filter) []Record {
	var out []Record
	for _, r := range records {
		if !f.match(r) {
			continue
		}
		out = append(out, r)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}
