package fetch

import (
	"context"
	"fmt"
	"sync"
)

// MemorySource is a thread-safe, in-memory Fetcher for fixtures, tests and
// offline development. Payloads are copied on the way in and on the way out,
// so callers can never alias the stored bytes.
type MemorySource struct {
	mu    sync.RWMutex
	items map[string][]byte
	calls []string
}

// NewMemorySource returns an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{items: make(map[string][]byte)}
}

// Put stores payload under address, replacing any previous payload.
func (s *MemorySource) Put(address string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	s.mu.Lock()
	s.items[address] = cp
	s.mu.Unlock()
}

// PutString is Put for textual payloads.
func (s *MemorySource) PutString(address, payload string) {
	s.Put(address, []byte(payload))
}

// Delete removes the payload stored under address.
func (s *MemorySource) Delete(address string) {
	s.mu.Lock()
	delete(s.items, address)
	s.mu.Unlock()
}

// Fetch returns a copy of the payload stored under address. Every call is
// recorded, including ones that fail.
func (s *MemorySource) Fetch(ctx context.Context, address string) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, address)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, contextFailure(address, err)
	}

	s.mu.RLock()
	payload, ok := s.items[address]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", address, ErrNotFound)
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, nil
}

// Calls returns the addresses passed to Fetch, in call order.
func (s *MemorySource) Calls() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Len returns the number of stored payloads.
func (s *MemorySource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
