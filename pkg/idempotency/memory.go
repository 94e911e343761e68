package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/model"
)

type memoryEntry struct {
	decision  *model.Decision
	expiresAt time.Time
}

// Memory is a process-local Guard
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*memoryEntry
}

type MemoryOption func(*Memory)

func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		m.ttl = ttl
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Acquire(ctx context.Context, userID, key string) (*model.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := scopedKey(userID, key)
	if e, ok := m.entries[k]; ok && m.now().Before(e.expiresAt) {
		if e.decision == nil {
			return nil, goerr.Wrap(ErrInProgress, "key is reserved", goerr.V("user_id", userID), goerr.V("key", key))
		}
		return e.decision, nil
	}

	m.entries[k] = &memoryEntry{expiresAt: m.now().Add(m.ttl)}
	return nil, nil
}

func (m *Memory) Complete(ctx context.Context, userID, key string, decision *model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[scopedKey(userID, key)] = &memoryEntry{
		decision:  decision,
		expiresAt: m.now().Add(m.ttl),
	}
	return nil
}

func (m *Memory) Release(ctx context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, scopedKey(userID, key))
	return nil
}
