package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	claim   Claim
	owner   string
	expires time.Time
}

// MemoryTracker keeps claims in process memory. It suits single-instance
// deployments; claims are lost on restart.
type MemoryTracker struct {
	opts options

	mu      sync.Mutex
	entries map[string]memoryEntry
}

var _ Tracker = (*MemoryTracker)(nil)

func NewMemoryTracker(opts ...Option) *MemoryTracker {
	return &MemoryTracker{
		opts:    newOptions(opts),
		entries: make(map[string]memoryEntry),
	}
}

func (m *MemoryTracker) Begin(_ context.Context, key string) (Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.now()
	m.sweep(now)

	if e, ok := m.entries[key]; ok {
		return e.claim, nil
	}

	token := newToken()
	m.entries[key] = memoryEntry{
		claim:   Claim{State: StateInFlight},
		owner:   token,
		expires: now.Add(m.opts.lease),
	}
	return Claim{State: StateNew, Token: token}, nil
}

func (m *MemoryTracker) Complete(_ context.Context, key, token string, out Outcome) error {
	return m.settle("idempotency.Complete", key, token, Claim{State: StateDone, Outcome: out})
}

func (m *MemoryTracker) MarkAmbiguous(_ context.Context, key, token string) error {
	return m.settle("idempotency.MarkAmbiguous", key, token, Claim{State: StateAmbiguous})
}

func (m *MemoryTracker) Abort(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.owns(key, token) {
		return errClaimLost("idempotency.Abort", key)
	}
	delete(m.entries, key)
	return nil
}

// Len returns the number of unexpired claims.
func (m *MemoryTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.opts.now())
	return len(m.entries)
}

func (m *MemoryTracker) settle(op, key, token string, c Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.owns(key, token) {
		return errClaimLost(op, key)
	}
	m.entries[key] = memoryEntry{claim: c, expires: m.opts.now().Add(m.opts.ttl)}
	return nil
}

// owns reports whether token holds the unexpired in-flight claim on key.
// Callers hold m.mu.
func (m *MemoryTracker) owns(key, token string) bool {
	e, ok := m.entries[key]
	if !ok || !m.opts.now().Before(e.expires) {
		return false
	}
	return e.claim.State == StateInFlight && e.owner == token
}

// sweep drops expired entries. Callers hold m.mu.
func (m *MemoryTracker) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
