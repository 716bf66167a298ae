package agents

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// Memory is a [Source] holding a fixed set of agents in memory.
type Memory struct {
	mu     sync.RWMutex
	byID   map[string]Agent
	sorted []Agent
}

var _ Source = (*Memory)(nil)

// NewMemory returns a source serving agents.
func NewMemory(agents ...Agent) *Memory {
	m := &Memory{}
	m.Replace(agents)
	return m
}

// Replace swaps the whole agent set. In-flight reads see either the old or
// the new set.
func (m *Memory) Replace(agents []Agent) {
	byID := make(map[string]Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	sorted := slices.Clone(agents)
	slices.SortStableFunc(sorted, func(a, b Agent) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})

	m.mu.Lock()
	m.byID = byID
	m.sorted = sorted
	m.mu.Unlock()
}

// Get implements [Source].
func (m *Memory) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	a, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return &a, nil
}

// List implements [Source].
func (m *Memory) List(_ context.Context) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.sorted), nil
}

// Ping implements [Source]. It always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }
