package cache

import "slices"

// MockResolver serves mocked entries ahead of the rest of the stack. Later
// mocks shadow earlier ones for the same key.
type MockResolver struct {
	order []string
	mocks map[string]map[*CacheKey]*Entry
}

// NewMockResolver creates an empty resolver.
func NewMockResolver() *MockResolver {
	return &MockResolver{mocks: make(map[string]map[*CacheKey]*Entry)}
}

// Resolve returns the newest mocked entry for key.
func (m *MockResolver) Resolve(key *CacheKey) (*Entry, bool) {
	for i := len(m.order) - 1; i >= 0; i-- {
		if e, ok := m.mocks[m.order[i]][key]; ok {
			return e, true
		}
	}
	return nil, false
}

// Add registers entries under id, replacing any earlier mock with that id.
func (m *MockResolver) Add(id string, entries map[*CacheKey]*Entry) {
	if _, ok := m.mocks[id]; ok {
		m.Remove(id)
	}
	m.order = append(m.order, id)
	m.mocks[id] = entries
}

// Remove drops the mock and returns the keys it covered.
func (m *MockResolver) Remove(id string) ([]*CacheKey, bool) {
	entries, ok := m.mocks[id]
	if !ok {
		return nil, false
	}
	delete(m.mocks, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })

	keys := make([]*CacheKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	return keys, true
}

// Len reports how many mocks are registered.
func (m *MockResolver) Len() int { return len(m.order) }

var _ Resolver = (*MockResolver)(nil)
