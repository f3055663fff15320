package history

import "sync"

// Registry hands out one retention manager per user. Each user's working set
// is independent; a manager is created on first use and seeded by the caller.
type Registry struct {
	mu       sync.Mutex
	policy   Policy
	managers map[string]*Manager
}

func NewRegistry(policy Policy) *Registry {
	return &Registry{
		policy:   policy,
		managers: make(map[string]*Manager),
	}
}

// For returns the user's manager, creating it if needed. created reports
// whether this call made a fresh manager whose working set still needs
// seeding.
func (r *Registry) For(userID string) (m *Manager, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[userID]
	if !ok {
		m = NewManager(r.policy)
		r.managers[userID] = m
		created = true
	}
	return m, created
}
