// Package memory keeps policies and invocations in process. It backs local
// development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/invocation"
	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

type Store struct {
	mu sync.RWMutex

	policies    map[string]policy.TaskPolicy // tenant/task_type -> policy
	configs     map[string]policy.ProviderConfig
	templates   map[string]policy.Template
	invocations map[string]invocation.Invocation
}

func NewStore() *Store {
	return &Store{
		policies:    make(map[string]policy.TaskPolicy),
		configs:     make(map[string]policy.ProviderConfig),
		templates:   make(map[string]policy.Template),
		invocations: make(map[string]invocation.Invocation),
	}
}

func policyKey(tenantID, taskType string) string { return tenantID + "/" + taskType }

func (s *Store) PutTaskPolicy(_ context.Context, p policy.TaskPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policyKey(p.TenantID, p.TaskType)] = p
	return nil
}

// PutProviderConfig stores cfg. Activating a config deactivates the tenant's
// other configs.
func (s *Store) PutProviderConfig(_ context.Context, cfg policy.ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now().UTC()
	}
	if cfg.Active() {
		for id, other := range s.configs {
			if other.TenantID == cfg.TenantID && id != cfg.ID && other.Active() {
				other.Status = policy.ProviderInactive
				s.configs[id] = other
			}
		}
	}
	s.configs[cfg.ID] = cfg
	return nil
}

func (s *Store) PutTemplate(_ context.Context, t policy.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}

func (s *Store) TaskPolicy(_ context.Context, tenantID, taskType string) (policy.TaskPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[policyKey(tenantID, taskType)]
	if !ok {
		return policy.TaskPolicy{}, policy.ErrNotFound
	}
	return p, nil
}

// ActiveProviderConfig returns the most recently updated active config.
func (s *Store) ActiveProviderConfig(_ context.Context, tenantID string) (policy.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := make([]policy.ProviderConfig, 0, 1)
	for _, c := range s.configs {
		if c.TenantID == tenantID && c.Active() {
			active = append(active, c)
		}
	}
	if len(active) == 0 {
		return policy.ProviderConfig{}, policy.ErrNotFound
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UpdatedAt.After(active[j].UpdatedAt) })
	return active[0], nil
}

func (s *Store) ProviderConfig(_ context.Context, tenantID, id string) (policy.ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok || c.TenantID != tenantID {
		return policy.ProviderConfig{}, policy.ErrNotFound
	}
	return c, nil
}

func (s *Store) Template(_ context.Context, tenantID, id string) (policy.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok || t.TenantID != tenantID {
		return policy.Template{}, policy.ErrNotFound
	}
	return t, nil
}

func (s *Store) Create(_ context.Context, inv invocation.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations[inv.ID] = inv
	return nil
}

func (s *Store) Get(_ context.Context, tenantID, id string) (invocation.Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invocations[id]
	if !ok || inv.TenantID != tenantID {
		return invocation.Invocation{}, invocation.ErrNotFound
	}
	return inv, nil
}

func (s *Store) GetByID(_ context.Context, id string) (invocation.Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invocations[id]
	if !ok {
		return invocation.Invocation{}, invocation.ErrNotFound
	}
	return inv, nil
}

// InvocationCount reports how many invocation rows exist.
func (s *Store) InvocationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invocations)
}

func (s *Store) Transition(_ context.Context, id string, from []invocation.Status, next invocation.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[id]
	if !ok {
		return invocation.ErrNotFound
	}
	for _, st := range from {
		if inv.Status() == st {
			inv.State = next
			s.invocations[id] = inv
			return nil
		}
	}
	return invocation.ErrStale
}
