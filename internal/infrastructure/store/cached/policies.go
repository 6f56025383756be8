// Package cached wraps a policy store with a bounded, expiring in-process
// cache. Policy is read on every request and changes rarely.
package cached

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/poly-workshop/llm-orchestrator/internal/domain/policy"
)

// Source is the read side of a policy store.
type Source interface {
	TaskPolicy(ctx context.Context, tenantID, taskType string) (policy.TaskPolicy, error)
	ActiveProviderConfig(ctx context.Context, tenantID string) (policy.ProviderConfig, error)
	ProviderConfig(ctx context.Context, tenantID, id string) (policy.ProviderConfig, error)
	Template(ctx context.Context, tenantID, id string) (policy.Template, error)
}

// entry caches both hits and not-found results.
type entry[T any] struct {
	value    T
	notFound bool
}

type Policies struct {
	next Source

	policies  *expirable.LRU[string, entry[policy.TaskPolicy]]
	active    *expirable.LRU[string, entry[policy.ProviderConfig]]
	configs   *expirable.LRU[string, entry[policy.ProviderConfig]]
	templates *expirable.LRU[string, entry[policy.Template]]
}

func New(next Source, size int, ttl time.Duration) *Policies {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Policies{
		next:      next,
		policies:  expirable.NewLRU[string, entry[policy.TaskPolicy]](size, nil, ttl),
		active:    expirable.NewLRU[string, entry[policy.ProviderConfig]](size, nil, ttl),
		configs:   expirable.NewLRU[string, entry[policy.ProviderConfig]](size, nil, ttl),
		templates: expirable.NewLRU[string, entry[policy.Template]](size, nil, ttl),
	}
}

func (p *Policies) TaskPolicy(ctx context.Context, tenantID, taskType string) (policy.TaskPolicy, error) {
	return lookup(p.policies, tenantID+"/"+taskType, func() (policy.TaskPolicy, error) {
		return p.next.TaskPolicy(ctx, tenantID, taskType)
	})
}

func (p *Policies) ActiveProviderConfig(ctx context.Context, tenantID string) (policy.ProviderConfig, error) {
	return lookup(p.active, tenantID, func() (policy.ProviderConfig, error) {
		return p.next.ActiveProviderConfig(ctx, tenantID)
	})
}

func (p *Policies) ProviderConfig(ctx context.Context, tenantID, id string) (policy.ProviderConfig, error) {
	return lookup(p.configs, tenantID+"/"+id, func() (policy.ProviderConfig, error) {
		return p.next.ProviderConfig(ctx, tenantID, id)
	})
}

func (p *Policies) Template(ctx context.Context, tenantID, id string) (policy.Template, error) {
	return lookup(p.templates, tenantID+"/"+id, func() (policy.Template, error) {
		return p.next.Template(ctx, tenantID, id)
	})
}

// Purge drops every cached entry, e.g. after reseeding.
func (p *Policies) Purge() {
	p.policies.Purge()
	p.active.Purge()
	p.configs.Purge()
	p.templates.Purge()
}

// lookup serves key from c or loads it. Errors other than not found are
// never cached.
func lookup[T any](c *expirable.LRU[string, entry[T]], key string, load func() (T, error)) (T, error) {
	if e, ok := c.Get(key); ok {
		if e.notFound {
			var zero T
			return zero, policy.ErrNotFound
		}
		return e.value, nil
	}
	v, err := load()
	switch {
	case errors.Is(err, policy.ErrNotFound):
		c.Add(key, entry[T]{notFound: true})
	case err == nil:
		c.Add(key, entry[T]{value: v})
	}
	return v, err
}
