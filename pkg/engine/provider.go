package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider observes and realizes the desired state of one resource type.
// Providers are stateless across resources and may be shared by many of them.
type Provider interface {
	// CurrentState observes the resource on the target system.
	// A resource that does not exist reports ensure "absent".
	CurrentState(ctx context.Context, r *Resource) (Attributes, error)

	// Apply realizes the desired state. observed is the result of the
	// preceding CurrentState call, or nil for a refresh-only resource
	// firing on notification.
	Apply(ctx context.Context, r *Resource, observed Attributes) (*ApplyResult, error)
}

// Refresher is implemented by providers whose resources react to
// notifications, e.g. by reloading a service.
type Refresher interface {
	Refresh(ctx context.Context, r *Resource) error
}

// Comparer is implemented by providers that need a custom in-sync policy.
// When absent, the schema-driven comparison in Diff is used.
type Comparer interface {
	InSync(r *Resource, observed Attributes) (bool, []Change)
}

// ApplyResult is the result of a successful Apply call.
type ApplyResult struct {
	// Changed is false when the provider found nothing to do after all.
	Changed bool `json:"changed"`

	// Message is a short human-readable description of what was done.
	Message string `json:"message,omitempty"`

	// State is the observed state after apply, if the provider knows it.
	State Attributes `json:"state,omitempty"`
}

// Platform is the abstract target descriptor providers are registered for.
type Platform struct {
	// Family is the OS family, e.g. "debian" or "redhat". Empty matches all.
	Family string `json:"family" yaml:"family"`

	// OS is the distribution release, e.g. "trusty". Informational.
	OS string `json:"os,omitempty" yaml:"os,omitempty"`
}

// String renders the platform as "family/os".
func (p Platform) String() string {
	family := p.Family
	if family == "" {
		family = "any"
	}
	if p.OS == "" {
		return family
	}
	return family + "/" + p.OS
}

type registryKey struct {
	resourceType string
	family       string
}

// Registry is the explicit registration table of providers by
// resource type and platform family.
type Registry struct {
	mu        sync.RWMutex
	providers map[registryKey]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[registryKey]Provider),
	}
}

// Register adds a provider for a resource type on a platform family.
// An empty family registers the fallback for every platform.
func (r *Registry) Register(resourceType, family string, p Provider) error {
	if resourceType == "" {
		return fmt.Errorf("resource type cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("provider for %s cannot be nil", resourceType)
	}

	key := registryKey{resourceType: NewIdentity(resourceType, "").Type, family: family}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[key]; exists {
		return fmt.Errorf("provider for %s on family %q already registered", resourceType, family)
	}
	r.providers[key] = p
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(resourceType, family string, p Provider) {
	if err := r.Register(resourceType, family, p); err != nil {
		panic(err)
	}
}

// Resolve looks up the provider for a type on a platform. A family-specific
// registration wins over the fallback.
func (r *Registry) Resolve(resourceType string, platform Platform) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[registryKey{resourceType: resourceType, family: platform.Family}]; ok {
		return p, nil
	}
	if p, ok := r.providers[registryKey{resourceType: resourceType}]; ok {
		return p, nil
	}
	return nil, NewNoProviderError(resourceType, platform)
}

// Types returns the registered resource types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	types := make([]string, 0, len(r.providers))
	for key := range r.providers {
		if !seen[key.resourceType] {
			seen[key.resourceType] = true
			types = append(types, key.resourceType)
		}
	}
	sort.Strings(types)
	return types
}

// ProviderFunc adapts a pair of functions into a Provider. It is mostly
// useful for tests and for simple in-process providers.
type ProviderFunc struct {
	Observe func(ctx context.Context, r *Resource) (Attributes, error)
	Realize func(ctx context.Context, r *Resource, observed Attributes) (*ApplyResult, error)
}

// CurrentState implements Provider.
func (f ProviderFunc) CurrentState(ctx context.Context, r *Resource) (Attributes, error) {
	if f.Observe == nil {
		return Attributes{}, nil
	}
	return f.Observe(ctx, r)
}

// Apply implements Provider.
func (f ProviderFunc) Apply(ctx context.Context, r *Resource, observed Attributes) (*ApplyResult, error) {
	if f.Realize == nil {
		return &ApplyResult{Changed: true}, nil
	}
	return f.Realize(ctx, r, observed)
}
