package feed

import (
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/tickcapture/errs"
)

// Registry maps adapter names to session factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to an adapter name, replacing any previous binding.
func (r *Registry) Register(adapter string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(strings.TrimSpace(adapter))] = factory
}

// NewSession dispatches to the factory registered for spec.Entry.Adapter.
func (r *Registry) NewSession(spec Spec, handler Handler) (Session, error) {
	adapter := strings.ToLower(strings.TrimSpace(spec.Entry.Adapter))
	r.mu.RLock()
	factory, ok := r.factories[adapter]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("feed/registry", errs.CodeNotFound,
			errs.WithSession(spec.ID),
			errs.WithMessage(fmt.Sprintf("no factory for adapter %q", adapter)))
	}
	return factory.NewSession(spec, handler)
}
