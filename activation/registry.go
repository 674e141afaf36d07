package activation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownKind   = errors.New("unknown app kind")
	ErrDuplicateKind = errors.New("app kind already registered")
)

// Factory builds an App of a registered kind from the manifest config.
type Factory func(env *Env, config json.RawMessage) (App, error)

// Registry maps manifest kinds to the factories compiled into this binary.
type Registry struct {
	lock      sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(kind string, factory Factory) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}

	r.factories[kind] = factory
	return nil
}

func (r *Registry) Lookup(kind string) (Factory, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	return factory, nil
}

func (r *Registry) Kinds() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	return kinds
}
