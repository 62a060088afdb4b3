package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// BackendFactory loads a model. It may block for a long time and is never
// given a deadline by the engine.
type BackendFactory func(ctx context.Context, cfg BackendConfig) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]BackendFactory)
)

func Register(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("engine: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("engine: Register called twice for " + name)
	}
	registry[name] = factory
}

func Lookup(name string) (BackendFactory, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("engine: unknown backend %q (registered: %v)", name, Backends())
	}
	return factory, nil
}

func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}
